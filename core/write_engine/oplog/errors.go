package oplog

import "errors"

var (
	ErrIllegalArgument   = errors.New("illegal argument")
	ErrImmutablePending  = errors.New("immutable generation is still pending, drain it before rotating")
	ErrImmutableNotEmpty = errors.New("immutable generation still holds live entries")
	ErrEntryNotWritable  = errors.New("entry is not in a writable state")
)
