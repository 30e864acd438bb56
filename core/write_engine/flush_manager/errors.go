package flushmanager

import "errors"

var (
	ErrUnsupportedKind = errors.New("value kind has no checkpoint encoding")
	ErrNoTransaction   = errors.New("no checkpoint transaction is active")
	ErrNotQuiescent    = errors.New("a checkpoint batch is still in flight")
)
