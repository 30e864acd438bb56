package dataset

import "errors"

var (
	ErrWrongType        = errors.New("operation against a key holding the wrong kind of value")
	ErrNotInteger       = errors.New("value is not an integer or out of range")
	ErrNotFloat         = errors.New("value is not a valid float")
	ErrCorruptedValue   = errors.New("corrupted encoded value")
	ErrUnsupportedValue = errors.New("value kind has no snapshot encoding")
)
