package wal

import "errors"

var (
	ErrCorruptedRecord = errors.New("corrupted WAL record")
	ErrTornRecord      = errors.New("torn WAL record")
	ErrRecordTooLarge  = errors.New("WAL record too large")
	ErrClosed          = errors.New("log manager is closed")
	ErrInvalidPosition = errors.New("invalid checkpoint position")
)

// maxRecordSize bounds a single frame so that a corrupted length prefix
// cannot trigger a huge allocation.
const maxRecordSize = 64 << 20
