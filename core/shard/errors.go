package shard

import "errors"

var (
	ErrClosed     = errors.New("shard is closed")
	ErrNotBlocked = errors.New("checkpointing must be blocked for this operation")
	ErrEmptyKey   = errors.New("key must not be empty")
)
