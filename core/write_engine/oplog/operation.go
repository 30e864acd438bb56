// Package oplog holds the per-key operation logs that buffer accepted writes
// between the in-memory dataset and the persistent engine.
//
// Two generations are kept: the active log receives new writes, the immutable
// log is what a checkpoint drains. Everything in this package is owned by the
// shard dispatcher goroutine and is not safe for concurrent use.
package oplog

import (
	"fmt"
	"strconv"

	"github.com/sushant-115/hybridkv/core/write_engine/wal"
)

// OpCode identifies one mutation kind. The set is closed.
type OpCode uint8

const (
	OpSet OpCode = iota + 1
	OpDel
	OpAppend
	OpIncrBy
	OpLPush
	OpRPush
	OpLPop
	OpRPop
	OpSAdd
	OpSRem
	OpZAdd
	OpZRem
	OpHSet
	OpHDel

	opCodeEnd
)

var opCodeNames = [...]string{
	OpSet:    "SET",
	OpDel:    "DEL",
	OpAppend: "APPEND",
	OpIncrBy: "INCRBY",
	OpLPush:  "LPUSH",
	OpRPush:  "RPUSH",
	OpLPop:   "LPOP",
	OpRPop:   "RPOP",
	OpSAdd:   "SADD",
	OpSRem:   "SREM",
	OpZAdd:   "ZADD",
	OpZRem:   "ZREM",
	OpHSet:   "HSET",
	OpHDel:   "HDEL",
}

func (c OpCode) String() string {
	if c.Valid() {
		return opCodeNames[c]
	}
	return fmt.Sprintf("OpCode(%d)", uint8(c))
}

// Valid reports whether c belongs to the known opcode set.
func (c OpCode) Valid() bool {
	return c >= OpSet && c < opCodeEnd
}

// IsEntirety reports whether an operation with this code replaces or removes
// the whole value, making any older buffered history for the key moot.
func (c OpCode) IsEntirety() bool {
	return c == OpSet || c == OpDel
}

// Kind returns the value kind the opcode operates on. DEL works on any kind
// and reports KindNone.
func (c OpCode) Kind() Kind {
	switch c {
	case OpSet, OpAppend, OpIncrBy:
		return KindScalar
	case OpLPush, OpRPush, OpLPop, OpRPop:
		return KindList
	case OpSAdd, OpSRem:
		return KindSet
	case OpZAdd, OpZRem:
		return KindSortedSet
	case OpHSet, OpHDel:
		return KindHash
	default:
		return KindNone
	}
}

// Kind is the closed set of value kinds a key can hold.
type Kind uint8

const (
	KindNone Kind = iota
	KindScalar
	KindList
	KindSet
	KindSortedSet
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScalar:
		return "string"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindSortedSet:
		return "zset"
	case KindHash:
		return "hash"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Operation is one logical write against a key. It is immutable once created.
type Operation struct {
	Code OpCode
	Args [][]byte
	// LSN is the WAL record that made this operation durable. Zero means the
	// operation has not been logged.
	LSN wal.LSN
}

// NewOperation builds an operation and validates its argument list.
func NewOperation(code OpCode, args ...[]byte) (Operation, error) {
	op := Operation{Code: code, Args: args}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Validate checks the opcode and its arity.
func (op Operation) Validate() error {
	if !op.Code.Valid() {
		return fmt.Errorf("%w: unknown opcode %d", ErrIllegalArgument, uint8(op.Code))
	}
	n := len(op.Args)
	switch op.Code {
	case OpSet, OpAppend:
		if n != 1 {
			return arityError(op.Code, n)
		}
	case OpIncrBy:
		if n != 1 {
			return arityError(op.Code, n)
		}
		if _, err := strconv.ParseInt(string(op.Args[0]), 10, 64); err != nil {
			return fmt.Errorf("%w: %s delta %q is not an integer", ErrIllegalArgument, op.Code, op.Args[0])
		}
	case OpDel, OpLPop, OpRPop:
		if n != 0 {
			return arityError(op.Code, n)
		}
	case OpLPush, OpRPush, OpSAdd, OpSRem, OpZRem, OpHDel:
		if n == 0 {
			return arityError(op.Code, n)
		}
	case OpZAdd:
		if n == 0 || n%2 != 0 {
			return arityError(op.Code, n)
		}
		for i := 0; i < n; i += 2 {
			if _, err := strconv.ParseFloat(string(op.Args[i]), 64); err != nil {
				return fmt.Errorf("%w: ZADD score %q is not a float", ErrIllegalArgument, op.Args[i])
			}
		}
	case OpHSet:
		if n == 0 || n%2 != 0 {
			return arityError(op.Code, n)
		}
	}
	return nil
}

func arityError(code OpCode, n int) error {
	return fmt.Errorf("%w: wrong number of arguments (%d) for %s", ErrIllegalArgument, n, code)
}
