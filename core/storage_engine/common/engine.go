// Package common defines the contract of the persistent ordered key/value
// engine, the key layout used to store typed values in it and helpers shared
// by engine implementations.
package common

import (
	"errors"
	"io"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("storage engine is closed")
	ErrEmptyKey = errors.New("empty storage key")
)

// KV is one engine record.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterator walks engine records in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Engine is an ordered key/value store. Implementations must allow
// concurrent calls from several goroutines.
type Engine interface {
	// Get returns ErrNotFound when the key is absent.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	MultiPut(kvs []KV) error
	MultiDelete(keys [][]byte) error
	PrefixScan(prefix []byte) (Iterator, error)
	// Write applies the mutations atomically and in order.
	Write(muts []Mutation) error
	// Backup streams a consistent copy of the engine to w.
	Backup(w io.Writer) (int64, error)
	Close() error
}

// MutationType is the closed set of write-commands a checkpoint emits.
type MutationType uint8

const (
	MutationPut MutationType = iota + 1
	MutationDelete
	MutationDeletePrefix
)

func (t MutationType) String() string {
	switch t {
	case MutationPut:
		return "put"
	case MutationDelete:
		return "delete"
	case MutationDeletePrefix:
		return "delete_prefix"
	default:
		return "unknown"
	}
}

// Mutation is one encoded write-command.
type Mutation struct {
	Type  MutationType
	Key   []byte
	Value []byte
}

func Put(key, value []byte) Mutation { return Mutation{Type: MutationPut, Key: key, Value: value} }

func Delete(key []byte) Mutation { return Mutation{Type: MutationDelete, Key: key} }

func DeletePrefix(prefix []byte) Mutation {
	return Mutation{Type: MutationDeletePrefix, Key: prefix}
}

// SliceIterator iterates over records that were read eagerly.
type SliceIterator struct {
	kvs []KV
	pos int
}

func NewSliceIterator(kvs []KV) *SliceIterator {
	return &SliceIterator{kvs: kvs, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.kvs) {
		it.pos = len(it.kvs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Key() []byte   { return it.kvs[it.pos].Key }
func (it *SliceIterator) Value() []byte { return it.kvs[it.pos].Value }
func (it *SliceIterator) Err() error    { return nil }
func (it *SliceIterator) Close() error  { return nil }
