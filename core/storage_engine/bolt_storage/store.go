// Package boltstorage implements the persistent engine on a single bolt
// database file.
package boltstorage

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/storage_engine/common"
)

var dataBucket = []byte("data")

// Options configures the bolt database.
type Options struct {
	Timeout time.Duration `yaml:"timeout"`
	NoSync  bool          `yaml:"no_sync"`
}

// Store is a common.Engine backed by bolt.
type Store struct {
	db     *bolt.DB
	path   string
	closed atomic.Bool
	logger *zap.Logger
}

var _ common.Engine = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	db.NoSync = opts.NoSync
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	s := &Store{db: db, path: path, logger: logger.Named("bolt_storage")}
	s.logger.Info("Opened bolt storage", zap.String("path", path), zap.Bool("noSync", opts.NoSync))
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) view(fn func(b *bolt.Bucket) error) error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error { return fn(tx.Bucket(dataBucket)) })
}

func (s *Store) update(fn func(b *bolt.Bucket) error) error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error { return fn(tx.Bucket(dataBucket)) })
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.view(func(b *bolt.Bucket) error {
		v := b.Get(key)
		if v == nil {
			return common.ErrNotFound
		}
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	return s.update(func(b *bolt.Bucket) error { return b.Put(key, value) })
}

func (s *Store) MultiPut(kvs []common.KV) error {
	return s.update(func(b *bolt.Bucket) error {
		for _, kv := range kvs {
			if len(kv.Key) == 0 {
				return common.ErrEmptyKey
			}
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MultiDelete(keys [][]byte) error {
	return s.update(func(b *bolt.Bucket) error {
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PrefixScan reads every record under prefix eagerly so that no bolt
// transaction outlives the call.
func (s *Store) PrefixScan(prefix []byte) (common.Iterator, error) {
	var kvs []common.KV
	err := s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			kvs = append(kvs, common.KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte{}, v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return common.NewSliceIterator(kvs), nil
}

// Write applies muts in one bolt transaction.
func (s *Store) Write(muts []common.Mutation) error {
	return s.update(func(b *bolt.Bucket) error {
		for _, m := range muts {
			if len(m.Key) == 0 {
				return common.ErrEmptyKey
			}
			switch m.Type {
			case common.MutationPut:
				if err := b.Put(m.Key, m.Value); err != nil {
					return err
				}
			case common.MutationDelete:
				if err := b.Delete(m.Key); err != nil {
					return err
				}
			case common.MutationDeletePrefix:
				if err := deletePrefix(b, m.Key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown mutation type %d", m.Type)
			}
		}
		return nil
	})
}

// deletePrefix collects first: deleting through a cursor skips records.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var doomed [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Backup writes a consistent copy of the database file to w.
func (s *Store) Backup(w io.Writer) (int64, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("bolt backup failed: %w", err)
	}
	s.logger.Info("Bolt backup written", zap.Int64("bytes", n))
	return n, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Closing bolt storage", zap.String("path", s.path))
	return s.db.Close()
}
