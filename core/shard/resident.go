package shard

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/storage_engine/common"
	tieredstorage "github.com/sushant-115/hybridkv/core/storage_engine/tiered_storage"
	asyncbridge "github.com/sushant-115/hybridkv/core/write_engine/async_bridge"
)

// park queues c behind an outstanding load or flush of its key so that calls
// for one key keep their order.
func (s *Shard) park(c *call) bool {
	if l, ok := s.loads[c.key]; ok {
		l.waiters = append(l.waiters, c)
		return true
	}
	if waiters, ok := s.flushWait[c.key]; ok {
		s.flushWait[c.key] = append(waiters, c)
		return true
	}
	return false
}

// resolve makes the key of c resident, from the buffered generations when
// they are enough and from the engine otherwise.
func (s *Shard) resolve(c *call) {
	need, err := s.reader.Resolve(c.key)
	switch {
	case errors.Is(err, tieredstorage.ErrEntryFlushing):
		s.flushWait[c.key] = append(s.flushWait[c.key], c)
	case err != nil:
		c.finish(err)
	case need:
		l := &load{waiters: []*call{c}}
		s.loads[c.key] = l
		// The drive defers pinned immutable entries, so the engine cannot
		// move under the read.
		s.table.Pin(c.key)
		s.submitLoad(c.key, l)
	default:
		c.finish(c.run())
	}
}

func (s *Shard) submitLoad(key string, l *load) {
	var v *dataset.Value
	task := &asyncbridge.Task{
		Tag: "load:" + key,
		Exec: func() error {
			var err error
			v, err = common.LoadValue(s.engine, key)
			return err
		},
		OnComplete: func(err error) { s.finishLoad(key, l, v, err) },
	}
	err := s.bridge.Submit(task, false)
	switch {
	case err == nil:
		l.submitted = true
		s.metrics.EngineLoad(context.Background())
	case errors.Is(err, asyncbridge.ErrQueueFull):
		s.logger.Debug("Storage queue full, key load deferred", zap.String("key", key))
	default:
		s.finishLoad(key, l, nil, err)
	}
}

// retryLoads resubmits loads that found the queue full.
func (s *Shard) retryLoads() {
	for key, l := range s.loads {
		if !l.submitted {
			s.submitLoad(key, l)
		}
	}
}

func (s *Shard) finishLoad(key string, l *load, v *dataset.Value, err error) {
	s.table.Unpin(key)
	if s.loads[key] == l {
		delete(s.loads, key)
	}
	waiters := l.waiters
	l.waiters = nil
	if len(waiters) == 0 {
		return
	}
	if err == nil {
		_, err = s.reader.Complete(key, v)
	}
	if err != nil {
		s.logger.Error("Failed to load key from engine", zap.String("key", key), zap.Error(err))
		for _, c := range waiters {
			c.finish(err)
		}
		return
	}
	for _, c := range waiters {
		c.finish(c.run())
	}
}

// onBatchDone wakes calls that waited for one of the flushed keys.
func (s *Shard) onBatchDone(keys []string) {
	for _, key := range keys {
		waiters, ok := s.flushWait[key]
		if !ok {
			continue
		}
		delete(s.flushWait, key)
		for _, c := range waiters {
			s.handle(c)
		}
	}
}
