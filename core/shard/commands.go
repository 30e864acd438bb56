package shard

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

func stringArgs(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

// lookup returns the resident value of key, checking that it has kind.
func (s *Shard) lookup(key string, kind oplog.Kind) (*dataset.Value, error) {
	v, ok := s.data.Get(key)
	if !ok {
		return nil, nil
	}
	if v.Kind != kind {
		return nil, fmt.Errorf("%w: %s requested, key holds %s", dataset.ErrWrongType, kind, v.Kind)
	}
	return v, nil
}

// Set stores value under key and clears any expiry.
func (s *Shard) Set(ctx context.Context, key string, value []byte) error {
	op, err := oplog.NewOperation(oplog.OpSet, value)
	if err != nil {
		return err
	}
	return s.do(ctx, key, true, func() error {
		_, err := s.mutate(key, op, dataset.NoExpiry)
		return err
	})
}

func (s *Shard) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindScalar)
		if err != nil || v == nil {
			return err
		}
		out, found = bytes.Clone(v.Str), true
		return nil
	})
	return out, found, err
}

// Del removes key and reports whether it existed.
func (s *Shard) Del(ctx context.Context, key string) (bool, error) {
	op, _ := oplog.NewOperation(oplog.OpDel)
	var existed bool
	err := s.do(ctx, key, false, func() error {
		if !s.data.Exists(key) {
			return nil
		}
		if _, err := s.mutate(key, op, dataset.NoExpiry); err != nil {
			return err
		}
		existed = true
		return nil
	})
	return existed, err
}

// Append returns the length of the value after the append.
func (s *Shard) Append(ctx context.Context, key string, value []byte) (int, error) {
	op, err := oplog.NewOperation(oplog.OpAppend, value)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.do(ctx, key, false, func() error {
		v, err := s.mutate(key, op, dataset.KeepTTL)
		if err != nil {
			return err
		}
		n = len(v.Str)
		return nil
	})
	return n, err
}

func (s *Shard) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	op, err := oplog.NewOperation(oplog.OpIncrBy, []byte(strconv.FormatInt(delta, 10)))
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.do(ctx, key, false, func() error {
		v, err := s.mutate(key, op, dataset.KeepTTL)
		if err != nil {
			return err
		}
		n, err = strconv.ParseInt(string(v.Str), 10, 64)
		return err
	})
	return n, err
}

func (s *Shard) LPush(ctx context.Context, key string, values ...[]byte) (int, error) {
	return s.push(ctx, oplog.OpLPush, key, values)
}

func (s *Shard) RPush(ctx context.Context, key string, values ...[]byte) (int, error) {
	return s.push(ctx, oplog.OpRPush, key, values)
}

func (s *Shard) push(ctx context.Context, code oplog.OpCode, key string, values [][]byte) (int, error) {
	op, err := oplog.NewOperation(code, values...)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.do(ctx, key, false, func() error {
		v, err := s.mutate(key, op, dataset.KeepTTL)
		if err != nil {
			return err
		}
		n = len(v.List)
		return nil
	})
	return n, err
}

func (s *Shard) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	return s.pop(ctx, oplog.OpLPop, key)
}

func (s *Shard) RPop(ctx context.Context, key string) ([]byte, bool, error) {
	return s.pop(ctx, oplog.OpRPop, key)
}

func (s *Shard) pop(ctx context.Context, code oplog.OpCode, key string) ([]byte, bool, error) {
	op, _ := oplog.NewOperation(code)
	var (
		out   []byte
		found bool
	)
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindList)
		if err != nil || v == nil {
			return err
		}
		if code == oplog.OpLPop {
			out = bytes.Clone(v.List[0])
		} else {
			out = bytes.Clone(v.List[len(v.List)-1])
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		found = true
		return nil
	})
	return out, found, err
}

// LRange returns the elements between start and stop inclusive. Negative
// indexes count from the tail.
func (s *Shard) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	var out [][]byte
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindList)
		if err != nil || v == nil {
			return err
		}
		n := len(v.List)
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		for i := start; i <= stop; i++ {
			out = append(out, bytes.Clone(v.List[i]))
		}
		return nil
	})
	return out, err
}

// SAdd returns the number of members that were not present yet.
func (s *Shard) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	op, err := oplog.NewOperation(oplog.OpSAdd, stringArgs(members)...)
	if err != nil {
		return 0, err
	}
	var added int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSet)
		if err != nil {
			return err
		}
		n := 0
		for _, m := range dedup(members) {
			if v == nil {
				n++
			} else if _, ok := v.Set[m]; !ok {
				n++
			}
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		added = n
		return nil
	})
	return added, err
}

// SRem returns the number of members that were removed.
func (s *Shard) SRem(ctx context.Context, key string, members ...string) (int, error) {
	op, err := oplog.NewOperation(oplog.OpSRem, stringArgs(members)...)
	if err != nil {
		return 0, err
	}
	var removed int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSet)
		if err != nil || v == nil {
			return err
		}
		n := 0
		for _, m := range dedup(members) {
			if _, ok := v.Set[m]; ok {
				n++
			}
		}
		if n == 0 {
			return nil
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

func (s *Shard) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSet)
		if err != nil || v == nil {
			return err
		}
		out = v.Members()
		return nil
	})
	return out, err
}

// ZAdd returns the number of members that were not present yet.
func (s *Shard) ZAdd(ctx context.Context, key string, members ...dataset.ScoredMember) (int, error) {
	args := make([][]byte, 0, 2*len(members))
	for _, m := range members {
		args = append(args, []byte(strconv.FormatFloat(m.Score, 'g', -1, 64)), []byte(m.Member))
	}
	op, err := oplog.NewOperation(oplog.OpZAdd, args...)
	if err != nil {
		return 0, err
	}
	var added int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSortedSet)
		if err != nil {
			return err
		}
		names := make([]string, len(members))
		for i, m := range members {
			names[i] = m.Member
		}
		n := 0
		for _, m := range dedup(names) {
			if v == nil {
				n++
			} else if _, ok := v.ZSet[m]; !ok {
				n++
			}
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		added = n
		return nil
	})
	return added, err
}

func (s *Shard) ZRem(ctx context.Context, key string, members ...string) (int, error) {
	op, err := oplog.NewOperation(oplog.OpZRem, stringArgs(members)...)
	if err != nil {
		return 0, err
	}
	var removed int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSortedSet)
		if err != nil || v == nil {
			return err
		}
		n := 0
		for _, m := range dedup(members) {
			if _, ok := v.ZSet[m]; ok {
				n++
			}
		}
		if n == 0 {
			return nil
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

// ZRange returns the members ordered by score.
func (s *Shard) ZRange(ctx context.Context, key string) ([]dataset.ScoredMember, error) {
	var out []dataset.ScoredMember
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindSortedSet)
		if err != nil || v == nil {
			return err
		}
		out = v.Ranked()
		return nil
	})
	return out, err
}

// HSet returns the number of fields that were not present yet.
func (s *Shard) HSet(ctx context.Context, key string, fields map[string][]byte) (int, error) {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	args := make([][]byte, 0, 2*len(names))
	for _, f := range names {
		args = append(args, []byte(f), fields[f])
	}
	op, err := oplog.NewOperation(oplog.OpHSet, args...)
	if err != nil {
		return 0, err
	}
	var added int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindHash)
		if err != nil {
			return err
		}
		n := 0
		for _, f := range names {
			if v == nil {
				n++
			} else if _, ok := v.Hash[f]; !ok {
				n++
			}
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		added = n
		return nil
	})
	return added, err
}

func (s *Shard) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	op, err := oplog.NewOperation(oplog.OpHDel, stringArgs(fields)...)
	if err != nil {
		return 0, err
	}
	var removed int
	err = s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindHash)
		if err != nil || v == nil {
			return err
		}
		n := 0
		for _, f := range dedup(fields) {
			if _, ok := v.Hash[f]; ok {
				n++
			}
		}
		if n == 0 {
			return nil
		}
		if _, err := s.mutate(key, op, dataset.KeepTTL); err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

func (s *Shard) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindHash)
		if err != nil || v == nil {
			return err
		}
		val, ok := v.Hash[field]
		if ok {
			out, found = bytes.Clone(val), true
		}
		return nil
	})
	return out, found, err
}

func (s *Shard) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.do(ctx, key, false, func() error {
		v, err := s.lookup(key, oplog.KindHash)
		if err != nil || v == nil {
			return err
		}
		for f, val := range v.Hash {
			out[f] = bytes.Clone(val)
		}
		return nil
	})
	return out, err
}

func (s *Shard) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.do(ctx, key, false, func() error {
		ok = s.data.Exists(key)
		return nil
	})
	return ok, err
}

// Type returns the kind of value stored at key, KindNone when absent.
func (s *Shard) Type(ctx context.Context, key string) (oplog.Kind, error) {
	kind := oplog.KindNone
	err := s.do(ctx, key, false, func() error {
		if v, ok := s.data.Get(key); ok {
			kind = v.Kind
		}
		return nil
	})
	return kind, err
}

// Expire sets a time to live on an existing key. Deadlines live in memory
// only; a restart forgets them.
func (s *Shard) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, key, false, func() error {
		ok = s.data.Expire(key, time.Now().Add(ttl).UnixMilli())
		return nil
	})
	return ok, err
}

// TTL returns the remaining time to live of key and whether it has one.
func (s *Shard) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var (
		ttl time.Duration
		has bool
	)
	err := s.do(ctx, key, false, func() error {
		at, ok := s.data.ExpireAt(key)
		if !ok {
			return nil
		}
		ttl, has = time.Until(time.UnixMilli(at)), true
		return nil
	})
	return ttl, has, err
}

func dedup(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
