// Package dataset is the in-memory key space served to clients: typed values,
// an expiry index and the replay function that applies one logged operation
// to a value.
package dataset

import (
	"sort"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// Value is a tagged union over the supported kinds. Only the field matching
// Kind is meaningful.
type Value struct {
	Kind oplog.Kind
	Str  []byte
	List [][]byte
	Set  map[string]struct{}
	ZSet map[string]float64
	Hash map[string][]byte
}

func NewScalar(b []byte) *Value {
	return &Value{Kind: oplog.KindScalar, Str: b}
}

func newOfKind(k oplog.Kind) *Value {
	v := &Value{Kind: k}
	switch k {
	case oplog.KindSet:
		v.Set = make(map[string]struct{})
	case oplog.KindSortedSet:
		v.ZSet = make(map[string]float64)
	case oplog.KindHash:
		v.Hash = make(map[string][]byte)
	}
	return v
}

// Empty reports whether the value holds nothing. Empty aggregates do not
// exist as keys.
func (v *Value) Empty() bool {
	if v == nil {
		return true
	}
	switch v.Kind {
	case oplog.KindScalar:
		return false
	case oplog.KindList:
		return len(v.List) == 0
	case oplog.KindSet:
		return len(v.Set) == 0
	case oplog.KindSortedSet:
		return len(v.ZSet) == 0
	case oplog.KindHash:
		return len(v.Hash) == 0
	default:
		return true
	}
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{Kind: v.Kind}
	if v.Str != nil {
		c.Str = append([]byte(nil), v.Str...)
	}
	if v.List != nil {
		c.List = make([][]byte, len(v.List))
		for i, e := range v.List {
			c.List[i] = append([]byte(nil), e...)
		}
	}
	if v.Set != nil {
		c.Set = make(map[string]struct{}, len(v.Set))
		for m := range v.Set {
			c.Set[m] = struct{}{}
		}
	}
	if v.ZSet != nil {
		c.ZSet = make(map[string]float64, len(v.ZSet))
		for m, s := range v.ZSet {
			c.ZSet[m] = s
		}
	}
	if v.Hash != nil {
		c.Hash = make(map[string][]byte, len(v.Hash))
		for f, val := range v.Hash {
			c.Hash[f] = append([]byte(nil), val...)
		}
	}
	return c
}

// Members returns the set members in lexical order.
func (v *Value) Members() []string {
	out := make([]string, 0, len(v.Set))
	for m := range v.Set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ScoredMember is one element of a sorted set.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Ranked returns the sorted set ordered by score, then member.
func (v *Value) Ranked() []ScoredMember {
	out := make([]ScoredMember, 0, len(v.ZSet))
	for m, s := range v.ZSet {
		out = append(out, ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// Fields returns the hash field names in lexical order.
func (v *Value) Fields() []string {
	out := make([]string, 0, len(v.Hash))
	for f := range v.Hash {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
