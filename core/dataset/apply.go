package dataset

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sushant-115/hybridkv/core/write_engine/oplog"
)

// Apply replays op on v and returns the resulting value, nil when the key no
// longer exists. v may be modified in place; on error it is left untouched.
func Apply(v *Value, op oplog.Operation) (*Value, error) {
	if err := Check(v, op); err != nil {
		return nil, err
	}
	switch op.Code {
	case oplog.OpSet:
		return NewScalar(append([]byte(nil), op.Args[0]...)), nil
	case oplog.OpDel:
		return nil, nil
	}

	if v == nil {
		v = newOfKind(op.Code.Kind())
	}
	switch op.Code {
	case oplog.OpAppend:
		v.Str = append(v.Str, op.Args[0]...)
	case oplog.OpIncrBy:
		n, _ := parseInt(v.Str)
		delta, _ := strconv.ParseInt(string(op.Args[0]), 10, 64)
		v.Str = []byte(strconv.FormatInt(n+delta, 10))
	case oplog.OpLPush:
		for _, a := range op.Args {
			v.List = append([][]byte{append([]byte(nil), a...)}, v.List...)
		}
	case oplog.OpRPush:
		for _, a := range op.Args {
			v.List = append(v.List, append([]byte(nil), a...))
		}
	case oplog.OpLPop:
		if len(v.List) > 0 {
			v.List = v.List[1:]
		}
	case oplog.OpRPop:
		if len(v.List) > 0 {
			v.List = v.List[:len(v.List)-1]
		}
	case oplog.OpSAdd:
		for _, a := range op.Args {
			v.Set[string(a)] = struct{}{}
		}
	case oplog.OpSRem:
		for _, a := range op.Args {
			delete(v.Set, string(a))
		}
	case oplog.OpZAdd:
		for i := 0; i < len(op.Args); i += 2 {
			score, _ := strconv.ParseFloat(string(op.Args[i]), 64)
			v.ZSet[string(op.Args[i+1])] = score
		}
	case oplog.OpZRem:
		for _, a := range op.Args {
			delete(v.ZSet, string(a))
		}
	case oplog.OpHSet:
		for i := 0; i < len(op.Args); i += 2 {
			v.Hash[string(op.Args[i])] = append([]byte(nil), op.Args[i+1]...)
		}
	case oplog.OpHDel:
		for _, a := range op.Args {
			delete(v.Hash, string(a))
		}
	}
	if v.Empty() {
		return nil, nil
	}
	return v, nil
}

// Check reports whether op can be applied to v without applying it.
func Check(v *Value, op oplog.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Code.IsEntirety() {
		return nil
	}
	if v != nil && v.Kind != op.Code.Kind() {
		return fmt.Errorf("%w: %s on %s", ErrWrongType, op.Code, v.Kind)
	}
	switch op.Code {
	case oplog.OpIncrBy:
		var cur []byte
		if v != nil {
			cur = v.Str
		}
		n, err := parseInt(cur)
		if err != nil {
			return err
		}
		delta, _ := strconv.ParseInt(string(op.Args[0]), 10, 64)
		if (delta > 0 && n > math.MaxInt64-delta) || (delta < 0 && n < math.MinInt64-delta) {
			return fmt.Errorf("%w: increment would overflow", ErrNotInteger)
		}
	case oplog.OpZAdd:
		for i := 0; i < len(op.Args); i += 2 {
			f, err := strconv.ParseFloat(string(op.Args[i]), 64)
			if err != nil || math.IsNaN(f) {
				return fmt.Errorf("%w: %q", ErrNotFloat, op.Args[i])
			}
		}
	}
	return nil
}

// Replay applies ops to v in order.
func Replay(v *Value, ops []oplog.Operation) (*Value, error) {
	var err error
	for _, op := range ops {
		if v, err = Apply(v, op); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotInteger, b)
	}
	return n, nil
}
