package dataset

import "sort"

// Expiry arguments for Put.
const (
	KeepTTL  int64 = -1
	NoExpiry int64 = 0
)

// Dataset is the resident key space. It is owned by the shard dispatcher and
// is not safe for concurrent use.
type Dataset struct {
	items   map[string]*Value
	expires map[string]int64 // unix millis
}

func New() *Dataset {
	return &Dataset{
		items:   make(map[string]*Value),
		expires: make(map[string]int64),
	}
}

func (d *Dataset) Get(key string) (*Value, bool) {
	v, ok := d.items[key]
	return v, ok
}

// Put stores v under key. expireAt is a unix-millis deadline, NoExpiry to
// clear any deadline or KeepTTL to leave it as is. A nil or empty value
// deletes the key.
func (d *Dataset) Put(key string, v *Value, expireAt int64) {
	if v.Empty() {
		d.Delete(key)
		return
	}
	d.items[key] = v
	switch {
	case expireAt == KeepTTL:
	case expireAt <= NoExpiry:
		delete(d.expires, key)
	default:
		d.expires[key] = expireAt
	}
}

// Delete removes key and reports whether it was resident.
func (d *Dataset) Delete(key string) bool {
	_, ok := d.items[key]
	delete(d.items, key)
	delete(d.expires, key)
	return ok
}

func (d *Dataset) Exists(key string) bool {
	_, ok := d.items[key]
	return ok
}

// Expire sets the deadline of a resident key.
func (d *Dataset) Expire(key string, at int64) bool {
	if _, ok := d.items[key]; !ok {
		return false
	}
	d.expires[key] = at
	return true
}

// ExpireAt returns the deadline of key, if it has one.
func (d *Dataset) ExpireAt(key string) (int64, bool) {
	at, ok := d.expires[key]
	return at, ok
}

// Due returns up to limit keys whose deadline is at or before now, earliest
// first. A non-positive limit returns all of them.
func (d *Dataset) Due(now int64, limit int) []string {
	var due []string
	for k, at := range d.expires {
		if at <= now {
			due = append(due, k)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return d.expires[due[i]] < d.expires[due[j]]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (d *Dataset) Len() int { return len(d.items) }

// Keys returns the resident keys in lexical order.
func (d *Dataset) Keys() []string {
	out := make([]string, 0, len(d.items))
	for k := range d.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
