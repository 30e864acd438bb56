package oplog

// KeyOpLog maps keys to their pending entries and remembers creation order so
// that a checkpoint can walk it with a resumable integer cursor.
type KeyOpLog struct {
	entries map[string]*Entry
	order   []string
}

func NewKeyOpLog() *KeyOpLog {
	return &KeyOpLog{entries: make(map[string]*Entry)}
}

func (l *KeyOpLog) Get(key string) (*Entry, bool) {
	e, ok := l.entries[key]
	return e, ok
}

func (l *KeyOpLog) getOrCreate(key string) *Entry {
	if e, ok := l.entries[key]; ok {
		return e
	}
	e := newEntry(key)
	l.entries[key] = e
	l.order = append(l.order, key)
	return e
}

// Len is the number of entries ever created in this log, retired ones included.
func (l *KeyOpLog) Len() int { return len(l.order) }

// At returns the entry at cursor position i.
func (l *KeyOpLog) At(i int) *Entry {
	return l.entries[l.order[i]]
}

// Live counts entries that have not been retired or given up.
func (l *KeyOpLog) Live() int {
	n := 0
	for _, e := range l.entries {
		if e.Live() {
			n++
		}
	}
	return n
}

// OpCount sums the surviving operations over live entries.
func (l *KeyOpLog) OpCount() int {
	n := 0
	for _, e := range l.entries {
		if e.Live() {
			n += len(e.ops)
		}
	}
	return n
}

// Range calls fn for every entry in creation order until fn returns false.
func (l *KeyOpLog) Range(fn func(e *Entry) bool) {
	for _, k := range l.order {
		if !fn(l.entries[k]) {
			return
		}
	}
}
