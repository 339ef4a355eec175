package store

import (
	"context"
	"fmt"
)

// Tx buffers writes over a Store. Reads see the buffered writes; nothing
// reaches the underlying store until Commit. Dropping a Tx discards it.
type Tx struct {
	base    Store
	ops     Batch
	values  map[Key][]byte // nil value marks a delete
	added   map[Key][]Key
	removed map[Key]map[Key]bool
	done    bool
}

// Begin opens a write overlay on s.
func Begin(s Store) *Tx {
	return &Tx{
		base:    s,
		values:  make(map[Key][]byte),
		added:   make(map[Key][]Key),
		removed: make(map[Key]map[Key]bool),
	}
}

func (t *Tx) Get(ctx context.Context, key Key) ([]byte, error) {
	if v, ok := t.values[key]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return t.base.Get(ctx, key)
}

func (t *Tx) Put(key Key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	t.values[key] = v
	t.ops = append(t.ops, Op{Kind: OpPut, Key: key, Value: v})
}

func (t *Tx) Delete(key Key) {
	t.values[key] = nil
	t.ops = append(t.ops, Op{Kind: OpDelete, Key: key})
}

func (t *Tx) SetAdd(set, member Key) {
	if rm := t.removed[set]; rm[member] {
		delete(rm, member)
	}
	t.added[set] = append(t.added[set], member)
	t.ops = append(t.ops, Op{Kind: OpSetAdd, Key: set, Member: member})
}

func (t *Tx) SetRemove(set, member Key) {
	if list := t.added[set]; len(list) > 0 {
		out := list[:0]
		for _, m := range list {
			if m != member {
				out = append(out, m)
			}
		}
		t.added[set] = out
	}
	if t.removed[set] == nil {
		t.removed[set] = make(map[Key]bool)
	}
	t.removed[set][member] = true
	t.ops = append(t.ops, Op{Kind: OpSetRemove, Key: set, Member: member})
}

// SetMembers returns the merged view of the set: committed members not
// removed in this overlay, followed by members added in it.
func (t *Tx) SetMembers(ctx context.Context, set Key) ([]Key, error) {
	base, err := t.base.SetMembers(ctx, set, 0, -1)
	if err != nil {
		return nil, err
	}
	rm := t.removed[set]
	seen := make(map[Key]bool, len(base))
	out := make([]Key, 0, len(base))
	for _, m := range base {
		if rm[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	for _, m := range t.added[set] {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// Len reports the number of buffered writes.
func (t *Tx) Len() int { return len(t.ops) }

// Commit applies all buffered writes atomically. A Tx can be committed once.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("store: transaction already committed")
	}
	t.done = true
	if len(t.ops) == 0 {
		return nil
	}
	if err := t.base.Apply(ctx, t.ops); err != nil {
		return fmt.Errorf("store: commit %d ops: %w", len(t.ops), err)
	}
	return nil
}
