// Package store defines the flat key-value persistence used by the engine.
// Implementations include PostgreSQL, SQLite, in-memory (for testing) and a
// Redis read-through cache in front of any of them.
//
// Every record lives under a fixed-width opaque Key. Ordered sets of keys
// provide insertion-order enumeration for per-account and global indices.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Key is a fixed-width record identifier.
type Key [16]byte

var keyNamespace = uuid.MustParse("6f1c2b8e-93f4-4a5e-9d62-3b0d3f0a7c11")

// NewKey derives a deterministic key from a record kind and its identifying
// parts. Distinct (kind, parts) tuples map to distinct keys.
func NewKey(kind string, parts ...string) Key {
	name := kind + "\x1f" + strings.Join(parts, "\x1f")
	return Key(uuid.NewSHA1(keyNamespace, []byte(name)))
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// OpKind is the kind of a single write in a Batch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpSetAdd
	OpSetRemove
)

// Op is one write. Put uses Key and Value, Delete uses Key, and the set
// operations use Key as the set and Member as the element.
type Op struct {
	Kind   OpKind
	Key    Key
	Value  []byte
	Member Key
}

// Batch is an ordered list of writes applied atomically.
type Batch []Op

// Store is the persistence interface.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Apply writes every op in order. Either all ops take effect or none do.
	Apply(ctx context.Context, batch Batch) error

	// SetMembers returns members of the set in insertion order starting at
	// offset. A negative limit returns every remaining member.
	SetMembers(ctx context.Context, set Key, offset, limit int) ([]Key, error)

	// SetCount returns the number of members in the set.
	SetCount(ctx context.Context, set Key) (int, error)

	// SetContains reports whether member is in the set.
	SetContains(ctx context.Context, set Key, member Key) (bool, error)
}
