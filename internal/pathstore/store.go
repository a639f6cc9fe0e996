// Package pathstore provides a path-addressable tree store with atomic
// conditional updates and change subscriptions. Two backends exist: Redis
// (optimistic WATCH transactions, pub/sub change signals) and Postgres
// (revision compare-and-swap, poll-driven change signals).
package pathstore

import (
	"context"
	"strings"
	"time"
)

// Value is one JSON document stored at a path. Nested objects decode to
// map[string]any and numbers to float64, so callers should go through the
// typed accessors instead of raw assertions.
type Value map[string]any

func (v Value) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Value) Int(key string) int {
	switch n := v[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func (v Value) Int64(key string) int64 {
	switch n := v[key].(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func (v Value) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// Map returns a nested object, never nil.
func (v Value) Map(key string) Value {
	switch m := v[key].(type) {
	case map[string]any:
		return Value(m)
	case Value:
		return m
	}
	return Value{}
}

// Clone returns a shallow copy with nested maps copied one level deep,
// enough for mutation functions that edit a child object in place.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		if m, ok := val.(map[string]any); ok {
			inner := make(map[string]any, len(m))
			for mk, mv := range m {
				inner[mk] = mv
			}
			out[k] = inner
			continue
		}
		out[k] = val
	}
	return out
}

// Snapshot is a full materialization of a subtree: the document at the path
// itself (if any) and the direct child documents keyed by their last path
// segment. Subscriptions always deliver full snapshots, never deltas.
type Snapshot struct {
	Path     string
	Value    Value
	Children map[string]Value
}

// MutateFunc transforms the current stored value into the next one. It is
// re-invoked with a fresh value on every conflict retry, so it must derive
// all decisions from its argument. Returning commit=false aborts without
// writing.
type MutateFunc func(current Value) (next Value, commit bool)

// CommitResult reports whether a conditional update committed and the value
// the store holds afterwards.
type CommitResult struct {
	Committed bool
	Value     Value
}

// Store is the path-addressable tree store consumed by the mutation core.
type Store interface {
	// Read returns the document at path, or nil when absent.
	Read(ctx context.Context, path string) (Value, error)
	// ReadTree returns the document at path plus its direct children.
	ReadTree(ctx context.Context, path string) (Snapshot, error)
	Write(ctx context.Context, path string, value Value) error
	// Update merges the given fields into the existing document.
	Update(ctx context.Context, path string, partial Value) error
	// Delete removes the document at path and its entire subtree.
	Delete(ctx context.Context, path string) error
	// ConditionalUpdate applies fn atomically: the committed write is
	// guaranteed to be derived from the value that was current at commit
	// time. Conflicts are retried internally with backoff.
	ConditionalUpdate(ctx context.Context, path string, fn MutateFunc) (CommitResult, error)
	// Subscribe opens a snapshot stream for the subtree at path. The first
	// snapshot reflects the state at subscription time; later ones follow
	// each observed change in non-decreasing consistency order.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	// Now returns the store's clock, used for commit-time ordering of
	// appended records regardless of client clock skew.
	Now(ctx context.Context) (time.Time, error)
	Ping(ctx context.Context) error
	Close() error
}

// ParentPath returns the path one segment up, or "" at the root.
func ParentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// ChildKey returns the last segment of a descendant path relative to prefix,
// or "" when path is not a direct child of prefix.
func ChildKey(prefix, path string) string {
	if !strings.HasPrefix(path, prefix+"/") {
		return ""
	}
	rest := path[len(prefix)+1:]
	if rest == "" || strings.ContainsRune(rest, '/') {
		return ""
	}
	return rest
}

// prefixes returns every ancestor path of p including p itself, shortest
// first. Change signals are published to each so subtree subscriptions see
// descendant writes.
func prefixes(p string) []string {
	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for i := 1; i <= len(segments); i++ {
		out = append(out, strings.Join(segments[:i], "/"))
	}
	return out
}
