// Package keyvalue defines the bucket contract shared by every storage
// backend: a Resolver hands out Buckets by identifier, and every Bucket
// operation reports failures as a *Error of a known Kind.
package keyvalue

import "context"

// DefaultPageSize bounds ListKeys pages when a backend is not configured
// with an explicit size.
const DefaultPageSize = 100

// Bucket is a named key-value store. Implementations must be safe for
// concurrent use; each operation is atomic with respect to a single key.
type Bucket interface {
	// Get returns the value stored under key. ok is false when the key
	// is absent, which is not an error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// ListKeys returns one page of keys. Pass "" to start and the
	// returned Cursor to continue; an empty Cursor means no more pages.
	// Pages are not a consistent snapshot under concurrent writes.
	ListKeys(ctx context.Context, cursor string) (KeyResponse, error)
}

// Resolver maps a bucket identifier to a Bucket. The empty identifier
// names the default store. Opening the same identifier twice yields
// handles over the same data.
type Resolver interface {
	Open(ctx context.Context, identifier string) (Bucket, error)
}

// KeyResponse is one page of a ListKeys enumeration.
type KeyResponse struct {
	Keys   []string `json:"keys"`
	Cursor string   `json:"cursor,omitempty"`
}

// Done reports whether this was the last page.
func (r KeyResponse) Done() bool {
	return r.Cursor == ""
}

type callerKey struct{}

// WithCaller returns a context carrying the authenticated principal name.
// An empty name is the anonymous caller.
func WithCaller(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, callerKey{}, principal)
}

// CallerFrom returns the principal stored by WithCaller, or "".
func CallerFrom(ctx context.Context) string {
	p, _ := ctx.Value(callerKey{}).(string)
	return p
}

// PageSize returns n, or DefaultPageSize when n is not positive.
func PageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}
