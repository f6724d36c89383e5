// Package resolver implements keyvalue.Resolver over a fixed set of
// configured bucket identifiers, with optional per-principal grants.
package resolver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"bucketd/internal/keyvalue"
	"bucketd/internal/logging"

	"golang.org/x/crypto/bcrypt"
)

var log = logging.For("resolver")

// Wildcard grants access to every identifier.
const Wildcard = "*"

// Factory creates the Bucket for identifier. It is called at most once per
// identifier; the result is cached for the lifetime of the Registry.
type Factory func(identifier string) (keyvalue.Bucket, error)

// Registry maps identifiers to Buckets. It is safe for concurrent use.
//
// Access control is enabled as soon as one grant exists. A caller without a
// grant for an identifier gets ErrAccessDenied whether or not the identifier
// is registered; only an entitled caller can observe ErrNoSuchStore.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	open      map[string]keyvalue.Bucket
	grants    map[string]map[string]struct{}
	tokens    map[string]string
	hashes    []tokenHash
	verified  map[[sha256.Size]byte]string
	closers   []io.Closer
}

// tokenHash is a bcrypt hash of a bearer token and the principal it names.
type tokenHash struct {
	hash      []byte
	principal string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		open:      make(map[string]keyvalue.Bucket),
		grants:    make(map[string]map[string]struct{}),
		tokens:    make(map[string]string),
		verified:  make(map[[sha256.Size]byte]string),
	}
}

// Register makes identifier resolvable. Registering the same identifier
// twice replaces the factory for handles not yet opened.
func (r *Registry) Register(identifier string, f Factory) {
	if f == nil {
		panic("resolver: Register called with nil factory for " + identifier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[identifier] = f
}

// Grant entitles principal to identifiers. The empty principal is the
// anonymous caller.
func (r *Registry) Grant(principal string, identifiers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.grants[principal]
	if !ok {
		set = make(map[string]struct{})
		r.grants[principal] = set
	}
	for _, id := range identifiers {
		set[id] = struct{}{}
	}
}

// AddToken binds a bearer token to a principal name.
func (r *Registry) AddToken(token, principal string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = principal
}

// AddTokenHash binds the token whose bcrypt hash is hash to a principal.
func (r *Registry) AddTokenHash(hash, principal string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("token hash for %q: %w", principal, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = append(r.hashes, tokenHash{hash: []byte(hash), principal: principal})
	return nil
}

// Authenticate returns the principal bound to token. Plain tokens are
// compared in constant time; hashed ones are checked with bcrypt and the
// result is remembered for later requests.
func (r *Registry) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))

	r.mu.Lock()
	for t, principal := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			r.mu.Unlock()
			return principal, true
		}
	}
	if principal, ok := r.verified[sum]; ok {
		r.mu.Unlock()
		return principal, true
	}
	hashes := r.hashes
	r.mu.Unlock()

	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword(h.hash, []byte(token)) == nil {
			r.mu.Lock()
			r.verified[sum] = h.principal
			r.mu.Unlock()
			return h.principal, true
		}
	}
	return "", false
}

// OnClose registers a backend resource released by Close.
func (r *Registry) OnClose(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Open resolves identifier for the caller carried in ctx.
func (r *Registry) Open(ctx context.Context, identifier string) (keyvalue.Bucket, error) {
	caller := keyvalue.CallerFrom(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.entitled(caller, identifier) {
		log.Debug("access denied", "caller", caller, "bucket", identifier)
		return nil, keyvalue.ErrAccessDenied
	}
	if b, ok := r.open[identifier]; ok {
		return b, nil
	}
	f, ok := r.factories[identifier]
	if !ok {
		return nil, keyvalue.ErrNoSuchStore
	}
	b, err := f(identifier)
	if err != nil {
		return nil, keyvalue.AsError(err)
	}
	r.open[identifier] = b
	return b, nil
}

func (r *Registry) entitled(caller, identifier string) bool {
	if len(r.grants) == 0 {
		return true
	}
	set, ok := r.grants[caller]
	if !ok {
		return false
	}
	if _, ok := set[Wildcard]; ok {
		return true
	}
	_, ok = set[identifier]
	return ok
}

// Close releases every registered backend resource.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
