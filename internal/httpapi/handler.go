// Package httpapi binds inbound HTTP requests to bucket operations.
//
// Every request goes through the same three steps: it is received (request
// id, caller and rate limit are settled), processed (exactly one bucket is
// opened and at most one operation runs), and completed (the Result is
// written by Emit). Bucket errors never escape as faults; each one becomes
// a response whose status is chosen by the StatusPolicy.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bucketd/internal/keyvalue"
	"bucketd/internal/logging"

	"github.com/google/uuid"
)

var log = logging.For("http")

// DefaultIdentifier is the path segment that names the default (empty)
// bucket identifier.
const DefaultIdentifier = "_"

// Authenticator resolves a bearer token to a principal name.
type Authenticator interface {
	Authenticate(token string) (principal string, ok bool)
}

// Options configures a Handler. Resolver is required.
type Options struct {
	Resolver      keyvalue.Resolver
	Auth          Authenticator
	Policy        StatusPolicy
	Greeting      string
	MaxValueBytes int64
	Limiter       *RateLimiter
}

// Handler is the http.Handler serving the bucket API.
type Handler struct {
	opts Options
	mux  *http.ServeMux
}

type route func(r *http.Request, reqlog *slog.Logger) Result

// New builds a Handler.
func New(opts Options) *Handler {
	if opts.Resolver == nil {
		panic("httpapi: New called without a Resolver")
	}
	if opts.Greeting == "" {
		opts.Greeting = "Hello, keyvalue world!"
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 1 << 20
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}

	h.handle("GET /{$}", h.hello)
	h.handle("GET /buckets/{bucket}/keys", h.listKeys)
	h.handle("GET /buckets/{bucket}/keys/{key...}", h.get)
	h.handle("HEAD /buckets/{bucket}/keys/{key...}", h.exists)
	h.handle("PUT /buckets/{bucket}/keys/{key...}", h.set)
	h.handle("DELETE /buckets/{bucket}/keys/{key...}", h.delete)
	return h
}

func (h *Handler) handle(pattern string, fn route) {
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if tw, ok := w.(*trackingWriter); ok {
			tw.routed = true
		}
		reqlog := log.With("request_id", w.Header().Get("X-Request-Id"))
		res := fn(r, reqlog)
		h.complete(w, r, reqlog, res)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)

	caller := h.caller(r)
	if h.opts.Limiter != nil {
		key := caller
		if key == "" {
			key = "anon@" + remoteHost(r)
		}
		if allowed, wait := h.opts.Limiter.Allow(key); !allowed {
			reqlog := log.With("request_id", id)
			h.complete(w, r, reqlog, Result{
				Status: http.StatusTooManyRequests,
				Body:   "rate limit exceeded",
				Header: http.Header{"Retry-After": {retryAfter(wait)}},
			})
			return
		}
	}

	ctx := keyvalue.WithCaller(r.Context(), caller)
	tw := &trackingWriter{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(tw, r.WithContext(ctx))
	if !tw.routed {
		// The mux answered on its own: 404, 405 or a path-cleaning redirect.
		log.Info("request", "request_id", id, "method", r.Method, "path", r.URL.Path, "status", tw.status)
	}
}

// trackingWriter records the status of responses the mux writes itself
// and whether a route took over the request.
type trackingWriter struct {
	http.ResponseWriter
	status int
	routed bool
}

func (w *trackingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, reqlog *slog.Logger, res Result) {
	if err := Emit(w, r.Method, res); err != nil {
		reqlog.Warn("writing response", "err", err)
	}
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", res.Status}
	if res.Err != nil {
		attrs = append(attrs, "kind", keyvalue.KindOf(res.Err).String(), "err", res.Err)
		reqlog.Warn("request failed", attrs...)
		return
	}
	reqlog.Info("request", attrs...)
}

// caller returns the principal for the request's bearer token, or "" for
// anonymous callers and unrecognized tokens.
func (h *Handler) caller(r *http.Request) string {
	if h.opts.Auth == nil {
		return ""
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return ""
	}
	principal, ok := h.opts.Auth.Authenticate(token)
	if !ok {
		return ""
	}
	return principal
}

func (h *Handler) fail(err error) Result {
	kvErr := keyvalue.AsError(err)
	return Result{
		Status: h.opts.Policy.Status(kvErr.Kind),
		Body:   kvErr.Error(),
		Err:    kvErr,
	}
}

func (h *Handler) open(r *http.Request, identifier string) (keyvalue.Bucket, error) {
	return h.opts.Resolver.Open(r.Context(), identifier)
}

func bucketParam(r *http.Request) string {
	id := r.PathValue("bucket")
	if id == DefaultIdentifier {
		return ""
	}
	return id
}

func ok(body string) Result {
	return Result{Status: http.StatusOK, Body: body}
}

func badRequest(body string) Result {
	return Result{Status: http.StatusBadRequest, Body: body}
}

// hello opens the bucket named by ?bucket= (default store when absent)
// and reports success without touching its contents.
func (h *Handler) hello(r *http.Request, reqlog *slog.Logger) Result {
	identifier := r.URL.Query().Get("bucket")
	reqlog.Debug("opening keyvalue store", "bucket", identifier)
	if _, err := h.open(r, identifier); err != nil {
		return h.fail(err)
	}
	reqlog.Debug("keyvalue store opened", "bucket", identifier)
	return ok(h.opts.Greeting)
}

func (h *Handler) listKeys(r *http.Request, _ *slog.Logger) Result {
	b, err := h.open(r, bucketParam(r))
	if err != nil {
		return h.fail(err)
	}
	resp, err := b.ListKeys(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		return h.fail(err)
	}
	if resp.Keys == nil {
		resp.Keys = []string{}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return h.fail(keyvalue.Otherf("encoding key response: %v", err))
	}
	return Result{Status: http.StatusOK, Body: string(data), ContentType: contentTypeJSON}
}

func (h *Handler) get(r *http.Request, _ *slog.Logger) Result {
	key := r.PathValue("key")
	if key == "" {
		return badRequest("key required")
	}
	b, err := h.open(r, bucketParam(r))
	if err != nil {
		return h.fail(err)
	}
	val, found, err := b.Get(r.Context(), key)
	if err != nil {
		return h.fail(err)
	}
	if !found {
		return Result{Status: http.StatusNotFound, Body: "key not found"}
	}
	return Result{Status: http.StatusOK, Body: string(val), ContentType: contentTypeBinary}
}

func (h *Handler) exists(r *http.Request, _ *slog.Logger) Result {
	key := r.PathValue("key")
	if key == "" {
		return badRequest("key required")
	}
	b, err := h.open(r, bucketParam(r))
	if err != nil {
		return h.fail(err)
	}
	found, err := b.Exists(r.Context(), key)
	if err != nil {
		return h.fail(err)
	}
	if !found {
		return Result{Status: http.StatusNotFound}
	}
	return Result{Status: http.StatusOK}
}

func (h *Handler) set(r *http.Request, _ *slog.Logger) Result {
	key := r.PathValue("key")
	if key == "" {
		return badRequest("key required")
	}
	b, err := h.open(r, bucketParam(r))
	if err != nil {
		return h.fail(err)
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxValueBytes+1))
	if err != nil {
		return badRequest("reading request body: " + err.Error())
	}
	if int64(len(value)) > h.opts.MaxValueBytes {
		return Result{Status: http.StatusRequestEntityTooLarge, Body: "value exceeds max_value_bytes"}
	}
	if err := b.Set(r.Context(), key, value); err != nil {
		return h.fail(err)
	}
	return ok("ok")
}

func (h *Handler) delete(r *http.Request, _ *slog.Logger) Result {
	key := r.PathValue("key")
	if key == "" {
		return badRequest("key required")
	}
	b, err := h.open(r, bucketParam(r))
	if err != nil {
		return h.fail(err)
	}
	if err := b.Delete(r.Context(), key); err != nil {
		return h.fail(err)
	}
	return ok("ok")
}

// retryAfter renders wait as whole seconds, rounded up and at least one.
func retryAfter(wait time.Duration) string {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

