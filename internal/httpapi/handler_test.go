package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bucketd/internal/keyvalue"
	"bucketd/internal/keyvalue/memory"
	"bucketd/internal/keyvalue/resolver"
	"bucketd/internal/logging"
)

const testGreeting = "Hello, keyvalue world!"

func newRegistry(pageSize int) *resolver.Registry {
	r := resolver.New()
	factory := func(string) (keyvalue.Bucket, error) { return memory.New(pageSize), nil }
	r.Register("", factory)
	r.Register("named", factory)
	return r
}

func newTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.Resolver == nil {
		opts.Resolver = newRegistry(0)
	}
	return New(opts)
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHelloDefaultBucket(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := do(t, h, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.String() != testGreeting {
		t.Fatalf("body: got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != contentTypeText {
		t.Errorf("content type: got %q", ct)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}

func TestHelloUnknownBucketCollapsed(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := do(t, h, "GET", "/?bucket=my-state", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no-such-store") {
		t.Fatalf("body should name the error: %q", rec.Body.String())
	}
}

func TestHelloUnknownBucketTyped(t *testing.T) {
	h := newTestHandler(t, Options{Policy: Typed})
	rec := do(t, h, "GET", "/?bucket=my-state", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestCustomGreeting(t *testing.T) {
	h := newTestHandler(t, Options{Greeting: "hi"})
	if rec := do(t, h, "GET", "/", ""); rec.Body.String() != "hi" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestKeyLifecycle(t *testing.T) {
	h := newTestHandler(t, Options{})

	if rec := do(t, h, "HEAD", "/buckets/named/keys/greeting", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("HEAD before set: got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/buckets/named/keys/greeting", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET before set: got %d", rec.Code)
	}

	if rec := do(t, h, "PUT", "/buckets/named/keys/greeting", "hello"); rec.Code != http.StatusOK {
		t.Fatalf("PUT: got %d %q", rec.Code, rec.Body.String())
	}

	rec := do(t, h, "GET", "/buckets/named/keys/greeting", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("GET: got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != contentTypeBinary {
		t.Errorf("GET content type: got %q", ct)
	}

	rec = do(t, h, "HEAD", "/buckets/named/keys/greeting", "")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("HEAD after set: got %d body=%q", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, "DELETE", "/buckets/named/keys/greeting", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE: got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/buckets/named/keys/greeting", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE of missing key should succeed, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/buckets/named/keys/greeting", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete: got %d", rec.Code)
	}
}

func TestDefaultIdentifierSegment(t *testing.T) {
	reg := newRegistry(0)
	h := newTestHandler(t, Options{Resolver: reg})

	if rec := do(t, h, "PUT", "/buckets/_/keys/a/b", "nested"); rec.Code != http.StatusOK {
		t.Fatalf("PUT: got %d", rec.Code)
	}
	b, err := reg.Open(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := b.Get(context.Background(), "a/b")
	if err != nil || !ok || string(got) != "nested" {
		t.Fatalf("value not in default bucket: %q ok=%v err=%v", got, ok, err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	h := newTestHandler(t, Options{})
	if rec := do(t, h, "PUT", "/buckets/named/keys/", "v"); rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestValueTooLarge(t *testing.T) {
	h := newTestHandler(t, Options{MaxValueBytes: 4})
	if rec := do(t, h, "PUT", "/buckets/named/keys/k", "12345"); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d, want 413", rec.Code)
	}
	if rec := do(t, h, "PUT", "/buckets/named/keys/k", "1234"); rec.Code != http.StatusOK {
		t.Fatalf("value at the limit: got %d", rec.Code)
	}
}

func TestUnknownBucketOnKeyRoutes(t *testing.T) {
	tests := []struct {
		policy StatusPolicy
		want   int
	}{
		{Collapsed, http.StatusInternalServerError},
		{Typed, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			h := newTestHandler(t, Options{Policy: tt.policy})
			for _, method := range []string{"GET", "PUT", "DELETE"} {
				rec := do(t, h, method, "/buckets/ghost/keys/k", "v")
				if rec.Code != tt.want {
					t.Errorf("%s: got %d, want %d", method, rec.Code, tt.want)
				}
				if !strings.Contains(rec.Body.String(), "no-such-store") {
					t.Errorf("%s: body %q", method, rec.Body.String())
				}
			}
			if rec := do(t, h, "GET", "/buckets/ghost/keys", ""); rec.Code != tt.want {
				t.Errorf("list: got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListKeysPagination(t *testing.T) {
	h := newTestHandler(t, Options{Resolver: newRegistry(2)})
	for i := 0; i < 5; i++ {
		if rec := do(t, h, "PUT", fmt.Sprintf("/buckets/named/keys/k%d", i), "v"); rec.Code != http.StatusOK {
			t.Fatalf("PUT k%d: %d", i, rec.Code)
		}
	}

	var all []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		target := "/buckets/named/keys"
		if cursor != "" {
			target += "?cursor=" + cursor
		}
		rec := do(t, h, "GET", target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("list: %d %q", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != contentTypeJSON {
			t.Errorf("list content type: %q", ct)
		}
		var resp keyvalue.KeyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		all = append(all, resp.Keys...)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	if strings.Join(all, ",") != "k0,k1,k2,k3,k4" {
		t.Fatalf("keys: got %v", all)
	}
}

func TestListKeysEmptyBody(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := do(t, h, "GET", "/buckets/_/keys", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Body.String() != `{"keys":[]}` {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestListKeysBadCursor(t *testing.T) {
	h := newTestHandler(t, Options{Policy: Typed})
	rec := do(t, h, "GET", "/buckets/_/keys?cursor=garbage!", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid cursor") {
		t.Fatalf("body: %q", rec.Body.String())
	}
}

func TestAccessControl(t *testing.T) {
	reg := newRegistry(0)
	reg.AddToken("tok-alice", "alice")
	reg.Grant("alice", "named")

	tests := []struct {
		name   string
		policy StatusPolicy
		header []string
		target string
		want   int
	}{
		{"anonymous collapsed", Collapsed, nil, "/buckets/named/keys/k", http.StatusInternalServerError},
		{"anonymous typed", Typed, nil, "/buckets/named/keys/k", http.StatusForbidden},
		{"anonymous on missing bucket", Typed, nil, "/buckets/ghost/keys/k", http.StatusForbidden},
		{"bad token", Typed, []string{"Authorization", "Bearer nope"}, "/buckets/named/keys/k", http.StatusForbidden},
		{"alice", Typed, []string{"Authorization", "Bearer tok-alice"}, "/buckets/named/keys/k", http.StatusNotFound},
		{"alice on default", Typed, []string{"Authorization", "Bearer tok-alice"}, "/buckets/_/keys/k", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Options{Resolver: reg, Auth: reg, Policy: tt.policy})
			rec := do(t, h, "GET", tt.target, "", tt.header...)
			if rec.Code != tt.want {
				t.Fatalf("got %d %q, want %d", rec.Code, rec.Body.String(), tt.want)
			}
			if tt.want == http.StatusForbidden && !strings.Contains(rec.Body.String(), "access-denied") {
				t.Errorf("body: %q", rec.Body.String())
			}
		})
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestHandler(t, Options{Limiter: NewRateLimiter(1, 0)}) // burst 2
	for i := 0; i < 2; i++ {
		if rec := do(t, h, "GET", "/", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := do(t, h, "GET", "/", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After: got %q, want 1", got)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want string
	}{
		{0, "1"},
		{200 * time.Millisecond, "1"},
		{time.Second, "1"},
		{2500 * time.Millisecond, "3"},
		{time.Minute, "60"},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.wait); got != tt.want {
			t.Errorf("retryAfter(%v): got %q, want %q", tt.wait, got, tt.want)
		}
	}
}

func TestConcurrentPuts(t *testing.T) {
	reg := newRegistry(0)
	h := newTestHandler(t, Options{Resolver: reg})
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := do(t, h, "PUT", fmt.Sprintf("/buckets/named/keys/k%d", i), fmt.Sprint(i))
			if rec.Code != http.StatusOK {
				t.Errorf("PUT k%d: %d", i, rec.Code)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		rec := do(t, h, "GET", fmt.Sprintf("/buckets/named/keys/k%d", i), "")
		if rec.Code != http.StatusOK || rec.Body.String() != fmt.Sprint(i) {
			t.Fatalf("k%d: %d %q", i, rec.Code, rec.Body.String())
		}
	}
}

func TestFailuresAreLogged(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	h := newTestHandler(t, Options{})
	rec := do(t, h, "GET", "/?bucket=my-state", "")
	id := rec.Header().Get("X-Request-Id")

	if !c.Has(slog.LevelWarn, "request failed") {
		t.Fatal("expected a warn record for the failed request")
	}
	if !c.HasAttr("request failed", "request_id", id) {
		t.Error("warn record should carry the request id")
	}
	if !c.HasAttr("request failed", "kind", "no-such-store") {
		t.Error("warn record should carry the error kind")
	}

	do(t, h, "GET", "/", "")
	if !c.Has(slog.LevelDebug, "keyvalue store opened") {
		t.Error("expected debug trace of the open")
	}
}

func TestUnroutedRequestsAreLogged(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"wrong method", "POST", "/buckets/named/keys", http.StatusMethodNotAllowed},
		{"unknown path", "GET", "/nope", http.StatusNotFound},
		{"path cleaning", "GET", "/buckets/named/../named/keys", http.StatusMovedPermanently},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := logging.CaptureForTest()
			defer c.Restore()

			h := newTestHandler(t, Options{})
			rec := do(t, h, tt.method, tt.target, "")
			if rec.Code != tt.want {
				t.Fatalf("status: got %d, want %d", rec.Code, tt.want)
			}
			id := rec.Header().Get("X-Request-Id")
			if id == "" {
				t.Fatal("missing X-Request-Id")
			}
			if !c.HasAttr("request", "request_id", id) {
				t.Error("unrouted request should be logged with its request id")
			}
			if !c.HasAttr("request", "status", fmt.Sprint(tt.want)) {
				t.Errorf("log should carry status %d", tt.want)
			}
			if c.Count(slog.LevelInfo) != 1 {
				t.Errorf("expected exactly one request record, got %d", c.Count(slog.LevelInfo))
			}
		})
	}
}

func TestRoutedRequestsLoggedOnce(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	h := newTestHandler(t, Options{})
	rec := do(t, h, "PUT", "/buckets/named/keys/k", "v")
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: %d", rec.Code)
	}
	if n := c.Count(slog.LevelInfo); n != 1 {
		t.Errorf("expected one request record, got %d", n)
	}
}

func TestNewRequiresResolver(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{})
}

func TestParseStatusPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    StatusPolicy
		wantErr bool
	}{
		{"", Collapsed, false},
		{"collapsed", Collapsed, false},
		{"typed", Typed, false},
		{"loud", Collapsed, true},
	}
	for _, tt := range tests {
		got, err := ParseStatusPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseStatusPolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestStatusPolicy(t *testing.T) {
	tests := []struct {
		policy StatusPolicy
		kind   keyvalue.Kind
		want   int
	}{
		{Collapsed, keyvalue.KindNoSuchStore, 500},
		{Collapsed, keyvalue.KindAccessDenied, 500},
		{Collapsed, keyvalue.KindOther, 500},
		{Typed, keyvalue.KindNoSuchStore, 404},
		{Typed, keyvalue.KindAccessDenied, 403},
		{Typed, keyvalue.KindOther, 500},
	}
	for _, tt := range tests {
		if got := tt.policy.Status(tt.kind); got != tt.want {
			t.Errorf("%v.Status(%v) = %d, want %d", tt.policy, tt.kind, got, tt.want)
		}
	}
}
