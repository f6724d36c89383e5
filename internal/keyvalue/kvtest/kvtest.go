// Package kvtest is a conformance suite every keyvalue.Bucket backend runs
// from its own tests.
package kvtest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"bucketd/internal/keyvalue"
)

// Factory returns a fresh, empty bucket. It may register cleanup on t.
type Factory func(t *testing.T) keyvalue.Bucket

// Run executes the suite. pageSize is the page size the factory's buckets
// were built with; pass 0 if unknown.
func Run(t *testing.T, newBucket Factory, pageSize int) {
	ctx := context.Background()

	t.Run("SetGetRoundTrip", func(t *testing.T) {
		b := newBucket(t)
		want := []byte{0x00, 'v', 0xff}
		mustSet(t, b, "k", want)
		got, ok, err := b.Get(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || !bytes.Equal(got, want) {
			t.Fatalf("Get: got %q ok=%v, want %q", got, ok, want)
		}
	})

	t.Run("GetMissingIsAbsent", func(t *testing.T) {
		b := newBucket(t)
		got, ok, err := b.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("missing key must not be an error: %v", err)
		}
		if ok || got != nil {
			t.Fatalf("expected absent, got %q ok=%v", got, ok)
		}
	})

	t.Run("SetOverwrite", func(t *testing.T) {
		b := newBucket(t)
		mustSet(t, b, "k", []byte("v1"))
		mustSet(t, b, "k", []byte("v2"))
		got, _, err := b.Get(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q", got)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		b := newBucket(t)
		mustSet(t, b, "empty", []byte{})
		got, ok, err := b.Get(ctx, "empty")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || len(got) != 0 {
			t.Fatalf("expected present empty value, got %q ok=%v", got, ok)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBucket(t)
		mustSet(t, b, "k", []byte("v"))
		if err := b.Delete(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		if _, ok, err := b.Get(ctx, "k"); err != nil || ok {
			t.Fatalf("expected absent after delete, ok=%v err=%v", ok, err)
		}
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		b := newBucket(t)
		if err := b.Delete(ctx, "never-set"); err != nil {
			t.Fatalf("deleting a missing key should not error: %v", err)
		}
	})

	t.Run("ExistsLifecycle", func(t *testing.T) {
		b := newBucket(t)
		assertExists(t, b, "k", false)
		mustSet(t, b, "k", []byte("v"))
		assertExists(t, b, "k", true)
		if err := b.Delete(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		assertExists(t, b, "k", false)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		b := newBucket(t)
		mustSet(t, b, "k", []byte("original"))
		got, _, _ := b.Get(ctx, "k")
		got[0] = 'X'
		again, _, _ := b.Get(ctx, "k")
		if string(again) != "original" {
			t.Fatal("mutating a returned value should not affect the store")
		}
	})

	t.Run("ListKeysEmpty", func(t *testing.T) {
		b := newBucket(t)
		resp, err := b.ListKeys(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Keys) != 0 || resp.Cursor != "" {
			t.Fatalf("empty store: got keys=%v cursor=%q", resp.Keys, resp.Cursor)
		}
	})

	t.Run("ListKeysPaginates", func(t *testing.T) {
		b := newBucket(t)
		n := 7
		if pageSize > 0 {
			n = pageSize*2 + 1
		}
		want := make([]string, n)
		for i := range want {
			want[i] = fmt.Sprintf("key-%03d", i)
			mustSet(t, b, want[i], []byte("v"))
		}
		got := ListAll(t, b)
		if !equalSets(got, want) {
			t.Fatalf("paginated keys: got %v, want %v", got, want)
		}
	})

	t.Run("ListKeysSurvivesDeleteBetweenPages", func(t *testing.T) {
		if pageSize <= 0 {
			t.Skip("page size unknown")
		}
		b := newBucket(t)
		n := pageSize * 3
		for i := 0; i < n; i++ {
			mustSet(t, b, fmt.Sprintf("key-%03d", i), []byte("v"))
		}
		first, err := b.ListKeys(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if first.Cursor == "" {
			t.Fatal("expected a continuation cursor")
		}
		// Remove the key the cursor points past.
		if err := b.Delete(ctx, first.Keys[len(first.Keys)-1]); err != nil {
			t.Fatal(err)
		}
		seen := map[string]bool{}
		for _, k := range first.Keys {
			seen[k] = true
		}
		cursor := first.Cursor
		for cursor != "" {
			resp, err := b.ListKeys(ctx, cursor)
			if err != nil {
				t.Fatal(err)
			}
			for _, k := range resp.Keys {
				seen[k] = true
			}
			cursor = resp.Cursor
		}
		if len(seen) != n {
			t.Fatalf("expected %d distinct keys across pages, got %d", n, len(seen))
		}
	})

	t.Run("ListKeysRejectsGarbageCursor", func(t *testing.T) {
		b := newBucket(t)
		_, err := b.ListKeys(ctx, "!!not-a-cursor!!")
		if err == nil {
			t.Fatal("expected error for malformed cursor")
		}
		if keyvalue.KindOf(err) != keyvalue.KindOther {
			t.Fatalf("expected KindOther, got %v", keyvalue.KindOf(err))
		}
	})

	t.Run("ConcurrentSets", func(t *testing.T) {
		b := newBucket(t)
		const n = 32
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := b.Set(ctx, fmt.Sprintf("c-%d", i), []byte(fmt.Sprint(i))); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent set: %v", err)
		}
		for i := 0; i < n; i++ {
			got, ok, err := b.Get(ctx, fmt.Sprintf("c-%d", i))
			if err != nil || !ok || string(got) != fmt.Sprint(i) {
				t.Fatalf("c-%d: got %q ok=%v err=%v", i, got, ok, err)
			}
		}
	})
}

// ListAll drains every page of b and returns the keys seen, sorted.
func ListAll(t *testing.T, b keyvalue.Bucket) []string {
	t.Helper()
	var keys []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 10000 {
			t.Fatal("pagination did not terminate")
		}
		resp, err := b.ListKeys(context.Background(), cursor)
		if err != nil {
			t.Fatalf("ListKeys: %v", err)
		}
		keys = append(keys, resp.Keys...)
		if resp.Done() {
			break
		}
		cursor = resp.Cursor
	}
	sort.Strings(keys)
	return keys
}

func mustSet(t *testing.T, b keyvalue.Bucket, key string, value []byte) {
	t.Helper()
	if err := b.Set(context.Background(), key, value); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func assertExists(t *testing.T, b keyvalue.Bucket, key string, want bool) {
	t.Helper()
	got, err := b.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists(%q): %v", key, err)
	}
	if got != want {
		t.Fatalf("Exists(%q): got %v, want %v", key, got, want)
	}
}

func equalSets(got, want []string) bool {
	set := make(map[string]bool, len(got))
	for _, k := range got {
		set[k] = true
	}
	if len(set) != len(want) {
		return false
	}
	for _, k := range want {
		if !set[k] {
			return false
		}
	}
	return true
}
