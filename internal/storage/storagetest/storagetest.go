// Package storagetest provides a conformance suite run by every storage backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"Cosign/internal/storage"
)

// Run exercises the Backend contract against b. The backend must start empty.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) { testPutGet(t, b) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, b) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, b) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, b) })
	t.Run("Scan", func(t *testing.T) { testScan(t, b) })
	t.Run("ScanStop", func(t *testing.T) { testScanStop(t, b) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, b) })
}

// testPutGet tests that a stored value is returned unchanged and not aliased.
func testPutGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	key := []byte("putget/key")
	value := []byte("value")

	if err := b.Put(ctx, key, value); err != nil {
		t.Fatalf("put: %v", err)
	}

	value[0] = 'X'

	got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !bytes.Equal(got, []byte("value")) {
		t.Errorf("get returned %q, want %q", got, "value")
	}
}

// testGetMissing tests the not-found sentinel.
func testGetMissing(t *testing.T, b storage.Backend) {
	if _, err := b.Get(context.Background(), []byte("missing/key")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// testOverwrite tests that Put replaces the previous value.
func testOverwrite(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	key := []byte("overwrite/key")

	_ = b.Put(ctx, key, []byte("first"))
	if err := b.Put(ctx, key, []byte("second")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := b.Get(ctx, key)
	if err != nil || string(got) != "second" {
		t.Fatalf("get = %q, %v", got, err)
	}
}

// testDelete tests removal and idempotent deletion.
func testDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	key := []byte("delete/key")

	_ = b.Put(ctx, key, []byte("v"))

	if err := b.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := b.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := b.Delete(ctx, key); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

// testScan tests prefix bounds and key order.
func testScan(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	keys := []string{"scan/b", "scan/a", "scan/c", "scan0", "scam/z"}
	for _, k := range keys {
		if err := b.Put(ctx, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var got []string
	err := b.Scan(ctx, []byte("scan/"), func(key, value []byte) error {
		if string(value) != "v-"+string(key) {
			t.Errorf("value for %s = %q", key, value)
		}
		got = append(got, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := []string{"scan/a", "scan/b", "scan/c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("scan = %v, want %v", got, want)
	}
}

// testScanStop tests that a callback error stops the scan and is returned.
func testScanStop(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	stop := errors.New("stop")

	for _, k := range []string{"stop/1", "stop/2", "stop/3"} {
		_ = b.Put(ctx, []byte(k), []byte("v"))
	}

	n := 0
	err := b.Scan(ctx, []byte("stop/"), func(_, _ []byte) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})

	if !errors.Is(err, stop) {
		t.Errorf("expected stop error, got %v", err)
	}

	if n != 2 {
		t.Errorf("callback ran %d times, want 2", n)
	}
}

// testConcurrent tests parallel writers on distinct keys.
func testConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			key := []byte(fmt.Sprintf("conc/%02d", i))
			if err := b.Put(ctx, key, []byte{byte(i)}); err != nil {
				t.Errorf("put %d: %v", i, err)
			}
		}(i)
	}

	wg.Wait()

	count := 0
	_ = b.Scan(ctx, []byte("conc/"), func(_, _ []byte) error {
		count++
		return nil
	})

	if count != 8 {
		t.Errorf("scanned %d keys, want 8", count)
	}
}
