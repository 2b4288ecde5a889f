package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// fakeClock advances by one millisecond on every reading so access order is strict.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Millisecond)
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t, Options{TTL: time.Hour})
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", []byte(`{"questions":[]}`)); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(entry.Response) != `{"questions":[]}` {
		t.Errorf("unexpected response: %s", entry.Response)
	}
	if entry.SizeBytes != int64(len(`{"questions":[]}`)) {
		t.Errorf("size_bytes = %d, want %d", entry.SizeBytes, len(`{"questions":[]}`))
	}

	if _, ok := c.Get(ctx, "fp2"); ok {
		t.Error("expected cache miss for unknown fingerprint")
	}
}

func TestPutReplaces(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Put(ctx, "fp1", []byte("first"))
	if err := c.Put(ctx, "fp1", []byte("second!")); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(entry.Response) != "second!" {
		t.Errorf("expected replaced response, got %s", entry.Response)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.TotalBytes != 7 {
		t.Errorf("expected 1 entry of 7 bytes, got %d entries, %d bytes", stats.Entries, stats.TotalBytes)
	}
}

func TestTTLExpiration(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{TTL: time.Minute, Now: clock.Now})
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "fp1"); !ok {
		t.Fatal("expected hit before TTL")
	}

	clock.Advance(2 * time.Minute)

	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("expected cache miss after TTL expiration")
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected expired entry to be dropped, %d left", stats.Entries)
	}
}

func TestReadsDoNotExtendTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{TTL: time.Minute, Now: clock.Now})
	ctx := context.Background()

	_ = c.Put(ctx, "fp1", []byte("data"))
	for range 3 {
		clock.Advance(25 * time.Second)
		c.Get(ctx, "fp1")
	}

	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("expected TTL to be measured from creation, not last access")
	}
}

func TestEvictionLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	// Capacity for exactly three 10-byte entries.
	c := newTestCache(t, Options{CapacityBytes: 30, Now: clock.Now})
	ctx := context.Background()
	payload := []byte("0123456789")

	for _, fp := range []models.Fingerprint{"A", "B", "C"} {
		if err := c.Put(ctx, fp, payload); err != nil {
			t.Fatal(err)
		}
	}

	// Reading B makes A the least recently used.
	if _, ok := c.Get(ctx, "B"); !ok {
		t.Fatal("expected hit for B")
	}

	if err := c.Put(ctx, "D", payload); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, "A"); ok {
		t.Error("expected A to be evicted")
	}
	for _, fp := range []models.Fingerprint{"B", "C", "D"} {
		if _, ok := c.Get(ctx, fp); !ok {
			t.Errorf("expected %s to survive eviction", fp)
		}
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBytes > 30 {
		t.Errorf("total bytes %d exceeds capacity", stats.TotalBytes)
	}
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestEvictionOrderWithoutReads(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{CapacityBytes: 25, Now: clock.Now})
	ctx := context.Background()

	_ = c.Put(ctx, "A", []byte("0123456789"))
	_ = c.Put(ctx, "B", []byte("0123456789"))
	// 20 bytes stored; a 15-byte insert must drop both A and B in that order.
	if err := c.Put(ctx, "C", []byte("012345678901234")); err != nil {
		t.Fatal(err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 1 || stats.TotalBytes != 15 {
		t.Errorf("expected only C to remain, got %d entries / %d bytes", stats.Entries, stats.TotalBytes)
	}
	if _, ok := c.Get(ctx, "C"); !ok {
		t.Error("expected the new entry to survive")
	}
}

func TestMaxEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{MaxEntries: 2, Now: clock.Now})
	ctx := context.Background()

	_ = c.Put(ctx, "A", []byte("a"))
	_ = c.Put(ctx, "B", []byte("b"))
	_ = c.Put(ctx, "C", []byte("c"))

	if _, ok := c.Get(ctx, "A"); ok {
		t.Error("expected oldest entry to be evicted by the entry limit")
	}
	stats, _ := c.Stats(ctx)
	if stats.Entries != 2 {
		t.Errorf("expected 2 entries, got %d", stats.Entries)
	}
}

func TestPutTooLarge(t *testing.T) {
	c := newTestCache(t, Options{CapacityBytes: 8})
	ctx := context.Background()

	_ = c.Put(ctx, "small", []byte("1234"))

	err := c.Put(ctx, "big", []byte(strings.Repeat("x", 9)))
	if err == nil {
		t.Fatal("expected error for oversized entry")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %T", err)
	}
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("expected ErrEntryTooLarge, got %v", err)
	}

	if _, ok := c.Get(ctx, "small"); !ok {
		t.Error("oversized insert must not evict existing entries")
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Put(ctx, "fp1", []byte("data"))
	if err := c.Invalidate(ctx, "fp1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("expected miss after invalidate")
	}
	if err := c.Invalidate(ctx, "missing"); err != nil {
		t.Errorf("invalidate of absent entry should be a no-op, got %v", err)
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Put(ctx, "fp1", []byte("data"))
	if _, err := c.db.Exec(`UPDATE cache_entries SET size_bytes = 999 WHERE fingerprint = 'fp1'`); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("expected corrupt entry to be reported as a miss")
	}
}

func TestUnreadableStoreIsMiss(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Put(ctx, "fp1", []byte("data"))
	_ = c.db.Close()

	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("expected miss from a closed store")
	}
	var ioErr *IOError
	if err := c.Put(ctx, "fp2", []byte("data")); !errors.As(err, &ioErr) {
		t.Errorf("expected *IOError from a closed store, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	c1, err := New(dbPath, Options{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	_ = c1.Put(ctx, "fp1", []byte("data"))
	_ = c1.Close()

	c2, err := New(dbPath, Options{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if _, ok := c2.Get(ctx, "fp1"); !ok {
		t.Error("expected entry to survive a reopen")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, Options{CapacityBytes: 1024})
	ctx := context.Background()

	_ = c.Put(ctx, "h1", []byte("data"))
	c.Get(ctx, "h1") // hit
	c.Get(ctx, "h2") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.CapacityBytes != 1024 {
		t.Errorf("expected capacity 1024, got %d", stats.CapacityBytes)
	}
	if stats.Oldest.IsZero() || stats.Newest.IsZero() {
		t.Error("expected oldest/newest timestamps")
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Put(ctx, "h1", []byte("data"))
	_ = c.Put(ctx, "h2", []byte("data"))

	n, err := c.Clear(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}

func TestClearExpiredOnly(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Options{TTL: time.Minute, Now: clock.Now})
	ctx := context.Background()

	_ = c.Put(ctx, "old", []byte("data"))
	clock.Advance(2 * time.Minute)
	_ = c.Put(ctx, "new", []byte("data"))

	n, err := c.Clear(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry cleared, got %d", n)
	}
	if _, ok := c.Get(ctx, "new"); !ok {
		t.Error("expected fresh entry to remain")
	}
}

func TestConcurrentDistinctKeys(t *testing.T) {
	c := newTestCache(t, Options{CapacityBytes: 1 << 20})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp := models.Fingerprint(strings.Repeat(string(rune('a'+i)), 8))
			if err := c.Put(ctx, fp, []byte("payload")); err != nil {
				t.Errorf("put %s: %v", fp, err)
				return
			}
			if _, ok := c.Get(ctx, fp); !ok {
				t.Errorf("expected hit for %s", fp)
			}
		}()
	}
	wg.Wait()

	stats, _ := c.Stats(ctx)
	if stats.Entries != 16 {
		t.Errorf("expected 16 entries, got %d", stats.Entries)
	}
}
