package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// Observer receives cache events. A nil Observer is allowed.
type Observer interface {
	RecordHit()
	RecordMiss()
	RecordEviction(n int)
	UpdateSize(entries, bytes int64)
}

// Options configures a Cache.
type Options struct {
	// CapacityBytes bounds the sum of stored response sizes. Zero disables the bound.
	CapacityBytes int64

	// MaxEntries bounds the number of stored responses. Zero disables the bound.
	MaxEntries int64

	// TTL is the maximum age of an entry. Zero disables expiry.
	TTL time.Duration

	Observer Observer
	Logger   *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is a size-bounded, exact-match response cache backed by SQLite.
// Entries are evicted least-recently-accessed first.
type Cache struct {
	db       *sql.DB
	capacity int64
	maxCount int64
	ttl      time.Duration
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	locks    stripedLocks

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	response BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed_at);
`

// New opens (or creates) the cache database at dbPath.
func New(dbPath string, opts Options) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{
		db:       db,
		capacity: opts.CapacityBytes,
		maxCount: opts.MaxEntries,
		ttl:      opts.TTL,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "cache")
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Get returns the entry for fp. Expired, corrupt and unreadable entries
// are reported as absent. A hit refreshes the entry's access time.
func (c *Cache) Get(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, bool) {
	mu := c.locks.forKey(fp)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.get(ctx, fp)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "fingerprint", fp.Short(), "error", err)
	}
	if entry == nil {
		c.misses.Add(1)
		if c.observer != nil {
			c.observer.RecordMiss()
		}
		return nil, false
	}

	c.hits.Add(1)
	if c.observer != nil {
		c.observer.RecordHit()
	}
	return entry, true
}

func (c *Cache) get(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		response  []byte
		createdAt int64
		size      int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT response, created_at, size_bytes FROM cache_entries WHERE fingerprint = ?`,
		string(fp),
	).Scan(&response, &createdAt, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	now := c.now()
	created := time.Unix(0, createdAt).UTC()

	var reason string
	switch {
	case c.ttl > 0 && now.Sub(created) > c.ttl:
		reason = "expired"
	case int64(len(response)) != size:
		reason = "corrupt"
	}
	if reason != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, string(fp)); err != nil {
			return nil, fmt.Errorf("drop %s entry: %w", reason, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("drop %s entry: %w", reason, err)
		}
		c.logger.Debug("dropped cache entry", "fingerprint", fp.Short(), "reason", reason)
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed_at = ? WHERE fingerprint = ?`,
		now.UnixNano(), string(fp),
	); err != nil {
		return nil, fmt.Errorf("touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("touch: %w", err)
	}

	return &models.CacheEntry{
		Fingerprint:    fp,
		Response:       response,
		CreatedAt:      created,
		LastAccessedAt: now.UTC(),
		SizeBytes:      size,
	}, nil
}

// Put stores response under fp, replacing any previous entry, then evicts
// least-recently-accessed entries until the cache is within its bounds.
// A response larger than the whole capacity is rejected and nothing changes.
func (c *Cache) Put(ctx context.Context, fp models.Fingerprint, response []byte) error {
	size := int64(len(response))
	if c.capacity > 0 && size > c.capacity {
		return &IOError{Op: "put", Fingerprint: fp, Err: fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, c.capacity)}
	}

	mu := c.locks.forKey(fp)
	mu.Lock()
	defer mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "put", Fingerprint: fp, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	now := c.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, response, created_at, last_accessed_at, size_bytes)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			response = excluded.response,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			size_bytes = excluded.size_bytes`,
		string(fp), response, now, now, size,
	); err != nil {
		return &IOError{Op: "put", Fingerprint: fp, Err: err}
	}

	evicted, err := c.evict(ctx, tx, fp)
	if err != nil {
		return &IOError{Op: "evict", Fingerprint: fp, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &IOError{Op: "put", Fingerprint: fp, Err: err}
	}

	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		c.logger.Debug("evicted cache entries", "count", evicted)
		if c.observer != nil {
			c.observer.RecordEviction(evicted)
		}
	}
	c.reportSize(ctx)
	return nil
}

// evict deletes entries other than keep, oldest access first, until the
// totals are within bounds. It runs inside the Put transaction.
func (c *Cache) evict(ctx context.Context, tx *sql.Tx, keep models.Fingerprint) (int, error) {
	if c.capacity <= 0 && c.maxCount <= 0 {
		return 0, nil
	}

	var total, count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries`,
	).Scan(&total, &count); err != nil {
		return 0, fmt.Errorf("measure: %w", err)
	}
	if c.within(total, count) {
		return 0, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT fingerprint, size_bytes FROM cache_entries
		 WHERE fingerprint != ?
		 ORDER BY last_accessed_at ASC, created_at ASC, fingerprint ASC`,
		string(keep),
	)
	if err != nil {
		return 0, fmt.Errorf("list victims: %w", err)
	}
	var victims []string
	for rows.Next() && !c.within(total, count) {
		var (
			fp   string
			size int64
		)
		if err := rows.Scan(&fp, &size); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan victim: %w", err)
		}
		victims = append(victims, fp)
		total -= size
		count--
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("list victims: %w", err)
	}

	for _, fp := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp); err != nil {
			return 0, fmt.Errorf("delete victim: %w", err)
		}
	}
	return len(victims), nil
}

func (c *Cache) within(total, count int64) bool {
	if c.capacity > 0 && total > c.capacity {
		return false
	}
	if c.maxCount > 0 && count > c.maxCount {
		return false
	}
	return true
}

// Invalidate removes the entry for fp if present.
func (c *Cache) Invalidate(ctx context.Context, fp models.Fingerprint) error {
	mu := c.locks.forKey(fp)
	mu.Lock()
	defer mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, string(fp)); err != nil {
		return &IOError{Op: "invalidate", Fingerprint: fp, Err: err}
	}
	c.reportSize(ctx)
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var (
		count, total   int64
		oldest, newest sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(created_at), MAX(created_at) FROM cache_entries`,
	).Scan(&count, &total, &oldest, &newest)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	stats := models.CacheStats{
		Entries:       count,
		TotalBytes:    total,
		CapacityBytes: c.capacity,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.Newest = time.Unix(0, newest.Int64).UTC()
	}
	return stats, nil
}

// Clear removes cache entries and returns how many were deleted. If
// expiredOnly is true, only entries older than the TTL are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expiredOnly {
		if c.ttl <= 0 {
			return 0, nil
		}
		cutoff := c.now().Add(-c.ttl).UnixNano()
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	c.reportSize(ctx)
	return n, nil
}

func (c *Cache) reportSize(ctx context.Context) {
	if c.observer == nil {
		return
	}
	var count, total int64
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries`,
	).Scan(&count, &total); err != nil {
		return
	}
	c.observer.UpdateSize(count, total)
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
