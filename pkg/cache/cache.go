// Package cache stores HTTP responses in named, disjoint generations kept in
// sqlite. Keys are (method, absolute URL) and only GET responses are stored.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrUnavailable  = errors.New("cache storage unavailable")
	ErrNotCacheable = errors.New("only GET requests are cacheable")
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_generations (
	name TEXT PRIMARY KEY,
	seq  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_key ON cache_entries (key);
`

// Storage is the set of cache generations.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the cache database at path.
func Open(ctx context.Context, path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewStorage(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStorage creates the cache tables in db.
func NewStorage(ctx context.Context, db *sql.DB) (*Storage, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open returns the generation called name, creating it if needed.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name, seq)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1 FROM cache_generations`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &Cache{storage: s, name: name}, nil
}

// Keys lists generation names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_generations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up cache %s: %w", name, err)
	}
	return n > 0, nil
}

// Delete drops a generation and all of its entries. It reports whether the
// generation existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// Match looks req up in every generation, oldest first.
func (s *Storage) Match(ctx context.Context, req *http.Request) (*Response, bool, error) {
	if req.Method != http.MethodGet {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT e.status, e.header, e.body, e.stored_at
		   FROM cache_entries e JOIN cache_generations g ON g.name = e.generation
		  WHERE e.key = ?
		  ORDER BY g.seq LIMIT 1`, Key(req))
	return scanResponse(row)
}

// Cache is one generation.
type Cache struct {
	storage *Storage
	name    string
}

func (c *Cache) Name() string { return c.name }

// Entry pairs a request with the response to store for it.
type Entry struct {
	Request  *http.Request
	Response *Response
}

// Put stores resp for req, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Request: req, Response: resp}})
}

// PutAll stores every entry or none of them.
func (c *Cache) PutAll(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.Request.Method != http.MethodGet {
			return fmt.Errorf("%w: %s %s", ErrNotCacheable, e.Request.Method, e.Request.URL)
		}
	}

	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (generation, key, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := c.storage.now().UnixNano()
	for _, e := range entries {
		header, err := json.Marshal(e.Response.Header)
		if err != nil {
			return fmt.Errorf("failed to encode headers for %s: %w", e.Request.URL, err)
		}
		_, err = stmt.ExecContext(ctx, c.name, Key(e.Request), e.Request.Method, urlKey(e.Request),
			e.Response.Status, header, e.Response.Body, now)
		if err != nil {
			return fmt.Errorf("failed to store %s in %s: %w", e.Request.URL, c.name, err)
		}
	}
	return tx.Commit()
}

// Match looks req up in this generation only.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*Response, bool, error) {
	if req.Method != http.MethodGet {
		return nil, false, nil
	}
	row := c.storage.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries
		  WHERE generation = ? AND key = ?`, c.name, Key(req))
	return scanResponse(row)
}

// Keys lists the URLs stored in this generation.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT url FROM cache_entries WHERE generation = ? ORDER BY url`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// Key is the digest identifying req across generations.
func Key(req *http.Request) string {
	sum := blake2b.Sum256([]byte(req.Method + " " + urlKey(req)))
	return hex.EncodeToString(sum[:])
}

func urlKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func scanResponse(row *sql.Row) (*Response, bool, error) {
	var (
		r        Response
		header   []byte
		storedAt int64
	)
	if err := row.Scan(&r.Status, &header, &r.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &r.Header); err != nil {
			return nil, false, fmt.Errorf("failed to decode cached headers: %w", err)
		}
	}
	r.StoredAt = time.Unix(0, storedAt)
	return &r, true, nil
}
