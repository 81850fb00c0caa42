// Package bdkeeper is the local structured store: named collections of
// queue records in sqlite, each with an auto-increment key and secondary
// indexes.
package bdkeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wurt83ow/gitako-sw/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("record not found")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrUnknownIndex       = errors.New("unknown index")
	ErrVersion            = errors.New("stored schema version is newer than requested")
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// indexColumns maps index names onto the record column they cover.
var indexColumns = map[string]string{
	models.IndexTimestamp: "timestamp",
	models.IndexSynced:    "synced",
}

type Keeper struct {
	db *sql.DB

	mu     sync.RWMutex
	schema map[models.Collection]models.CollectionSchema
}

// Open opens (or creates) the sqlite database at path.
func Open(ctx context.Context, path string) (*Keeper, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return NewKeeper(db), nil
}

// NewKeeper wraps an already opened database.
func NewKeeper(db *sql.DB) *Keeper {
	return &Keeper{
		db:     db,
		schema: make(map[models.Collection]models.CollectionSchema),
	}
}

func (k *Keeper) Close() error {
	if k == nil || k.db == nil {
		return nil
	}
	return k.db.Close()
}

// SchemaVersion returns the version recorded in the database file.
func (k *Keeper) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := k.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// InitSchema creates the missing collections and indexes and records version.
// Nothing is written when the stored version already matches.
func (k *Keeper) InitSchema(ctx context.Context, version int, collections []models.CollectionSchema) error {
	for _, cs := range collections {
		if !identRe.MatchString(string(cs.Name)) {
			return fmt.Errorf("%w: %q", ErrUnknownCollection, cs.Name)
		}
		for _, idx := range cs.Indexes {
			if _, ok := indexColumns[idx]; !ok {
				return fmt.Errorf("%w: %q on %s", ErrUnknownIndex, idx, cs.Name)
			}
		}
	}

	current, err := k.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > version {
		return fmt.Errorf("%w: stored %d, requested %d", ErrVersion, current, version)
	}

	if current < version {
		tx, err := k.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin schema transaction: %w", err)
		}
		defer tx.Rollback()

		for _, cs := range collections {
			if _, err := tx.ExecContext(ctx, createTableSQL(cs.Name)); err != nil {
				return fmt.Errorf("failed to create collection %s: %w", cs.Name, err)
			}
			for _, idx := range cs.Indexes {
				if _, err := tx.ExecContext(ctx, createIndexSQL(cs.Name, idx)); err != nil {
					return fmt.Errorf("failed to create index %s on %s: %w", idx, cs.Name, err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schema: %w", err)
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, cs := range collections {
		k.schema[cs.Name] = cs
	}
	return nil
}

func createTableSQL(c models.Collection) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	)`, string(c))
}

func createIndexSQL(c models.Collection, index string) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (%s)`,
		"idx_"+string(c)+"_"+index, string(c), indexColumns[index])
}

func (k *Keeper) lookup(c models.Collection) (models.CollectionSchema, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cs, ok := k.schema[c]
	if !ok {
		return models.CollectionSchema{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return cs, nil
}

// Insert stores a new record and returns the identifier assigned to it.
func (k *Keeper) Insert(ctx context.Context, c models.Collection, rec models.QueueRecord) (int64, error) {
	if _, err := k.lookup(c); err != nil {
		return 0, err
	}
	res, err := k.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %q (uid, payload, timestamp, synced) VALUES (?, ?, ?, ?)", string(c)),
		rec.UID, []byte(rec.Payload), rec.Timestamp.UnixNano(), rec.Synced)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", c, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read id for %s: %w", c, err)
	}
	return id, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, c models.Collection, id int64) (models.QueueRecord, error) {
	var (
		rec     models.QueueRecord
		payload []byte
		ts      int64
	)
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, uid, payload, timestamp, synced FROM %q WHERE id = ?", string(c)), id).
		Scan(&rec.ID, &rec.UID, &payload, &ts, &rec.Synced)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueRecord{}, fmt.Errorf("%w: %s/%d", ErrNotFound, c, id)
	}
	if err != nil {
		return models.QueueRecord{}, fmt.Errorf("failed to read %s/%d: %w", c, id, err)
	}
	rec.Payload = payload
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

func (k *Keeper) Get(ctx context.Context, c models.Collection, id int64) (models.QueueRecord, error) {
	if _, err := k.lookup(c); err != nil {
		return models.QueueRecord{}, err
	}
	return getRecord(ctx, k.db, c, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateRecord(ctx context.Context, e execer, c models.Collection, rec models.QueueRecord) error {
	res, err := e.ExecContext(ctx,
		fmt.Sprintf("UPDATE %q SET uid = ?, payload = ?, timestamp = ?, synced = ? WHERE id = ?", string(c)),
		rec.UID, []byte(rec.Payload), rec.Timestamp.UnixNano(), rec.Synced, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s/%d: %w", c, rec.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s/%d: %w", c, rec.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, c, rec.ID)
	}
	return nil
}

// Update replaces a stored record matched by its ID.
func (k *Keeper) Update(ctx context.Context, c models.Collection, rec models.QueueRecord) error {
	if _, err := k.lookup(c); err != nil {
		return err
	}
	return updateRecord(ctx, k.db, c, rec)
}

// Modify reads a record, hands it to fn and writes the result back inside one
// transaction. Returning false from fn leaves the record untouched.
func (k *Keeper) Modify(ctx context.Context, c models.Collection, id int64, fn func(rec *models.QueueRecord) bool) error {
	if _, err := k.lookup(c); err != nil {
		return err
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, c, id)
	if err != nil {
		return err
	}
	if !fn(&rec) {
		return nil
	}
	rec.ID = id
	if err := updateRecord(ctx, tx, c, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s/%d: %w", c, id, err)
	}
	return nil
}

// QueryByIndex returns the records whose indexed column equals value, oldest
// first.
func (k *Keeper) QueryByIndex(ctx context.Context, c models.Collection, index string, value any) ([]models.QueueRecord, error) {
	cs, err := k.lookup(c)
	if err != nil {
		return nil, err
	}
	if !cs.HasIndex(index) {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownIndex, index, c)
	}
	if t, ok := value.(time.Time); ok {
		value = t.UnixNano()
	}

	rows, err := k.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, uid, payload, timestamp, synced FROM %q WHERE %s = ? ORDER BY timestamp, id",
			string(c), indexColumns[index]), value)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var records []models.QueueRecord
	for rows.Next() {
		var (
			rec     models.QueueRecord
			payload []byte
			ts      int64
		)
		if err := rows.Scan(&rec.ID, &rec.UID, &payload, &ts, &rec.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec.Payload = payload
		rec.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows encountered an error: %w", err)
	}
	return records, nil
}

// Collections lists the tables present in the database file.
func (k *Keeper) Collections(ctx context.Context) ([]string, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Indexes lists the index names declared on a collection's table.
func (k *Keeper) Indexes(ctx context.Context, c models.Collection) ([]string, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name LIKE 'idx_%' ORDER BY name", string(c))
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, strings.TrimPrefix(name, "idx_"+string(c)+"_"))
	}
	return names, rows.Err()
}
