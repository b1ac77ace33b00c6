package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStorage persists cache stores in SQL backends (SQLite or Postgres) so
// they survive a gateway restart.
type SQLStorage struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStorage creates a SQLite-backed storage.
// dsn can be a file path (e.g. /var/lib/edgegw/cache.db) or SQLite DSN.
func NewSQLiteStorage(dsn string) (*SQLStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "edgegw-cache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite storage: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	s := &SQLStorage{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorage creates a Postgres-backed storage.
func NewPostgresStorage(dsn string) (*SQLStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres storage: %w", err)
	}
	s := &SQLStorage{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s storage: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS cache_stores (
	id BIGSERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	id BIGSERIAL PRIMARY KEY,
	store_name TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BYTEA NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL,
	UNIQUE(store_name, cache_key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_store ON cache_entries(store_name, id);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS cache_stores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	store_name TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at DATETIME NOT NULL,
	UNIQUE(store_name, cache_key)
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_store ON cache_entries(store_name, id);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s storage schema: %w", s.dialect, err)
	}
	return nil
}

// Open returns a handle for the named store.
func (s *SQLStorage) Open(_ context.Context, name string) (Store, error) {
	return &sqlStore{s: s, name: name}, nil
}

// Has reports whether the named store exists.
func (s *SQLStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	q := s.bind(`SELECT COUNT(1) FROM cache_stores WHERE name = ?`)
	if err := s.db.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup store %s: %w", name, err)
	}
	return n > 0, nil
}

// Delete removes the named store and its entries.
func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM cache_entries WHERE store_name = ?`), name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM cache_stores WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete store: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Names lists stores in creation order.
func (s *SQLStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the underlying database.
func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStorage) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type sqlStore struct {
	s    *SQLStorage
	name string
}

func (st *sqlStore) Name() string { return st.name }

func (st *sqlStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	q := st.s.bind(`
SELECT id, cache_key, method, url, status, header, body, stored_at
FROM cache_entries
WHERE store_name = ? AND cache_key = ?`)

	var (
		e      Entry
		header string
	)
	err := st.s.db.QueryRowContext(ctx, q, st.name, key).
		Scan(&e.Seq, &e.Key, &e.Method, &e.URL, &e.Status, &header, &e.Body, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %q in %s: %w", key, st.name, err)
	}
	e.Header = make(http.Header)
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, false, fmt.Errorf("decode header of %q: %w", key, err)
	}
	return &e, true, nil
}

func (st *sqlStore) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := st.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		st.s.bind(`INSERT INTO cache_stores(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`),
		st.name, time.Now().UTC()); err != nil {
		return fmt.Errorf("register store %s: %w", st.name, err)
	}
	// Replace rather than update so the key takes a fresh insertion id.
	if _, err := tx.ExecContext(ctx,
		st.s.bind(`DELETE FROM cache_entries WHERE store_name = ? AND cache_key = ?`),
		st.name, entry.Key); err != nil {
		return fmt.Errorf("replace %q in %s: %w", entry.Key, st.name, err)
	}
	if _, err := tx.ExecContext(ctx, st.s.bind(`
INSERT INTO cache_entries(store_name, cache_key, method, url, status, header, body, stored_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`),
		st.name, entry.Key, entry.Method, entry.URL, entry.Status, string(header), body, storedAt); err != nil {
		return fmt.Errorf("put %q in %s: %w", entry.Key, st.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (st *sqlStore) Delete(ctx context.Context, key string) (bool, error) {
	q := st.s.bind(`DELETE FROM cache_entries WHERE store_name = ? AND cache_key = ?`)
	res, err := st.s.db.ExecContext(ctx, q, st.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %q from %s: %w", key, st.name, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (st *sqlStore) Keys(ctx context.Context) ([]string, error) {
	q := st.s.bind(`SELECT cache_key FROM cache_entries WHERE store_name = ? ORDER BY id`)
	rows, err := st.s.db.QueryContext(ctx, q, st.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", st.name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (st *sqlStore) Len(ctx context.Context) (int, error) {
	var n int
	q := st.s.bind(`SELECT COUNT(1) FROM cache_entries WHERE store_name = ?`)
	if err := st.s.db.QueryRowContext(ctx, q, st.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", st.name, err)
	}
	return n, nil
}
