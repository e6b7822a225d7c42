package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
    bucket TEXT NOT NULL,
    request_key TEXT NOT NULL,
    status INTEGER NOT NULL,
    header_json TEXT NOT NULL,
    body BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (bucket, request_key)
);
`

// sqliteStore 将全部桶保存在单个 SQLite 文件中，适合只允许单文件落盘的部署。
type sqliteStore struct {
	sqlDB *sql.DB
}

type sqliteBucket struct {
	store *sqliteStore
	name  string
}

// OpenSQLite 打开（必要时创建）SQLite 桶存储并建表。
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite 写入本就串行，单连接避免 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &sqliteStore{sqlDB: sqlDB}, nil
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx, s.sqlDB, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{store: s, name: name}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) ensureBucket(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_buckets (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	row := b.store.sqlDB.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM cache_entries WHERE bucket = ? AND request_key = ?`,
		b.name, key,
	)

	var (
		resp       Response
		headerJSON string
		storedAtMs int64
	)
	if err := row.Scan(&resp.Status, &headerJSON, &resp.Body, &storedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	if headerJSON != "" {
		header := http.Header{}
		if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
			return nil, fmt.Errorf("decode header of %s: %w", key, err)
		}
		resp.Header = header
	}
	resp.StoredAt = time.UnixMilli(storedAtMs).UTC()
	return &resp, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("response required")
	}
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := b.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := b.store.ensureBucket(ctx, tx, b.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (bucket, request_key, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, request_key) DO UPDATE SET
		   status = excluded.status,
		   header_json = excluded.header_json,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		b.name, key, resp.Status, string(headerJSON), body, storedAt(resp).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.store.sqlDB.QueryContext(ctx,
		`SELECT request_key FROM cache_entries WHERE bucket = ? ORDER BY request_key`, b.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", b.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *sqliteBucket) Stat(ctx context.Context) (BucketStats, error) {
	row := b.store.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries WHERE bucket = ?`, b.name)
	var stats BucketStats
	if err := row.Scan(&stats.Entries, &stats.Bytes); err != nil {
		return BucketStats{}, fmt.Errorf("stat %s: %w", b.name, err)
	}
	return stats, nil
}
