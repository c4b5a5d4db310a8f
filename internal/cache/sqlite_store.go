package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	partition TEXT NOT NULL,
	method    TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (partition, method, url)
);`

// SQLite 文件名，位于 StoragePath 目录下。
const sqliteFileName = "offline-cache.db"

// sqliteStore 将全部分区存放在单个 SQLite 文件中，分区即 entries 表的 partition 列。
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）SQLite 缓存数据库并初始化表结构。
func OpenSQLite(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if err := ensurePartition(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqlitePartition{db: s.db, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query partition: %w", err)
	}
	return count > 0, nil
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return affected > 0, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
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

// Close closes the SQLite handle.
func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensurePartition(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}

type sqlitePartition struct {
	db   *sql.DB
	name string
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key Key) (*StoredResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE partition = ? AND method = ? AND url = ?`,
		p.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match entry: %w", err)
	}
	resp := &StoredResponse{
		Status:   status,
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return resp, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := ensurePartition(ctx, tx, p.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (partition, method, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition, method, url) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		p.name, key.Method, key.URL, resp.Status, string(header), body, toMillis(resp.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return tx.Commit()
}

func (p *sqlitePartition) Remove(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM entries WHERE partition = ? AND method = ? AND url = ?`,
		p.name, key.Method, key.URL,
	)
	if err != nil {
		return false, fmt.Errorf("remove entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE partition = ? ORDER BY method, url`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
