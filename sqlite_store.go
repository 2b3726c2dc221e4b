package chainlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// sqliteTimeout bounds each append transaction.
const sqliteTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	mu  sync.Mutex // serializes Append across pooled connections
	log *log.Helper
}

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
// Records carry the same fields and MAC as the JSONL format, so a chain
// verifies identically on either backend.
func OpenSQLiteStore(dsn string, opts ...StoreOption) (Store, error) {
	if dsn == "" {
		return nil, errors.New("empty sqlite dsn")
	}
	o := buildStoreOptions(opts)
	if isPlainPath(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  idx        INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp  TEXT NOT NULL,
  event      TEXT NOT NULL,
  details    TEXT NOT NULL,      -- canonical JSON object
  prev_hash  TEXT NOT NULL,
  chain_hash TEXT NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &sqliteStore{
		db:  db,
		log: log.NewHelper(log.With(o.logger, "module", "chainlog/sqlitestore")),
	}, nil
}

func isPlainPath(dsn string) bool {
	return !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:")
}

// Append reads the tail and inserts the next record in one transaction.
func (s *sqliteStore) Append(build func(prevHash string) (Record, error)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := queryTail(ctx, tx)
	if err != nil {
		return Record{}, err
	}

	r, err := build(prev)
	if err != nil {
		return Record{}, err
	}
	if r.PrevHash != prev {
		return Record{}, fmt.Errorf("non-contiguous append: tail %q, record links to %q", prev, r.PrevHash)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(timestamp, event, details, prev_hash, chain_hash) VALUES(?, ?, ?, ?, ?)`,
		r.Timestamp, r.Event, string(r.Details), r.PrevHash, r.ChainHash); err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}
	return r, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryTail(ctx context.Context, q queryRower) (string, error) {
	var h string
	err := q.QueryRowContext(ctx, `SELECT chain_hash FROM records ORDER BY idx DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read tail: %w", err)
	}
	return h, nil
}

// Tail returns the chain hash of the newest record.
func (s *sqliteStore) Tail() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	return queryTail(ctx, s.db)
}

// Iter streams every record in ascending order.
func (s *sqliteStore) Iter() (<-chan Record, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, event, details, prev_hash, chain_hash FROM records ORDER BY idx ASC`)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("query records: %w", err)
	}

	out := make(chan Record, 64)
	it := newIterState()
	go func() {
		defer close(out)
		defer close(it.finished)
		defer cancel()
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				it.err = err
				return
			}
			select {
			case out <- r:
			case <-it.done:
				return
			}
		}
		if err := rows.Err(); err != nil {
			it.err = fmt.Errorf("iterate records: %w", err)
		}
	}()
	return out, it.stop, nil
}

// Last returns up to n newest records, oldest first.
func (s *sqliteStore) Last(n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.Query(
		`SELECT timestamp, event, details, prev_hash, chain_hash FROM records ORDER BY idx DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r       Record
		details string
	)
	if err := rows.Scan(&r.Timestamp, &r.Event, &details, &r.PrevHash, &r.ChainHash); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	if !json.Valid([]byte(details)) {
		return Record{}, fmt.Errorf("%w: details column is not JSON", ErrMalformed)
	}
	r.Details = json.RawMessage(details)
	return r, nil
}

// Close closes the database handle.
func (s *sqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Warnw("msg", "close database", "error", err)
		return err
	}
	return nil
}
