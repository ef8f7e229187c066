package pipeline

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/strest-io/strest/internal/metric"
)

// Records are batched and written in one transaction per flush.
const dbFlushSize = 500

const dbSchema = `CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	elapsed_ms INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	timed_out INTEGER NOT NULL,
	transport_error INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_elapsed_ms ON metrics(elapsed_ms);`

type sqliteSink struct {
	db  *sql.DB
	buf []metric.Record
}

func newSQLiteSink(path string) (*sqliteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	if _, err := db.Exec(dbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite db %s: %w", path, err)
	}
	return &sqliteSink{db: db, buf: make([]metric.Record, 0, dbFlushSize)}, nil
}

func (s *sqliteSink) append(record metric.Record) error {
	s.buf = append(s.buf, record)
	if len(s.buf) >= dbFlushSize {
		return s.flush()
	}
	return nil
}

func (s *sqliteSink) flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO metrics (elapsed_ms, latency_ms, status_code, timed_out, transport_error) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare sqlite insert: %w", err)
	}
	for _, record := range s.buf {
		if _, err := stmt.Exec(
			int64(record.ElapsedMs),
			int64(record.LatencyMs),
			int64(record.StatusCode),
			boolToInt(record.TimedOut),
			boolToInt(record.TransportError),
		); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("write sqlite metrics: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite metrics: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *sqliteSink) close() error {
	flushErr := s.flush()
	closeErr := s.db.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
