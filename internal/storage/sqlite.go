//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"autoforce/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteAvailable = true

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at_utc, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.CreatedAtUTC, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at_utc DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AppendFPRecord(ctx context.Context, record model.FPRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeFPRecord(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO fp_records (run_id, step, payload) VALUES (?, ?, ?)
	`, record.RunID, record.Step, payload)
	return err
}

func (s *SQLiteStore) GetFPRecords(ctx context.Context, runID string) ([]model.FPRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM fp_records WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var records []model.FPRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		record, err := DecodeFPRecord(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode fp record %s: %w", runID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return records, len(records) > 0, nil
}

func (s *SQLiteStore) AppendUpdateEvent(ctx context.Context, event model.UpdateEvent) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeUpdateEvent(event)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO update_events (run_id, step, payload) VALUES (?, ?, ?)
	`, event.RunID, event.Step, payload)
	return err
}

func (s *SQLiteStore) GetUpdateEvents(ctx context.Context, runID string) ([]model.UpdateEvent, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM update_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var events []model.UpdateEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		event, err := DecodeUpdateEvent(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode update event %s: %w", runID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return events, len(events) > 0, nil
}

func (s *SQLiteStore) SaveModelSnapshot(ctx context.Context, snapshot model.ModelSnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeModelSnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO model_snapshots (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, snapshot.RunID, payload)
	return err
}

func (s *SQLiteStore) GetModelSnapshot(ctx context.Context, runID string) (model.ModelSnapshot, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelSnapshot{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM model_snapshots WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ModelSnapshot{}, false, nil
		}
		return model.ModelSnapshot{}, false, err
	}

	snapshot, err := DecodeModelSnapshot(payload)
	if err != nil {
		return model.ModelSnapshot{}, false, fmt.Errorf("decode model snapshot %s: %w", runID, err)
	}
	return snapshot, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS fp_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS fp_records_run ON fp_records (run_id);
		CREATE TABLE IF NOT EXISTS update_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS update_events_run ON update_events (run_id);
		CREATE TABLE IF NOT EXISTS model_snapshots (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
