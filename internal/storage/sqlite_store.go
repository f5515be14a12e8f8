package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/snapshot"
)

// SqliteStore is a Store backed by a SQLite database file
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SqliteStore)(nil)

// NewSqliteStore creates a store for the database at dbPath. Connections are opened and the
// schema is initialized lazily on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	// The schema must exist before a read-only connection can query it
	if _, err := s.getWriteDB(); err != nil {
		return nil, err
	}

	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// RecordOperation stores a journal entry of a backend lifecycle call
func (s *SqliteStore) RecordOperation(ctx context.Context, op pipeline.Operation) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertOperationSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	data := toOperationData(op)

	_, err = stmt.ExecContext(
		ctx,
		data.PlotID,
		data.Key,
		data.Action,
		data.Kind,
		data.PipelineID,
		data.Error,
		data.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

// SaveSnapshot stores the frozen window of a paused plot
func (s *SqliteStore) SaveSnapshot(ctx context.Context, snap snapshot.Snapshot) (err error) {
	data, err := toSnapshotData(snap)
	if err != nil {
		return err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	_, err = tx.ExecContext(
		ctx,
		insertSnapshotSQL,
		data.PlotID,
		data.Title,
		data.Keys,
		data.StartTime,
		data.EndTime,
		data.NumRows,
		data.Data,
		data.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) Snapshot(ctx context.Context, id int64) (snap *StoredSnapshot, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, selectSnapshotSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var data snapshotData
	err = stmt.QueryRowContext(ctx, id).Scan(
		&data.ID,
		&data.PlotID,
		&data.Title,
		&data.Keys,
		&data.StartTime,
		&data.EndTime,
		&data.NumRows,
		&data.Data,
		&data.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}

	return data.snapshot(true)
}

func (s *SqliteStore) Snapshots(ctx context.Context) (snaps []*StoredSnapshot, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectSnapshotsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data snapshotData
		if err = rows.Scan(
			&data.ID,
			&data.PlotID,
			&data.Title,
			&data.Keys,
			&data.StartTime,
			&data.EndTime,
			&data.NumRows,
			&data.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}

		snap, dErr := data.snapshot(false)
		if dErr != nil {
			return nil, dErr
		}
		snaps = append(snaps, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snaps, nil
}

// ReadOperations creates an OperationReader over the journal
func (s *SqliteStore) ReadOperations(ctx context.Context, opts ...ReaderOption) (*OperationReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newOperationReader(ctx, db, opts...)
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
