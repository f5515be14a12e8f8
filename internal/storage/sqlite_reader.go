package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	minTime = time.Unix(0, 0).UTC()
	maxTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// ReaderOption configures an OperationReader with specific filtering criteria.
type ReaderOption func(*OperationReader)

// WithPlot restricts the reader to the entries of a single plot.
func WithPlot(plotID string) ReaderOption {
	return func(r *OperationReader) {
		r.plotID = plotID
	}
}

// WithStartTime excludes entries recorded before t.
func WithStartTime(t time.Time) ReaderOption {
	return func(r *OperationReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes entries recorded after t.
func WithEndTime(t time.Time) ReaderOption {
	return func(r *OperationReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters.
// This is a convenience function equivalent to applying both WithStartTime
// and WithEndTime.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *OperationReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// OperationReader iterates over journal entries in recording order. A reader must be
// closed after use and must only be used from a single goroutine.
type OperationReader struct {
	db *sql.DB

	plotID    string
	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter

	current *OperationRecord
	rows    *sql.Rows
	err     error
}

func newOperationReader(ctx context.Context, db *sql.DB, opts ...ReaderOption) (*OperationReader, error) {
	r := &OperationReader{db: db}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *OperationReader) init(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database connection required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "initializing filters", fn: r.initFilters},
		{msg: "initializing query", fn: r.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (r *OperationReader) initFilters(context.Context) error {
	if r.startTime == nil {
		r.startTime = &minTime
	}
	if r.endTime == nil {
		r.endTime = &maxTime
	}
	if r.startTime.After(*r.endTime) {
		return fmt.Errorf("start time %s is after end time %s", r.startTime, r.endTime)
	}
	return nil
}

func (r *OperationReader) initQuery(ctx context.Context) (err error) {
	stmt, err := r.db.PrepareContext(ctx, selectOperationsSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	r.rows, err = stmt.QueryContext(ctx, r.plotID, r.plotID, r.startTime.UTC(), r.endTime.UTC())
	return err
}

// Next advances the reader and reports whether there is another entry. When it returns
// false, Error distinguishes the end of data from a failure.
func (r *OperationReader) Next(ctx context.Context) bool {
	if r.err != nil || r.rows == nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return false
	}

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.err = fmt.Errorf("iterating operations: %w", err)
		} else {
			r.err = ErrNoData
		}
		return false
	}

	var data operationData
	if err := r.rows.Scan(
		&data.ID,
		&data.PlotID,
		&data.Key,
		&data.Action,
		&data.Kind,
		&data.PipelineID,
		&data.Error,
		&data.RecordedAt,
	); err != nil {
		r.err = fmt.Errorf("scanning operation: %w", err)
		return false
	}

	r.current = data.record()
	return true
}

// Current returns the entry the reader is positioned on
func (r *OperationReader) Current() *OperationRecord {
	return r.current
}

// Error returns the error that stopped the iteration. ErrNoData is not reported.
func (r *OperationReader) Error() error {
	if errors.Is(r.err, ErrNoData) {
		return nil
	}
	return r.err
}

// Close releases the database resources of the reader
func (r *OperationReader) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	return err
}
