package storage

import (
	"database/sql"
	"time"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/snapshot"
)

// OperationRecord is a stored journal entry of a backend lifecycle call
type OperationRecord struct {
	ID         int64
	PlotID     string
	Key        string
	Action     pipeline.Action
	Kind       pipeline.Kind
	PipelineID pipeline.ID
	Error      *string
	RecordedAt time.Time
}

// Failed reports whether the recorded call returned an error
func (r *OperationRecord) Failed() bool {
	return r.Error != nil
}

// StoredSnapshot is a frozen plot window together with its storage metadata
type StoredSnapshot struct {
	snapshot.Snapshot

	ID      int64
	NumRows int
}

type operationData struct {
	ID         int64
	PlotID     string
	Key        string
	Action     string
	Kind       string
	PipelineID sql.NullString
	Error      sql.NullString
	RecordedAt time.Time
}

type snapshotData struct {
	ID        int64
	PlotID    string
	Title     string
	Keys      string
	StartTime float64
	EndTime   float64
	NumRows   int
	Data      string
	CreatedAt time.Time
}
