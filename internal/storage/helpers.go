package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/snapshot"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func toOperationData(op pipeline.Operation) *operationData {
	var errText string
	if op.Err != nil {
		errText = op.Err.Error()
	}

	at := op.At
	if at.IsZero() {
		at = time.Now()
	}

	return &operationData{
		PlotID:     op.PlotID,
		Key:        op.Key,
		Action:     string(op.Action),
		Kind:       string(op.Kind),
		PipelineID: toNullString(op.PipelineID.String()),
		Error:      toNullString(errText),
		RecordedAt: at.UTC(),
	}
}

func (d *operationData) record() *OperationRecord {
	return &OperationRecord{
		ID:         d.ID,
		PlotID:     d.PlotID,
		Key:        d.Key,
		Action:     pipeline.Action(d.Action),
		Kind:       pipeline.Kind(d.Kind),
		PipelineID: pipeline.ID(d.PipelineID.String),
		Error:      fromNullString(d.Error),
		RecordedAt: d.RecordedAt,
	}
}

func toSnapshotData(s snapshot.Snapshot) (*snapshotData, error) {
	keys := s.Keys
	if keys == nil {
		keys = []string{}
	}
	k, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshaling keys: %w", err)
	}

	d, err := json.Marshal(s.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling plot data: %w", err)
	}

	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &snapshotData{
		PlotID:    s.PlotID,
		Title:     s.Title,
		Keys:      string(k),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		NumRows:   s.Data.Len(),
		Data:      string(d),
		CreatedAt: createdAt.UTC(),
	}, nil
}

// snapshot decodes the row. Data is only decoded when withData is set.
func (d *snapshotData) snapshot(withData bool) (*StoredSnapshot, error) {
	s := StoredSnapshot{
		Snapshot: snapshot.Snapshot{
			PlotID:    d.PlotID,
			Title:     d.Title,
			StartTime: d.StartTime,
			EndTime:   d.EndTime,
			CreatedAt: d.CreatedAt,
		},
		ID:      d.ID,
		NumRows: d.NumRows,
	}

	if err := json.Unmarshal([]byte(d.Keys), &s.Keys); err != nil {
		return nil, fmt.Errorf("unmarshaling keys of snapshot %d: %w", d.ID, err)
	}
	if withData {
		if err := json.Unmarshal([]byte(d.Data), &s.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling data of snapshot %d: %w", d.ID, err)
		}
	}
	return &s, nil
}
