// Package storage keeps a journal of backend pipeline lifecycle calls and the frozen
// windows of paused plots.
package storage

import (
	"context"
	"errors"

	_ "github.com/mattn/go-sqlite3"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/snapshot"
)

// ErrNoData indicates either that no record matches the given parameters, or that all
// matching records have been read from a reader.
var ErrNoData = errors.New("no data available")

// Store provides journal and snapshot storage operations. All write operations are atomic.
type Store interface {
	pipeline.Journal
	snapshot.Store

	// ReadOperations creates a reader over journal entries.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - opts: Optional filters (WithPlot, WithTimeRange)
	//
	// Returns:
	//   - reader: Iterator over matching entries in recording order; must be closed
	//   - error: If the query fails or the filters are inconsistent
	ReadOperations(ctx context.Context, opts ...ReaderOption) (*OperationReader, error)

	// Snapshot retrieves a snapshot, including its data, by its ID.
	//
	// Returns ErrNoData if no snapshot has the ID.
	Snapshot(ctx context.Context, id int64) (*StoredSnapshot, error)

	// Snapshots returns the metadata of all snapshots in creation order. Data is left empty.
	Snapshots(ctx context.Context) ([]*StoredSnapshot, error)

	// Close releases all database connections. It is safe to call Close multiple times.
	Close() error
}
