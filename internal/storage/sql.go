package storage

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS operations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    plot_id     TEXT      NOT NULL,
    key         TEXT      NOT NULL,
    action      TEXT      NOT NULL,
    kind        TEXT      NOT NULL,
    pipeline_id TEXT,
    error       TEXT,
    recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    plot_id    TEXT      NOT NULL,
    title      TEXT      NOT NULL,
    keys       TEXT      NOT NULL,
    start_time REAL      NOT NULL,
    end_time   REAL      NOT NULL,
    num_rows   INTEGER   NOT NULL,
    data       TEXT      NOT NULL,
    created_at TIMESTAMP NOT NULL
);`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_operations_plot_time ON operations (plot_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_plot ON snapshots (plot_id);`

	insertOperationSQL = `
INSERT INTO operations (plot_id,
                        key,
                        action,
                        kind,
                        pipeline_id,
                        error,
                        recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectOperationsSQL = `
SELECT
    id,
    plot_id,
    key,
    action,
    kind,
    pipeline_id,
    error,
    recorded_at
FROM operations
WHERE
    (? = '' OR plot_id = ?)
    AND recorded_at >= ?
    AND recorded_at <= ?
ORDER BY id`

	insertSnapshotSQL = `
INSERT INTO snapshots (plot_id,
                       title,
                       keys,
                       start_time,
                       end_time,
                       num_rows,
                       data,
                       created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectSnapshotSQL = `
SELECT
    id,
    plot_id,
    title,
    keys,
    start_time,
    end_time,
    num_rows,
    data,
    created_at
FROM snapshots
WHERE
    id = ?`

	selectSnapshotsSQL = `
SELECT
    id,
    plot_id,
    title,
    keys,
    start_time,
    end_time,
    num_rows,
    created_at
FROM snapshots
ORDER BY id`
)
