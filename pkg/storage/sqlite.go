package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/weight-tracker/weight-tracker/pkg/queue"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

// CommandPrune is a named command deleting rows older than its single
// argument, a cutoff in unix nanoseconds.
const CommandPrune = "prune"

const (
	schema = `
	CREATE TABLE IF NOT EXISTS Weights (
		Id INTEGER PRIMARY KEY AUTOINCREMENT,
		CreatedDate INTEGER NOT NULL,
		Data REAL NOT NULL,
		Samples INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_weights_created ON Weights(CreatedDate);
	`

	insertWeight  = "INSERT INTO Weights (CreatedDate, Data, Samples) VALUES (?, ?, ?)"
	selectBetween = "SELECT Id, CreatedDate, Data, Samples FROM Weights WHERE CreatedDate >= ? AND CreatedDate <= ? ORDER BY CreatedDate, Id"
	deleteBefore  = "DELETE FROM Weights WHERE CreatedDate < ?"
)

// DBFileName returns the database file name used for deviceName.
func DBFileName(deviceName string) string {
	return strings.ReplaceAll(deviceName, string(os.PathSeparator), "_") + ".db"
}

// SQLite is the weight database. Writes go through Execute, which the write
// queue calls from its single worker; reads use a separate read-only handle.
type SQLite struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create directory for %s", path)
	}

	writer, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open database %s", path)
	}
	// The queue worker is the only writer.
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(schema); err != nil {
		_ = writer.Close()
		return nil, pkgerrors.Wrap(err, "failed to apply schema")
	}

	reader, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		_ = writer.Close()
		return nil, pkgerrors.Wrapf(err, "failed to open read-only handle on %s", path)
	}

	logrus.WithField("path", path).Info("opened weight database")

	return &SQLite{path: path, writer: writer, reader: reader}, nil
}

func dsn(path string, readOnly bool) string {
	v := "file:" + path + "?_pragma=busy_timeout(5000)"
	if readOnly {
		return v + "&mode=ro"
	}
	return v + "&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes both handles.
func (s *SQLite) Close() error {
	rerr := s.reader.Close()
	if err := s.writer.Close(); err != nil {
		return pkgerrors.Wrap(err, "failed to close database")
	}
	return rerr
}

// Execute runs t as one transaction and commits it. It implements
// queue.Executor.
func (s *SQLite) Execute(ctx context.Context, t queue.Task) (queue.Result, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return queue.Result{}, pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var res queue.Result
	switch {
	case t.Op == CommandPrune:
		res, err = execute(ctx, tx, deleteBefore, t.Args)
	case isQuery(t.Op):
		res, err = query(ctx, tx, t.Op, t.Args)
	default:
		res, err = execute(ctx, tx, t.Op, t.Args)
	}
	if err != nil {
		return queue.Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return queue.Result{}, pkgerrors.Wrap(err, "failed to commit")
	}
	return res, nil
}

func isQuery(op string) bool {
	head, _, _ := strings.Cut(strings.TrimSpace(op), " ")
	switch strings.ToUpper(head) {
	case "SELECT", "WITH", "PRAGMA":
		return true
	}
	return false
}

func execute(ctx context.Context, tx *sql.Tx, stmt string, args []any) (queue.Result, error) {
	r, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return queue.Result{}, pkgerrors.Wrapf(err, "failed to execute %q", stmt)
	}

	var res queue.Result
	res.RowsAffected, _ = r.RowsAffected()
	res.LastInsertID, _ = r.LastInsertId()
	return res, nil
}

func query(ctx context.Context, tx *sql.Tx, stmt string, args []any) (queue.Result, error) {
	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return queue.Result{}, pkgerrors.Wrapf(err, "failed to query %q", stmt)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return queue.Result{}, pkgerrors.Wrap(err, "failed to read columns")
	}

	res := queue.Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return queue.Result{}, pkgerrors.Wrap(err, "failed to scan row")
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return queue.Result{}, pkgerrors.Wrap(err, "failed to iterate rows")
	}

	return res, nil
}

// InsertWeightTask returns the task storing rec.
func InsertWeightTask(rec types.WeightRecord) queue.Task {
	return queue.Task{
		Op:   insertWeight,
		Args: []any{rec.Timestamp, rec.Weight, rec.Samples},
	}
}

// PruneTask returns the task deleting rows created before cutoff.
func PruneTask(cutoff time.Time) queue.Task {
	return queue.Task{
		Op:   CommandPrune,
		Args: []any{cutoff.UnixNano()},
	}
}

// RangeTask returns a query task for rows created in [start, end]. Running
// it through the write queue orders it after every write accepted before it.
func RangeTask(start, end time.Time) queue.Task {
	return queue.Task{
		Op:   selectBetween,
		Args: []any{start.UnixNano(), end.UnixNano()},
	}
}

// WeightsBetween returns the rows created in [start, end] using the
// read-only handle. It does not wait for queued writes.
func (s *SQLite) WeightsBetween(ctx context.Context, start, end time.Time) ([]types.StoredWeight, error) {
	rows, err := s.reader.QueryContext(ctx, selectBetween, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query weights")
	}
	defer rows.Close()

	weights := make([]types.StoredWeight, 0)
	for rows.Next() {
		var w types.StoredWeight
		if err := rows.Scan(&w.ID, &w.CreatedDate, &w.Weight, &w.Samples); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan weight")
		}
		w.Time = time.Unix(0, w.CreatedDate)
		weights = append(weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to iterate weights")
	}

	return weights, nil
}

// WeightsFromResult converts the result of a RangeTask.
func WeightsFromResult(res queue.Result) ([]types.StoredWeight, error) {
	weights := make([]types.StoredWeight, 0, len(res.Rows))
	for i, row := range res.Rows {
		if len(row) != 4 {
			return nil, fmt.Errorf("row %d: expected 4 columns, got %d", i, len(row))
		}

		id, ok1 := asInt64(row[0])
		created, ok2 := asInt64(row[1])
		weight, ok3 := asFloat64(row[2])
		samples, ok4 := asInt64(row[3])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("row %d: unexpected column types %T %T %T %T", i, row[0], row[1], row[2], row[3])
		}

		weights = append(weights, types.StoredWeight{
			ID:          id,
			CreatedDate: created,
			Time:        time.Unix(0, created),
			Weight:      weight,
			Samples:     int(samples),
		})
	}
	return weights, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
