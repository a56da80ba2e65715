// Package journal is an opt-in sqlite record of a master run: one row
// per run, one per hand-off, one per worker exit. It is write-only
// accounting; dispatch never reads it back.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

var (
	createRuns = `create table if not exists runs (
    		id TEXT not null primary key,
    		socket_path TEXT not null,
    		concurrency INTEGER not null,
    		items INTEGER not null default 0,
    		started_at TEXT not null default (strftime('%Y-%m-%dT%H:%M:%fZ')),
    		finished_at TEXT
		) strict;`

	createHandoffs = `create table if not exists handoffs (
    		id TEXT not null primary key,
    		run_id TEXT not null,
    		seq INTEGER not null,
    		frame_size INTEGER not null,
    		created_at TEXT not null default (strftime('%Y-%m-%dT%H:%M:%fZ')),
    		FOREIGN KEY(run_id) REFERENCES runs(id)
		) strict;`

	createWorkerExits = `create table if not exists worker_exits (
    		id TEXT not null primary key,
    		run_id TEXT not null,
    		slot INTEGER not null,
    		pid INTEGER not null,
    		status INTEGER not null,
    		created_at TEXT not null default (strftime('%Y-%m-%dT%H:%M:%fZ')),
    		FOREIGN KEY(run_id) REFERENCES runs(id)
		) strict;`
)

type Journal struct {
	logger *slog.Logger
	db     *sqlx.DB
}

// Run is one master run's row.
type Run struct {
	Id          string  `db:"id"`
	SocketPath  string  `db:"socket_path"`
	Concurrency int64   `db:"concurrency"`
	Items       int64   `db:"items"`
	StartedAt   string  `db:"started_at"`
	FinishedAt  *string `db:"finished_at"`
}

// Handoff is one dispatched item's row.
type Handoff struct {
	Id        string `db:"id"`
	RunId     string `db:"run_id"`
	Seq       int64  `db:"seq"`
	FrameSize int64  `db:"frame_size"`
	CreatedAt string `db:"created_at"`
}

// WorkerExit is one reaped child's row.
type WorkerExit struct {
	Id        string `db:"id"`
	RunId     string `db:"run_id"`
	Slot      int64  `db:"slot"`
	Pid       int64  `db:"pid"`
	Status    int64  `db:"status"`
	CreatedAt string `db:"created_at"`
}

func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec("PRAGMA journal_size_limit = 67108864;")
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db, logger: logger}

	ctx := context.Background()
	err = j.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, ddl := range []string{createRuns, createHandoffs, createWorkerExits} {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
		return nil
	})

	return j, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun opens a run row and returns its id.
func (j *Journal) StartRun(ctx context.Context, socketPath string, concurrency int) (string, error) {
	id := ulid.Make().String()
	err := j.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into runs (id, socket_path, concurrency) values ($1, $2, $3)`,
			id, socketPath, concurrency)
		return err
	})
	return id, err
}

// RecordHandoff records that item seq was written to a worker.
func (j *Journal) RecordHandoff(ctx context.Context, runID string, seq int64, frameSize int) error {
	return j.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into handoffs (id, run_id, seq, frame_size) values ($1, $2, $3, $4)`,
			ulid.Make().String(), runID, seq, frameSize)
		return err
	})
}

// RecordExit records a reaped child's exit status.
func (j *Journal) RecordExit(ctx context.Context, runID string, slot, pid, status int) error {
	return j.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into worker_exits (id, run_id, slot, pid, status) values ($1, $2, $3, $4, $5)`,
			ulid.Make().String(), runID, slot, pid, status)
		return err
	})
}

// FinishRun stamps the run finished and records its item count.
func (j *Journal) FinishRun(ctx context.Context, runID string, items int64) error {
	return j.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`update runs set items = $1, finished_at = strftime('%Y-%m-%dT%H:%M:%fZ') where id = $2`,
			items, runID)
		return err
	})
}

// GetRun fetches one run row.
func (j *Journal) GetRun(ctx context.Context, runID string) (run Run, err error) {
	err = j.inTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `select * from runs where id = $1`, runID)
		if row.Err() != nil {
			return row.Err()
		}
		return row.StructScan(&run)
	})
	return run, err
}

// GetHandoffs fetches a run's hand-off rows in dispatch order.
func (j *Journal) GetHandoffs(ctx context.Context, runID string) (handoffs []Handoff, err error) {
	err = j.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, rowsErr := tx.QueryxContext(ctx, `select * from handoffs where run_id = $1 order by seq asc`, runID)
		if rowsErr != nil {
			return rowsErr
		}
		defer rows.Close()

		for rows.Next() {
			var rowValue Handoff
			if rowScanErr := rows.StructScan(&rowValue); rowScanErr != nil {
				return rowScanErr
			}
			handoffs = append(handoffs, rowValue)
		}
		return nil
	})
	return handoffs, err
}

// GetWorkerExits fetches a run's worker exit rows, oldest first.
func (j *Journal) GetWorkerExits(ctx context.Context, runID string) (exits []WorkerExit, err error) {
	err = j.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, rowsErr := tx.QueryxContext(ctx, `select * from worker_exits where run_id = $1 order by id asc`, runID)
		if rowsErr != nil {
			return rowsErr
		}
		defer rows.Close()

		for rows.Next() {
			var rowValue WorkerExit
			if rowScanErr := rows.StructScan(&rowValue); rowScanErr != nil {
				return rowScanErr
			}
			exits = append(exits, rowValue)
		}
		return nil
	})
	return exits, err
}

// write runs cb in a transaction, retrying briefly when sqlite reports
// the database busy or locked.
func (j *Journal) write(ctx context.Context, cb func(*sqlx.Tx) error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = j.inTx(ctx, cb)
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

func (j *Journal) inTx(ctx context.Context, cb func(*sqlx.Tx) error) (err error) {
	tx, beginErr := j.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("cannot start tx: %w", beginErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = rollback(tx, nil)
			panic(rec)
		}
	}()

	if err = cb(tx); err != nil {
		return rollback(tx, err)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("cannot commit tx: %w", commitErr)
	}

	return nil
}

func rollback(tx *sqlx.Tx, err error) error {
	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return fmt.Errorf("cannot roll back tx after error (tx error: %v), original error: %w", rollbackErr, err)
	}
	return err
}
