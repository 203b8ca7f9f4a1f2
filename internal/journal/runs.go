package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voxmerge/internal/failures"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Run is one recorded invocation.
type Run struct {
	ID           string                          `json:"id"`
	Command      string                          `json:"command"`
	Status       RunStatus                       `json:"status"`
	StartedAt    time.Time                       `json:"started_at"`
	FinishedAt   time.Time                       `json:"finished_at,omitzero"`
	Stages       map[string]failures.StageCounts `json:"stages,omitempty"`
	FailureCount int                             `json:"failure_count"`
}

// Failure is one failed item of a run.
type Failure struct {
	RunID       string        `json:"run_id"`
	Stage       string        `json:"stage"`
	Kind        failures.Kind `json:"kind"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Path        string        `json:"path,omitempty"`
	Detail      string        `json:"detail"`
	CreatedAt   time.Time     `json:"created_at"`
}

// FailureFilter narrows Failures. An empty RunID selects the latest run that
// recorded failures.
type FailureFilter struct {
	RunID string
	Kind  failures.Kind
	Limit int
}

// StartRun records a run as running.
func (s *Store) StartRun(ctx context.Context, id, command string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("start run: id is required")
	}
	if err := s.exec(ctx,
		`INSERT INTO runs (id, command, status, started_at) VALUES (?, ?, ?, ?)`,
		id, command, string(RunRunning), formatTime(startedAt),
	); err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// FinishRun stores the final status, the per-stage counts and every failed
// item of summary in one transaction.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, summary *failures.Summary) error {
	stages := map[string]failures.StageCounts{}
	var items []failures.Item
	if summary != nil {
		for _, name := range summary.Stages() {
			stages[name] = summary.Stage(name)
		}
		items = summary.Items()
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("encode stage counts: %w", err)
	}

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ?, stages_json = ?, failure_count = ? WHERE id = ?`,
			string(status), formatTime(finishedAt), string(stagesJSON), len(items), id)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("finish run %s: %w", id, sql.ErrNoRows)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO failures (run_id, stage, kind, fingerprint, path, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare failure insert: %w", err)
		}
		defer stmt.Close()
		created := formatTime(finishedAt)
		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, id, item.Stage, string(item.Kind),
				nullableString(item.Fingerprint), nullableString(item.Path), nullableString(item.Detail), created); err != nil {
				return fmt.Errorf("record failure %s: %w", item.Path, err)
			}
		}
		return tx.Commit()
	})
}

const runColumns = "id, command, status, started_at, finished_at, stages_json, failure_count"

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run         Run
		status      string
		startedRaw  string
		finishedRaw sql.NullString
		stagesRaw   sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.Command, &status, &startedRaw, &finishedRaw, &stagesRaw, &run.FailureCount); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	if t, err := parseTimeString(startedRaw); err == nil {
		run.StartedAt = t
	}
	if t, err := parseTimeString(finishedRaw.String); err == nil {
		run.FinishedAt = t
	}
	if stagesRaw.Valid && stagesRaw.String != "" {
		if err := json.Unmarshal([]byte(stagesRaw.String), &run.Stages); err != nil {
			return Run{}, fmt.Errorf("decode stage counts for run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

// Failures lists failed items, grouped by kind in report order.
func (s *Store) Failures(ctx context.Context, filter FailureFilter) ([]Failure, error) {
	runID := filter.RunID
	if runID == "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM runs WHERE failure_count > 0 ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find latest failed run: %w", err)
		}
	}

	query := `SELECT run_id, stage, kind, fingerprint, path, detail, created_at FROM failures WHERE run_id = ?`
	args := []any{runID}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f                Failure
			kind, createdRaw string
			fp, path, detail sql.NullString
		)
		if err := rows.Scan(&f.RunID, &f.Stage, &kind, &fp, &path, &detail, &createdRaw); err != nil {
			return nil, err
		}
		f.Kind = failures.Kind(kind)
		f.Fingerprint = fp.String
		f.Path = path.String
		f.Detail = detail.String
		if t, err := parseTimeString(createdRaw); err == nil {
			f.CreatedAt = t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep runs and their failures.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int64
	const stale = `SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT -1 OFFSET ?`
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM failures WHERE run_id IN (`+stale+`)`, keep); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return removed, nil
}
