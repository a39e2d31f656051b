package data

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mchmarny/sepeval/pkg/report"
	"github.com/pkg/errors"
)

const (
	defaultHistoryLimit = 100

	// fixed width so stored times sort lexicographically
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	insertRunSQL = `INSERT INTO run (id, run_dir, model, device, started_at) VALUES (?, ?, ?, ?, ?)`

	upsertCheckpointSQL = `INSERT INTO checkpoint_result
			(run_id, checkpoint, state, examples, silent, failed, duration, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, checkpoint) DO UPDATE SET
			state = excluded.state,
			examples = excluded.examples,
			silent = excluded.silent,
			failed = excluded.failed,
			duration = excluded.duration,
			error = excluded.error
	`

	deleteSummariesSQL = `DELETE FROM metric_summary WHERE run_id = ? AND checkpoint = ?`

	insertSummarySQL = `INSERT INTO metric_summary (run_id, checkpoint, kind, mean, std, count)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	selectHistorySQL = `WITH recent AS (
			SELECT c.run_id, c.checkpoint, c.state, r.started_at
			FROM checkpoint_result c
			JOIN run r ON c.run_id = r.id
			WHERE r.run_dir = COALESCE(?, r.run_dir)
				AND EXISTS (SELECT 1 FROM metric_summary m
					WHERE m.run_id = c.run_id AND m.checkpoint = c.checkpoint)
			ORDER BY r.started_at DESC, c.checkpoint
			LIMIT ?
		)
		SELECT
			r.id,
			r.run_dir,
			r.model,
			r.device,
			r.started_at,
			k.checkpoint,
			k.state,
			s.kind,
			s.mean,
			s.std,
			s.count
		FROM recent k
		JOIN metric_summary s ON s.run_id = k.run_id AND s.checkpoint = k.checkpoint
		JOIN run r ON k.run_id = r.id
		ORDER BY k.started_at DESC, k.checkpoint, s.kind
	`
)

// Run is one invocation of the harness against a run directory.
type Run struct {
	ID        string    `json:"id" yaml:"id"`
	RunDir    string    `json:"run_dir" yaml:"run_dir"`
	Model     string    `json:"model" yaml:"model"`
	Device    string    `json:"device" yaml:"device"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// NewRun returns a run with a fresh ID started now.
func NewRun(runDir, model, device string) *Run {
	return &Run{
		ID:        uuid.NewString(),
		RunDir:    runDir,
		Model:     model,
		Device:    device,
		StartedAt: time.Now().UTC(),
	}
}

// HistoryItem is one stored metric summary with its run and checkpoint.
type HistoryItem struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	RunDir     string    `json:"run_dir" yaml:"run_dir"`
	Model      string    `json:"model" yaml:"model"`
	Device     string    `json:"device" yaml:"device"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	Checkpoint string    `json:"checkpoint" yaml:"checkpoint"`
	State      string    `json:"state" yaml:"state"`
	Kind       string    `json:"kind" yaml:"kind"`
	Mean       float64   `json:"mean" yaml:"mean"`
	Std        float64   `json:"std" yaml:"std"`
	Count      int       `json:"count" yaml:"count"`
}

func SaveRun(db *sql.DB, r *Run) error {
	if db == nil {
		return errDBNotInitialized
	}
	if r == nil || r.ID == "" || r.RunDir == "" {
		return errors.New("run with id and run dir required")
	}

	if _, err := db.Exec(insertRunSQL, r.ID, r.RunDir, r.Model, r.Device, r.StartedAt.UTC().Format(timeLayout)); err != nil {
		return errors.Wrapf(err, "failed to insert run %s", r.ID)
	}
	return nil
}

// SaveCheckpointResult stores the outcome of one checkpoint and replaces
// any summaries previously stored for it.
func SaveCheckpointResult(db *sql.DB, runID string, c *report.CheckpointReport) error {
	if db == nil {
		return errDBNotInitialized
	}
	if runID == "" || c == nil || c.Checkpoint == "" {
		return errors.Errorf("run id: %s and checkpoint are required", runID)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if _, err := tx.Exec(upsertCheckpointSQL, runID, c.Checkpoint, c.State,
		c.Examples, c.Silent, c.Failed, c.Duration, c.Error); err != nil {
		return rollback(tx, errors.Wrapf(err, "failed to save checkpoint %s", c.Checkpoint))
	}

	if _, err := tx.Exec(deleteSummariesSQL, runID, c.Checkpoint); err != nil {
		return rollback(tx, errors.Wrapf(err, "failed to clear summaries of %s", c.Checkpoint))
	}

	stmt, err := tx.Prepare(insertSummarySQL)
	if err != nil {
		return rollback(tx, errors.Wrap(err, "failed to prepare summary insert statement"))
	}
	defer stmt.Close()

	for _, s := range c.Summaries {
		if _, err := stmt.Exec(runID, c.Checkpoint, string(s.Kind), s.Mean, s.Std, s.Count); err != nil {
			return rollback(tx, errors.Wrapf(err, "failed to save %s summary of %s", s.Kind, c.Checkpoint))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return errors.Wrapf(err, "rollback failed: %v", rbErr)
	}
	return err
}

// GetSummaries returns stored summaries, newest run first. An empty runDir
// matches every run. The limit counts checkpoints, so every summary kind of
// a returned checkpoint is included.
func GetSummaries(db *sql.DB, runDir string, limit int) ([]*HistoryItem, error) {
	if db == nil {
		return nil, errDBNotInitialized
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var dir *string
	if runDir != "" {
		dir = &runDir
	}

	rows, err := db.Query(selectHistorySQL, dir, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute history select statement")
	}
	defer rows.Close()

	list := make([]*HistoryItem, 0)
	for rows.Next() {
		h := &HistoryItem{}
		var started string
		if err := rows.Scan(&h.RunID, &h.RunDir, &h.Model, &h.Device, &started,
			&h.Checkpoint, &h.State, &h.Kind, &h.Mean, &h.Std, &h.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		if h.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, errors.Wrapf(err, "invalid start time %q", started)
		}
		list = append(list, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate history rows")
	}

	return list, nil
}
