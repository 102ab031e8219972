package mysql

import (
	"context"
	"database/sql"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	driver "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/quanxiang-cloud/cabin/time"
)

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

const stageRunColumns = "id, pipeline_name, pipeline_counter, stage_name, counter, state, triggered_by, approved_by, cancelled_by, scheduled_at, updated_at"

type runState struct {
	db  *sql.DB
	now func() int64
}

func NewRunState(db *sql.DB) database.RunStateStore {
	return &runState{
		db:  db,
		now: time.NowUnix,
	}
}

// classify turns lock and uniqueness failures into conflicts.
func classify(err error, message string) error {
	var me *driver.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDuplicateEntry, errLockWaitTimeout, errDeadlockDetected:
			return errors.WithKind(errors.KindConflict, err, message)
		}
	}
	return errors.Wrap(err, message)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStageRun(row scanner) (*v1alpha1.StageRun, error) {
	sr := &v1alpha1.StageRun{}
	var (
		state                                string
		triggeredBy, approvedBy, cancelledBy sql.NullString
		updatedAt                            sql.NullInt64
	)
	err := row.Scan(&sr.ID, &sr.PipelineName, &sr.PipelineCounter, &sr.StageName, &sr.Counter, &state,
		&triggeredBy, &approvedBy, &cancelledBy, &sr.ScheduledAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sr.State = v1alpha1.StageState(state)
	sr.TriggeredBy = triggeredBy.String
	sr.ApprovedBy = approvedBy.String
	sr.CancelledBy = cancelledBy.String
	sr.UpdatedAt = updatedAt.Int64
	return sr, nil
}

func (r *runState) CreatePipelineRun(ctx context.Context, plr *v1alpha1.PipelineRun) error {
	stages, err := json.Marshal(plr.Stages)
	if err != nil {
		return errors.Wrap(err, "fail marshal pipeline run stages")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "fail begin transaction")
	}
	defer tx.Rollback() // nolint: errcheck

	var latest int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(counter), 0) FROM pipeline_run WHERE pipeline_name = ? FOR UPDATE",
		plr.PipelineName,
	).Scan(&latest)
	if err != nil {
		return classify(err, "fail get latest pipeline counter")
	}

	if plr.CreatedAt == 0 {
		plr.CreatedAt = r.now()
	}
	row, err := tx.ExecContext(ctx,
		"INSERT INTO pipeline_run (pipeline_name, counter, triggered_by, stages, created_at) VALUES (?, ?, ?, ?, ?)",
		plr.PipelineName,
		latest+1,
		plr.TriggeredBy,
		string(stages),
		plr.CreatedAt,
	)
	if err != nil {
		return classify(err, "fail insert pipeline run")
	}

	id, err := row.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "fail get last insert id from pipeline run")
	}
	if err = tx.Commit(); err != nil {
		return classify(err, "fail commit pipeline run")
	}

	plr.ID = id
	plr.Counter = latest + 1
	return nil
}

func (r *runState) GetPipelineRun(ctx context.Context, pipelineName string, counter int64) (*v1alpha1.PipelineRun, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, pipeline_name, counter, triggered_by, stages, created_at FROM pipeline_run WHERE pipeline_name = ? AND counter = ?",
		pipelineName, counter,
	)

	plr := &v1alpha1.PipelineRun{}
	var stages sql.NullString
	err := row.Scan(&plr.ID, &plr.PipelineName, &plr.Counter, &plr.TriggeredBy, &stages, &plr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run")
	}

	if stages.Valid && stages.String != "" {
		if err = json.Unmarshal([]byte(stages.String), &plr.Stages); err != nil {
			return nil, errors.Wrap(err, "fail unmarshal pipeline run stages")
		}
	}
	return plr, nil
}

func (r *runState) LatestPipelineCounter(ctx context.Context, pipelineName string) (int64, error) {
	var latest int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(counter), 0) FROM pipeline_run WHERE pipeline_name = ?",
		pipelineName,
	).Scan(&latest)
	if err != nil {
		return 0, errors.Wrap(err, "fail get latest pipeline counter")
	}
	return latest, nil
}

func (r *runState) CreateStageRun(ctx context.Context, sr *v1alpha1.StageRun, opts database.CreateOptions) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "fail begin transaction")
	}
	defer tx.Rollback() // nolint: errcheck

	var pipelineRunID int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM pipeline_run WHERE pipeline_name = ? AND counter = ?",
		sr.PipelineName, sr.PipelineCounter,
	).Scan(&pipelineRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Newf(errors.KindNotFound, "pipeline run %s/%d not found", sr.PipelineName, sr.PipelineCounter)
	}
	if err != nil {
		return errors.Wrap(err, "fail get pipeline run")
	}

	if opts.ExpectedLatestPipelineCounter != 0 {
		var latest int64
		err = tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(counter), 0) FROM pipeline_run WHERE pipeline_name = ? FOR UPDATE",
			sr.PipelineName,
		).Scan(&latest)
		if err != nil {
			return errors.Wrap(err, "fail get latest pipeline counter")
		}
		if latest != opts.ExpectedLatestPipelineCounter {
			return errors.Newf(errors.KindConflict,
				"pipeline %s moved from counter %d to %d", sr.PipelineName, opts.ExpectedLatestPipelineCounter, latest)
		}
	}

	var (
		lastCounter int64
		lastState   string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT counter, state FROM stage_run WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ? ORDER BY counter DESC LIMIT 1 FOR UPDATE",
		sr.PipelineName, sr.PipelineCounter, sr.StageName,
	).Scan(&lastCounter, &lastState)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(err, "fail lock stage instance")
	}
	if v1alpha1.StageState(lastState).IsActive() {
		return errors.Newf(errors.KindConflict,
			"stage %s already has an active run (counter %d, %s)", sr.Identifier(), lastCounter, lastState)
	}

	now := r.now()
	if sr.State == "" {
		sr.State = v1alpha1.StageScheduled
	}
	row, err := tx.ExecContext(ctx,
		"INSERT INTO stage_run (pipeline_name, pipeline_counter, stage_name, counter, state, triggered_by, approved_by, cancelled_by, scheduled_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sr.PipelineName,
		sr.PipelineCounter,
		sr.StageName,
		lastCounter+1,
		string(sr.State),
		sr.TriggeredBy,
		sr.ApprovedBy,
		sr.CancelledBy,
		now,
		now,
	)
	if err != nil {
		return classify(err, "fail insert stage run")
	}

	id, err := row.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "fail get last insert id from stage run")
	}
	if err = tx.Commit(); err != nil {
		return classify(err, "fail commit stage run")
	}

	sr.ID = id
	sr.Counter = lastCounter + 1
	sr.ScheduledAt = now
	sr.UpdatedAt = now
	return nil
}

func (r *runState) GetStageRun(ctx context.Context, id int64) (*v1alpha1.StageRun, error) {
	sr, err := scanStageRun(r.db.QueryRowContext(ctx,
		"SELECT "+stageRunColumns+" FROM stage_run WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fail get stage run")
	}
	return sr, nil
}

func (r *runState) ListStageRuns(ctx context.Context, id v1alpha1.StageIdentifier) ([]*v1alpha1.StageRun, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+stageRunColumns+" FROM stage_run WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ? ORDER BY counter",
		id.PipelineName, id.PipelineCounter, id.StageName,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fail list stage runs")
	}
	return collect(rows)
}

func (r *runState) LatestStageRuns(ctx context.Context, pipelineName string, pipelineCounter int64) ([]*v1alpha1.StageRun, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT s.id, s.pipeline_name, s.pipeline_counter, s.stage_name, s.counter, s.state, s.triggered_by, s.approved_by, s.cancelled_by, s.scheduled_at, s.updated_at "+
			"FROM stage_run s JOIN (SELECT stage_name, MAX(counter) AS counter FROM stage_run WHERE pipeline_name = ? AND pipeline_counter = ? GROUP BY stage_name) l "+
			"ON s.stage_name = l.stage_name AND s.counter = l.counter WHERE s.pipeline_name = ? AND s.pipeline_counter = ? ORDER BY s.id",
		pipelineName, pipelineCounter, pipelineName, pipelineCounter,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fail list latest stage runs")
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*v1alpha1.StageRun, error) {
	defer rows.Close()

	runs := make([]*v1alpha1.StageRun, 0)
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "fail scan stage run")
		}
		runs = append(runs, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "fail iterate stage runs")
	}
	return runs, nil
}

func (r *runState) TransitionStageRun(ctx context.Context, id int64, state v1alpha1.StageState, by string) (*v1alpha1.StageRun, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fail begin transaction")
	}
	defer tx.Rollback() // nolint: errcheck

	sr, err := scanStageRun(tx.QueryRowContext(ctx,
		"SELECT "+stageRunColumns+" FROM stage_run WHERE id = ? FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "stage run %d not found", id)
	}
	if err != nil {
		return nil, classify(err, "fail lock stage run")
	}

	if !sr.State.CanTransitionTo(state) {
		return nil, errors.Newf(errors.KindConflict,
			"stage run %d (%s #%d) cannot move from %s to %s", id, sr.Identifier(), sr.Counter, sr.State, state)
	}

	sr.State = state
	sr.UpdatedAt = r.now()
	if state == v1alpha1.StageCancelled {
		sr.CancelledBy = by
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE stage_run SET state = ?, cancelled_by = ?, updated_at = ? WHERE id = ?",
		string(sr.State), sr.CancelledBy, sr.UpdatedAt, sr.ID,
	)
	if err != nil {
		return nil, classify(err, "fail update stage run")
	}
	if err = tx.Commit(); err != nil {
		return nil, classify(err, "fail commit stage run")
	}
	return sr, nil
}
