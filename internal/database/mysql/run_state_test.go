package mysql

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	driver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
)

var stageRunRow = []string{"id", "pipeline_name", "pipeline_counter", "stage_name", "counter", "state",
	"triggered_by", "approved_by", "cancelled_by", "scheduled_at", "updated_at"}

func newMock(t *testing.T) (*runState, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &runState{db: db, now: func() int64 { return 100 }}, mock
}

func expectPipelineRun(mock sqlmock.Sqlmock, name string, counter int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM pipeline_run WHERE pipeline_name = ? AND counter = ?")).
		WithArgs(name, counter).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
}

func expectLastStageRun(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT counter, state FROM stage_run WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ? ORDER BY counter DESC LIMIT 1 FOR UPDATE")).
		WithArgs("build-app", int64(42), "unit-tests").
		WillReturnRows(rows)
}

func unitTests() *v1alpha1.StageRun {
	return &v1alpha1.StageRun{
		PipelineName:    "build-app",
		PipelineCounter: 42,
		StageName:       "unit-tests",
		TriggeredBy:     "alice",
		ApprovedBy:      "alice",
	}
}

func TestCreatePipelineRun(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(counter), 0) FROM pipeline_run WHERE pipeline_name = ? FOR UPDATE")).
		WithArgs("build-app").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(41)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pipeline_run")).
		WithArgs("build-app", int64(42), "alice", `["build","unit-tests"]`, int64(100)).
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectCommit()

	plr := &v1alpha1.PipelineRun{PipelineName: "build-app", TriggeredBy: "alice", Stages: []string{"build", "unit-tests"}}
	require.NoError(t, store.CreatePipelineRun(context.Background(), plr))
	assert.Equal(t, int64(9), plr.ID)
	assert.Equal(t, int64(42), plr.Counter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipelineRun(t *testing.T) {
	store, mock := newMock(t)
	query := regexp.QuoteMeta("SELECT id, pipeline_name, counter, triggered_by, stages, created_at FROM pipeline_run WHERE pipeline_name = ? AND counter = ?")

	mock.ExpectQuery(query).WithArgs("build-app", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pipeline_name", "counter", "triggered_by", "stages", "created_at"}).
			AddRow(int64(9), "build-app", int64(42), "alice", `["build","unit-tests","deploy"]`, int64(100)))
	mock.ExpectQuery(query).WithArgs("build-app", int64(43)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pipeline_name", "counter", "triggered_by", "stages", "created_at"}))

	plr, err := store.GetPipelineRun(context.Background(), "build-app", 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "unit-tests", "deploy"}, plr.Stages)

	missing, err := store.GetPipelineRun(context.Background(), "build-app", 43)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStageRunNextCounter(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	expectPipelineRun(mock, "build-app", 42)
	expectLastStageRun(mock, sqlmock.NewRows([]string{"counter", "state"}).AddRow(int64(2), "Failed"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_run")).
		WithArgs("build-app", int64(42), "unit-tests", int64(3), "Scheduled", "alice", "alice", "", int64(100), int64(100)).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	sr := unitTests()
	require.NoError(t, store.CreateStageRun(context.Background(), sr, database.CreateOptions{}))
	assert.Equal(t, int64(11), sr.ID)
	assert.Equal(t, int64(3), sr.Counter)
	assert.Equal(t, v1alpha1.StageScheduled, sr.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStageRunActiveConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	expectPipelineRun(mock, "build-app", 42)
	expectLastStageRun(mock, sqlmock.NewRows([]string{"counter", "state"}).AddRow(int64(3), "Building"))
	mock.ExpectRollback()

	err := store.CreateStageRun(context.Background(), unitTests(), database.CreateOptions{})
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStageRunStaleCounter(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	expectPipelineRun(mock, "build-app", 42)
	expectLatestLocked(mock, 43)
	mock.ExpectRollback()

	err := store.CreateStageRun(context.Background(), unitTests(), database.CreateOptions{ExpectedLatestPipelineCounter: 42})
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStageRunLatestCounterHeld(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	expectPipelineRun(mock, "build-app", 42)
	expectLatestLocked(mock, 42)
	expectLastStageRun(mock, sqlmock.NewRows([]string{"counter", "state"}).AddRow(int64(1), "Passed"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_run")).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectCommit()

	sr := unitTests()
	require.NoError(t, store.CreateStageRun(context.Background(), sr, database.CreateOptions{ExpectedLatestPipelineCounter: 42}))
	assert.Equal(t, int64(2), sr.Counter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// expectLatestLocked expects the latest pipeline counter to be read under a
// row lock, so no pipeline run can be created before the insert commits.
func expectLatestLocked(mock sqlmock.Sqlmock, latest int64) {
	mock.ExpectQuery("^" + regexp.QuoteMeta("SELECT COALESCE(MAX(counter), 0) FROM pipeline_run WHERE pipeline_name = ? FOR UPDATE") + "$").
		WithArgs("build-app").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(latest))
}

func TestCreateStageRunDuplicateEntry(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	expectPipelineRun(mock, "build-app", 42)
	expectLastStageRun(mock, sqlmock.NewRows([]string{"counter", "state"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_run")).
		WillReturnError(&driver.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := store.CreateStageRun(context.Background(), unitTests(), database.CreateOptions{})
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStageRunMissingPipelineRun(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM pipeline_run WHERE pipeline_name = ? AND counter = ?")).
		WithArgs("build-app", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.CreateStageRun(context.Background(), unitTests(), database.CreateOptions{})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStageRunCancel(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stage_run WHERE id = ? FOR UPDATE")).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(stageRunRow).
			AddRow(int64(11), "build-app", int64(42), "deploy", int64(1), "Building", "alice", nil, nil, int64(90), int64(95)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE stage_run SET state = ?, cancelled_by = ?, updated_at = ? WHERE id = ?")).
		WithArgs("Cancelled", "bob", int64(100), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sr, err := store.TransitionStageRun(context.Background(), 11, v1alpha1.StageCancelled, "bob")
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.StageCancelled, sr.State)
	assert.Equal(t, "bob", sr.CancelledBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStageRunFinished(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM stage_run WHERE id = ? FOR UPDATE")).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(stageRunRow).
			AddRow(int64(11), "build-app", int64(42), "deploy", int64(1), "Passed", "alice", nil, nil, int64(90), int64(95)))
	mock.ExpectRollback()

	_, err := store.TransitionStageRun(context.Background(), 11, v1alpha1.StageCancelled, "bob")
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStageRuns(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stage_run WHERE pipeline_name = ? AND pipeline_counter = ? AND stage_name = ? ORDER BY counter")).
		WithArgs("build-app", int64(42), "unit-tests").
		WillReturnRows(sqlmock.NewRows(stageRunRow).
			AddRow(int64(3), "build-app", int64(42), "unit-tests", int64(1), "Failed", "alice", "", "", int64(10), int64(20)).
			AddRow(int64(11), "build-app", int64(42), "unit-tests", int64(2), "Building", "alice", "alice", nil, int64(30), nil))

	runs, err := store.ListStageRuns(context.Background(), v1alpha1.StageIdentifier{
		PipelineName:    "build-app",
		PipelineCounter: 42,
		StageName:       "unit-tests",
	})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(2), runs[1].Counter)
	assert.Equal(t, v1alpha1.StageBuilding, runs[1].State)
	assert.Zero(t, runs[1].UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainMode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewDrainMode(db)
	query := regexp.QuoteMeta("SELECT drained, updated_by, updated_on FROM drain_mode WHERE id = 1")

	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"drained", "updated_by", "updated_on"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO drain_mode (id, drained, updated_by, updated_on) VALUES (1, ?, ?, ?)")).
		WithArgs(true, "admin", int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"drained", "updated_by", "updated_on"}).
		AddRow(true, "admin", int64(100)))

	dm, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, dm.Drained)

	require.NoError(t, repo.Save(context.Background(), &v1alpha1.DrainMode{Drained: true, UpdatedBy: "admin", UpdatedOn: 100}))

	dm, err = repo.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.DrainMode{Drained: true, UpdatedBy: "admin", UpdatedOn: 100}, *dm)
	assert.NoError(t, mock.ExpectationsWereMet())
}
