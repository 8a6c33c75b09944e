package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/planner"
	"github.com/kartikbazzad/tabflow/internal/queue"
	"github.com/kartikbazzad/tabflow/internal/scheduler"
	"github.com/kartikbazzad/tabflow/internal/store"
)

type services struct {
	registry *RegistryService
	exec     *ExecutionService
	cache    *TemplateCache
}

func newServices(t *testing.T) *services {
	t.Helper()
	st := store.NewMemory()
	q, err := queue.NewMemory(2)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	gate, err := authz.NewEnforcer()
	require.NoError(t, err)
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)
	pl := planner.New(models.TransactionByExecution)
	sched := scheduler.New(st, q, 0, 0)
	return &services{
		registry: NewRegistryService(st, nil, cache),
		exec:     NewExecutionService(st, pl, sched, gate, cache),
		cache:    cache,
	}
}

func (s *services) seedPipeline(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := s.registry.CreateCollection(ctx, "demo")
	require.NoError(t, err)
	_, err = s.registry.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "ingest", Outputs: []string{"raw"}})
	require.NoError(t, err)
	_, err = s.registry.RegisterFunction(ctx, RegisterInput{
		Collection: "demo", Name: "clean", Outputs: []string{"tidy"},
		Refs: []RefInput{
			{Kind: models.RefTrigger, TableName: "raw"},
			{Kind: models.RefDependency, TableName: "raw", Expr: "HEAD"},
		},
	})
	require.NoError(t, err)
}

var (
	admin  = &Principal{Name: "root", Role: authz.RoleAdmin}
	viewer = &Principal{Name: "spectator", Role: authz.RoleViewer}
	worker = &Principal{Name: "runner", Role: authz.RoleWorker}
)

func TestCreateExecutionAuthorization(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)
	ctx := context.Background()

	_, err := s.exec.CreateExecution(ctx, viewer, "demo", "ingest", "")
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = s.exec.CreateExecution(ctx, nil, "demo", "ingest", "")
	assert.ErrorIs(t, err, models.ErrForbidden)

	exec, err := s.exec.CreateExecution(ctx, admin, "demo", "ingest", "nightly")
	require.NoError(t, err)
	assert.Equal(t, "root", exec.TriggeredBy)
	assert.Equal(t, models.ExecutionScheduled, exec.Status)

	runs, err := s.exec.ListFunctionRuns(ctx, admin, store.FunctionRunFilter{ExecutionID: exec.ID}, store.Page{})
	require.NoError(t, err)
	assert.Len(t, runs, 2, "the trigger closure schedules ingest and clean")
}

func TestCreateExecutionUnknownFunction(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)

	_, err := s.exec.CreateExecution(context.Background(), admin, "demo", "ghost", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTemplateIsCachedPerVersion(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)
	ctx := context.Background()

	tmpl, err := s.exec.Template(ctx, viewer, "demo", "ingest")
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "clean"}, tmpl.TriggeredFunctions)
	assert.Contains(t, tmpl.DOT, "digraph")

	again, err := s.exec.Template(ctx, viewer, "demo", "ingest")
	require.NoError(t, err)
	assert.Equal(t, tmpl, again)

	// A new registration invalidates the preview.
	_, err = s.registry.RegisterFunction(ctx, RegisterInput{
		Collection: "demo", Name: "report", Outputs: []string{"summary"},
		Refs: []RefInput{{Kind: models.RefTrigger, TableName: "tidy"}},
	})
	require.NoError(t, err)

	after, err := s.exec.Template(ctx, viewer, "demo", "ingest")
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "clean", "report"}, after.TriggeredFunctions)
}

func TestWorkerSurfaceAuthorization(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)
	ctx := context.Background()

	_, err := s.exec.CreateExecution(ctx, admin, "demo", "ingest", "")
	require.NoError(t, err)

	_, err = s.exec.Poll(ctx, viewer)
	assert.ErrorIs(t, err, models.ErrForbidden)

	batch, err := s.exec.Poll(ctx, worker)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.exec.CommitDispatch(ctx, worker, batch[0].Run.ID))
	require.NoError(t, s.exec.ReportResult(ctx, worker, batch[0].Run.ID, scheduler.ResultDone))

	err = s.exec.ReportResult(ctx, viewer, batch[0].Run.ID, scheduler.ResultDone)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestCancelAuthorization(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)
	ctx := context.Background()

	exec, err := s.exec.CreateExecution(ctx, admin, "demo", "ingest", "")
	require.NoError(t, err)

	assert.ErrorIs(t, s.exec.CancelExecution(ctx, viewer, exec.ID), models.ErrForbidden)
	assert.ErrorIs(t, s.exec.CancelExecution(ctx, worker, exec.ID), models.ErrForbidden)

	operator := &Principal{Name: "ops", Role: authz.RoleOperator}
	require.NoError(t, s.exec.CancelExecution(ctx, operator, exec.ID))

	got, err := s.exec.GetExecution(ctx, viewer, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCanceled, got.Status)
}

func TestYankRequiresAdmin(t *testing.T) {
	s := newServices(t)
	s.seedPipeline(t)
	ctx := context.Background()

	operator := &Principal{Name: "ops", Role: authz.RoleOperator}
	err := s.exec.Yank(ctx, operator, "some-run")
	assert.ErrorIs(t, err, models.ErrForbidden)
}
