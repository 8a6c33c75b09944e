package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/planner"
	"github.com/kartikbazzad/tabflow/internal/queue"
	"github.com/kartikbazzad/tabflow/internal/store"
)

type harness struct {
	st    *store.Memory
	q     *queue.Memory
	sched *Scheduler
	pl    *planner.Planner
}

func newHarness(t *testing.T, policy models.TransactionBy, maxRetries int) *harness {
	t.Helper()
	q, err := queue.NewMemory(2)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	st := store.NewMemory()
	return &harness{
		st:    st,
		q:     q,
		sched: New(st, q, 10, maxRetries),
		pl:    planner.New(policy),
	}
}

type refSpec struct {
	kind  models.RefKind
	table string
	expr  string
}

func seedFunction(t *testing.T, tx store.Tx, col *models.Collection, name string, outputs []string, refs []refSpec) *models.FunctionVersion {
	t.Helper()
	now := time.Now().UTC()
	fn := &models.Function{ID: uuid.New().String(), CollectionID: col.ID, Name: name, CreatedAt: now}
	require.NoError(t, tx.InsertFunction(fn))
	fv := &models.FunctionVersion{
		ID:           uuid.New().String(),
		FunctionID:   fn.ID,
		CollectionID: col.ID,
		Name:         name,
		Role:         models.RoleTransformer,
		CreatedAt:    now,
	}
	require.NoError(t, tx.InsertFunctionVersion(fv))
	for pos, tableName := range outputs {
		table := &models.Table{ID: uuid.New().String(), CollectionID: col.ID, Name: tableName, FunctionID: fn.ID, CreatedAt: now}
		require.NoError(t, tx.InsertTable(table))
		require.NoError(t, tx.InsertTableVersion(&models.TableVersion{
			ID:                uuid.New().String(),
			TableID:           table.ID,
			FunctionVersionID: fv.ID,
			Pos:               pos,
			CreatedAt:         now,
		}))
	}
	for pos, r := range refs {
		require.NoError(t, tx.InsertFunctionRef(&models.FunctionRef{
			ID:                uuid.New().String(),
			FunctionVersionID: fv.ID,
			Kind:              r.kind,
			TableName:         r.table,
			Expr:              r.expr,
			Pos:               pos,
		}))
	}
	fn.CurrentVersionID = fv.ID
	require.NoError(t, tx.UpdateFunction(fn))
	return fv
}

// seedPipeline registers ingest -> clean -> report chained by triggers and
// materializes one execution of it. Returns the execution and the runs by
// function name.
func (h *harness) seedPipeline(t *testing.T) (*models.Execution, map[string]*models.FunctionRun) {
	t.Helper()
	var exec *models.Execution
	runByName := map[string]*models.FunctionRun{}
	require.NoError(t, h.st.WithTx(context.Background(), func(tx store.Tx) error {
		now := time.Now().UTC()
		col := &models.Collection{ID: uuid.New().String(), Name: "demo", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, tx.InsertCollection(col))

		root := seedFunction(t, tx, col, "ingest", []string{"raw"}, nil)
		seedFunction(t, tx, col, "clean", []string{"tidy"}, []refSpec{
			{kind: models.RefTrigger, table: "raw"},
			{kind: models.RefDependency, table: "raw", expr: "HEAD"},
		})
		seedFunction(t, tx, col, "report", []string{"summary"}, []refSpec{
			{kind: models.RefTrigger, table: "tidy"},
		})

		plan, err := h.pl.Plan(tx, root.ID)
		require.NoError(t, err)
		exec, err = h.pl.Materialize(tx, plan, planner.Options{TriggeredBy: "tester"})
		require.NoError(t, err)

		runs, err := tx.ListFunctionRunsByExecution(exec.ID)
		require.NoError(t, err)
		for _, r := range runs {
			runByName[r.Name] = r
		}
		return nil
	}))
	return exec, runByName
}

func (h *harness) run(t *testing.T, id string) *models.FunctionRun {
	t.Helper()
	var run *models.FunctionRun
	require.NoError(t, h.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		run, err = tx.GetFunctionRun(id)
		return err
	}))
	return run
}

func (h *harness) execution(t *testing.T, id string) *models.Execution {
	t.Helper()
	var exec *models.Execution
	require.NoError(t, h.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		exec, err = tx.GetExecution(id)
		return err
	}))
	return exec
}

func (h *harness) transactionOf(t *testing.T, runID string) *models.Transaction {
	t.Helper()
	var txn *models.Transaction
	require.NoError(t, h.st.WithTx(context.Background(), func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		txn, err = tx.GetTransaction(run.TransactionID)
		return err
	}))
	return txn
}

func (h *harness) dataVersionsOf(t *testing.T, runID string) []*models.TableDataVersion {
	t.Helper()
	var out []*models.TableDataVersion
	require.NoError(t, h.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.ListTableDataVersionsByRun(runID)
		return err
	}))
	return out
}

func TestPollEmptyStoreReturnsEmptyBatch(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	batch, err := h.sched.Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, batch)
	assert.Empty(t, batch)
}

func TestPollDispatchesOnlySatisfiedRuns(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	exec, runs := h.seedPipeline(t)

	batch, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1, "clean and report wait on unproduced data versions")
	assert.Equal(t, runs["ingest"].ID, batch[0].Run.ID)
	assert.Equal(t, models.MessageLocked, batch[0].Message.Status)
	assert.Empty(t, batch[0].Message.InputPaths, "the root has nothing to read")
	assert.Len(t, batch[0].Message.OutputPaths, 1)

	assert.Equal(t, models.RunRequested, h.run(t, runs["ingest"].ID).Status)
	assert.Equal(t, models.ExecutionRunning, h.execution(t, exec.ID).Status)
}

func TestRePollNeverDuplicatesDispatch(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	h.seedPipeline(t)

	first, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, second, "a run with a locked message is not re-dispatched")

	locked, err := h.q.Locked(ctx)
	require.NoError(t, err)
	assert.Len(t, locked, 1)
}

func TestFullPipelineRunsToCommit(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	exec, runs := h.seedPipeline(t)

	expect := []string{"ingest", "clean", "report"}
	for _, name := range expect {
		batch, err := h.sched.Poll(ctx)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.Equal(t, runs[name].ID, batch[0].Run.ID, "requirements order the chain")

		require.NoError(t, h.sched.CommitDispatch(ctx, batch[0].Run.ID))
		assert.Equal(t, models.RunRunning, h.run(t, batch[0].Run.ID).Status)
		require.NoError(t, h.sched.ReportResult(ctx, batch[0].Run.ID, ResultDone))
	}

	// The downstream messages carry the upstream versions as inputs.
	for _, name := range expect {
		for _, v := range h.dataVersionsOf(t, runs[name].ID) {
			assert.Equal(t, models.DataCommitted, v.Status)
		}
	}

	txn := h.transactionOf(t, runs["ingest"].ID)
	assert.Equal(t, models.TransactionFinished, txn.Status)
	assert.NotEmpty(t, txn.CommitID)
	require.NotNil(t, txn.CommittedOn)

	for _, name := range expect {
		assert.Equal(t, models.RunCommitted, h.run(t, runs[name].ID).Status)
	}
	assert.Equal(t, models.ExecutionFinished, h.execution(t, exec.ID).Status)
}

func TestDownstreamMessageCarriesUpstreamInputs(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	_, runs := h.seedPipeline(t)

	batch, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, h.sched.CommitDispatch(ctx, batch[0].Run.ID))
	require.NoError(t, h.sched.ReportResult(ctx, batch[0].Run.ID, ResultDone))

	batch, err = h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, runs["clean"].ID, batch[0].Run.ID)

	rawVersions := h.dataVersionsOf(t, runs["ingest"].ID)
	require.Len(t, rawVersions, 1)
	expected := runs["clean"].CollectionID + "/" + rawVersions[0].TableID + "/" + rawVersions[0].ID
	// Trigger and dependency both reference raw, so the path appears per
	// requirement.
	assert.Contains(t, batch[0].Message.InputPaths, expected)
}

func TestRollbackDispatchRespectsRetryBudget(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 1)
	ctx := context.Background()
	_, runs := h.seedPipeline(t)

	batch, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, h.sched.RollbackDispatch(ctx, runs["ingest"].ID))
	run := h.run(t, runs["ingest"].ID)
	assert.Equal(t, models.RunScheduled, run.Status)
	assert.Equal(t, 1, run.Retries)

	locked, err := h.q.Locked(ctx)
	require.NoError(t, err)
	assert.Empty(t, locked, "rollback releases the queue lock")

	// Second attempt exhausts the budget.
	batch, err = h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, h.sched.RollbackDispatch(ctx, runs["ingest"].ID))

	run = h.run(t, runs["ingest"].ID)
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.EndedOn)

	batch, err = h.sched.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch, "failed runs are not pollable")
}

func TestErrorReportAndRequeue(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	_, runs := h.seedPipeline(t)

	batch, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, h.sched.CommitDispatch(ctx, batch[0].Run.ID))
	require.NoError(t, h.sched.ReportResult(ctx, batch[0].Run.ID, ResultError))
	assert.Equal(t, models.RunError, h.run(t, runs["ingest"].ID).Status)

	// Errored runs sit still until someone requeues them.
	batch, err = h.sched.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, h.sched.Requeue(ctx, runs["ingest"].ID))
	assert.Equal(t, models.RunReScheduled, h.run(t, runs["ingest"].ID).Status)

	batch, err = h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, runs["ingest"].ID, batch[0].Run.ID)
}

func TestReportResultRejectsUnknownOutcome(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	err := h.sched.ReportResult(context.Background(), "whatever", Result("exploded"))
	assert.Error(t, err)
}

func TestCancelRunSweepsItsTransaction(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	exec, runs := h.seedPipeline(t)

	// Put a locked message in flight so the cancel has to roll it back.
	batch, err := h.sched.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, h.sched.CancelRun(ctx, runs["report"].ID))

	for _, name := range []string{"ingest", "clean", "report"} {
		assert.Equal(t, models.RunCanceled, h.run(t, runs[name].ID).Status,
			"cancellation is infectious at transaction granularity")
		for _, v := range h.dataVersionsOf(t, runs[name].ID) {
			assert.Equal(t, models.DataCanceled, v.Status)
		}
	}
	assert.Equal(t, models.TransactionCanceled, h.transactionOf(t, runs["ingest"].ID).Status)
	assert.Equal(t, models.ExecutionCanceled, h.execution(t, exec.ID).Status)

	locked, err := h.q.Locked(ctx)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestCancelCascadesDownstreamTransactions(t *testing.T) {
	h := newHarness(t, models.TransactionByFunction, 0)
	ctx := context.Background()
	exec, runs := h.seedPipeline(t)

	require.NoError(t, h.sched.CancelRun(ctx, runs["ingest"].ID))

	// Each run has its own transaction; the cascade walks the requirement
	// graph from the canceled data versions.
	for _, name := range []string{"ingest", "clean", "report"} {
		assert.Equal(t, models.RunCanceled, h.run(t, runs[name].ID).Status)
		assert.Equal(t, models.TransactionCanceled, h.transactionOf(t, runs[name].ID).Status)
	}
	assert.Equal(t, models.ExecutionCanceled, h.execution(t, exec.ID).Status)
}

func TestCancelCascadesAcrossExecutions(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()

	var producerExec, readerExec *models.Execution
	var producerRun string
	require.NoError(t, h.st.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		col := &models.Collection{ID: uuid.New().String(), Name: "demo", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, tx.InsertCollection(col))

		producer := seedFunction(t, tx, col, "producer", []string{"feed"}, nil)
		reader := seedFunction(t, tx, col, "reader", []string{"digest"}, []refSpec{
			{kind: models.RefDependency, table: "feed", expr: "HEAD"},
		})

		plan, err := h.pl.Plan(tx, producer.ID)
		require.NoError(t, err)
		producerExec, err = h.pl.Materialize(tx, plan, planner.Options{})
		require.NoError(t, err)
		pruns, err := tx.ListFunctionRunsByExecution(producerExec.ID)
		require.NoError(t, err)
		producerRun = pruns[0].ID

		// The reader execution pins the producer's pending feed version.
		plan, err = h.pl.Plan(tx, reader.ID)
		require.NoError(t, err)
		readerExec, err = h.pl.Materialize(tx, plan, planner.Options{})
		return err
	}))

	require.NoError(t, h.sched.CancelRun(ctx, producerRun))

	assert.Equal(t, models.ExecutionCanceled, h.execution(t, producerExec.ID).Status)
	assert.Equal(t, models.ExecutionCanceled, h.execution(t, readerExec.ID).Status,
		"a canceled pinned input dooms the dependent execution")
}

func TestCancelLeavesUnrelatedExecutionsAlone(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()

	first, firstRuns := h.seedPipeline(t)

	// An unrelated second pipeline in its own collection.
	var second *models.Execution
	require.NoError(t, h.st.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		col := &models.Collection{ID: uuid.New().String(), Name: "other", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, tx.InsertCollection(col))
		fv := seedFunction(t, tx, col, "solo", []string{"solo_out"}, nil)
		plan, err := h.pl.Plan(tx, fv.ID)
		require.NoError(t, err)
		second, err = h.pl.Materialize(tx, plan, planner.Options{})
		return err
	}))

	require.NoError(t, h.sched.CancelExecution(ctx, first.ID))

	assert.Equal(t, models.ExecutionCanceled, h.execution(t, first.ID).Status)
	assert.Equal(t, models.RunCanceled, h.run(t, firstRuns["ingest"].ID).Status)
	assert.Equal(t, models.ExecutionScheduled, h.execution(t, second.ID).Status)
}

func TestCancelTerminalStatesIsIllegal(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	exec, runs := h.seedPipeline(t)

	for i := 0; i < 3; i++ {
		batch, err := h.sched.Poll(ctx)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, h.sched.CommitDispatch(ctx, batch[0].Run.ID))
		require.NoError(t, h.sched.ReportResult(ctx, batch[0].Run.ID, ResultDone))
	}
	require.Equal(t, models.ExecutionFinished, h.execution(t, exec.ID).Status)

	err := h.sched.CancelRun(ctx, runs["ingest"].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	err = h.sched.CancelTransaction(ctx, runs["ingest"].TransactionID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	err = h.sched.CancelExecution(ctx, exec.ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	// Double cancel is equally illegal.
	h2 := newHarness(t, models.TransactionByExecution, 0)
	exec2, runs2 := h2.seedPipeline(t)
	require.NoError(t, h2.sched.CancelExecution(ctx, exec2.ID))
	err = h2.sched.CancelRun(ctx, runs2["ingest"].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestYankRemovesCommittedDataFromResolution(t *testing.T) {
	h := newHarness(t, models.TransactionByExecution, 0)
	ctx := context.Background()
	_, runs := h.seedPipeline(t)

	for i := 0; i < 3; i++ {
		batch, err := h.sched.Poll(ctx)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, h.sched.CommitDispatch(ctx, batch[0].Run.ID))
		require.NoError(t, h.sched.ReportResult(ctx, batch[0].Run.ID, ResultDone))
	}

	require.NoError(t, h.sched.Yank(ctx, runs["ingest"].ID))
	assert.Equal(t, models.RunYanked, h.run(t, runs["ingest"].ID).Status)
	for _, v := range h.dataVersionsOf(t, runs["ingest"].ID) {
		assert.Equal(t, models.DataYanked, v.Status)
		assert.False(t, v.InHead())
	}

	err := h.sched.Yank(ctx, runs["ingest"].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	// Yanking a merely scheduled run is illegal too.
	h2 := newHarness(t, models.TransactionByExecution, 0)
	_, runs2 := h2.seedPipeline(t)
	err = h2.sched.Yank(ctx, runs2["clean"].ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}
