package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/tabflow/internal/models"
)

func withTx(t *testing.T, m *Memory, fn func(tx Tx)) {
	t.Helper()
	require.NoError(t, m.WithTx(context.Background(), func(tx Tx) error {
		fn(tx)
		return nil
	}))
}

func TestMemoryCollectionsRoundTrip(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		now := time.Now().UTC()
		col := &models.Collection{ID: uuid.New().String(), Name: "demo", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, tx.InsertCollection(col))
		require.Error(t, tx.InsertCollection(col), "duplicate id is rejected")

		got, err := tx.GetCollectionByName("demo")
		require.NoError(t, err)
		assert.Equal(t, col.ID, got.ID)

		_, err = tx.GetCollectionByName("nope")
		assert.ErrorIs(t, err, models.ErrNotFound)

		// Mutating the returned record must not leak into the store.
		got.Name = "mutated"
		again, err := tx.GetCollection(col.ID)
		require.NoError(t, err)
		assert.Equal(t, "demo", again.Name)
	})
}

func TestMemoryDataVersionNaturalOrder(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
		tableID := uuid.New().String()

		// Inserted out of order; two share a timestamp and tie-break on id.
		for _, v := range []struct {
			id string
			at time.Time
		}{
			{id: "01C", at: base.Add(2 * time.Minute)},
			{id: "01A", at: base},
			{id: "01B", at: base.Add(2 * time.Minute)},
		} {
			require.NoError(t, tx.InsertTableDataVersion(&models.TableDataVersion{
				ID: v.id, TableID: tableID, TriggeredOn: v.at, Status: models.DataCommitted,
			}))
		}

		got, err := tx.ListTableDataVersions(tableID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "01A", got[0].ID)
		assert.Equal(t, "01B", got[1].ID)
		assert.Equal(t, "01C", got[2].ID)
	})
}

func TestMemoryPagination(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		for i := 0; i < 5; i++ {
			require.NoError(t, tx.InsertExecution(&models.Execution{
				ID:     uuid.New().String(),
				Status: models.ExecutionScheduled,
			}))
		}

		page, err := tx.ListExecutions(ExecutionFilter{}, Page{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page, 2)

		page, err = tx.ListExecutions(ExecutionFilter{}, Page{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Len(t, page, 1)

		page, err = tx.ListExecutions(ExecutionFilter{}, Page{Offset: 99})
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestMemoryExecutionFilter(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		colA, colB := uuid.New().String(), uuid.New().String()
		require.NoError(t, tx.InsertExecution(&models.Execution{ID: "e1", CollectionID: colA, Status: models.ExecutionRunning}))
		require.NoError(t, tx.InsertExecution(&models.Execution{ID: "e2", CollectionID: colA, Status: models.ExecutionFinished}))
		require.NoError(t, tx.InsertExecution(&models.Execution{ID: "e3", CollectionID: colB, Status: models.ExecutionRunning}))

		got, err := tx.ListExecutions(ExecutionFilter{CollectionID: colA}, Page{})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = tx.ListExecutions(ExecutionFilter{CollectionID: colA, Status: models.ExecutionRunning}, Page{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e1", got[0].ID)
	})
}

func TestMemoryPollableRuns(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		insert := func(id string, status models.FunctionRunStatus) {
			require.NoError(t, tx.InsertFunctionRun(&models.FunctionRun{ID: id, Status: status}))
		}
		insert("r1", models.RunScheduled)
		insert("r2", models.RunRunning)
		insert("r3", models.RunReScheduled)
		insert("r4", models.RunCanceled)
		insert("r5", models.RunScheduled)

		got, err := tx.ListPollableRuns(0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "r1", got[0].ID)
		assert.Equal(t, "r3", got[1].ID)
		assert.Equal(t, "r5", got[2].ID)

		got, err = tx.ListPollableRuns(2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestMemoryDeleteTableRestrictsLiveRefs(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		now := time.Now().UTC()
		col := &models.Collection{ID: uuid.New().String(), Name: "demo", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, tx.InsertCollection(col))

		owner := &models.Function{ID: uuid.New().String(), CollectionID: col.ID, Name: "writer"}
		require.NoError(t, tx.InsertFunction(owner))
		table := &models.Table{ID: uuid.New().String(), CollectionID: col.ID, Name: "raw", FunctionID: owner.ID}
		require.NoError(t, tx.InsertTable(table))

		reader := &models.Function{ID: uuid.New().String(), CollectionID: col.ID, Name: "reader"}
		require.NoError(t, tx.InsertFunction(reader))
		rv := &models.FunctionVersion{ID: uuid.New().String(), FunctionID: reader.ID, CollectionID: col.ID, Name: "reader"}
		require.NoError(t, tx.InsertFunctionVersion(rv))
		require.NoError(t, tx.InsertFunctionRef(&models.FunctionRef{
			ID:                uuid.New().String(),
			FunctionVersionID: rv.ID,
			Kind:              models.RefDependency,
			TableName:         "raw",
		}))
		reader.CurrentVersionID = rv.ID
		require.NoError(t, tx.UpdateFunction(reader))

		assert.Error(t, tx.DeleteTable(table.ID), "a live dependency pins the table")

		// Flip the reader's current version to one without the ref.
		rv2 := &models.FunctionVersion{ID: uuid.New().String(), FunctionID: reader.ID, CollectionID: col.ID, Name: "reader"}
		require.NoError(t, tx.InsertFunctionVersion(rv2))
		reader.CurrentVersionID = rv2.ID
		require.NoError(t, tx.UpdateFunction(reader))

		require.NoError(t, tx.DeleteTable(table.ID))
		_, err := tx.GetTable(table.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMemoryLockedMessageLookup(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		runID := uuid.New().String()
		_, err := tx.GetLockedMessageForRun(runID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		msg := &models.WorkerMessage{ID: uuid.New().String(), FunctionRunID: runID, Status: models.MessageLocked}
		require.NoError(t, tx.InsertWorkerMessage(msg))

		got, err := tx.GetLockedMessageForRun(runID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)

		got.Status = models.MessageRolledBack
		require.NoError(t, tx.UpdateWorkerMessage(got))
		_, err = tx.GetLockedMessageForRun(runID)
		assert.ErrorIs(t, err, models.ErrNotFound, "settled messages are not locked")
	})
}

func TestMemoryTokens(t *testing.T) {
	m := NewMemory()
	withTx(t, m, func(tx Tx) {
		tok := &models.APIToken{ID: uuid.New().String(), Principal: "ci", Role: "operator", Name: "deploy"}
		require.NoError(t, tx.InsertToken(tok, "hash-1"))

		got, err := tx.GetTokenByHash("hash-1")
		require.NoError(t, err)
		assert.Equal(t, "ci", got.Principal)
		assert.Nil(t, got.LastUsedAt)

		require.NoError(t, tx.UpdateTokenLastUsed(tok.ID))
		got, err = tx.GetTokenByHash("hash-1")
		require.NoError(t, err)
		assert.NotNil(t, got.LastUsedAt)

		all, err := tx.ListTokens()
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, tx.DeleteToken(tok.ID))
		_, err = tx.GetTokenByHash("hash-1")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, tx.DeleteToken(tok.ID), models.ErrNotFound)
	})
}

func TestMemoryWithTxHonorsContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.WithTx(ctx, func(Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
