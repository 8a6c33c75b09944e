package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/planner"
	"github.com/kartikbazzad/tabflow/internal/store"
)

func newRegistry(t *testing.T) (*RegistryService, *TemplateCache) {
	t.Helper()
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)
	return NewRegistryService(store.NewMemory(), nil, cache), cache
}

func TestCreateCollection(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	col, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)
	assert.NotEmpty(t, col.ID)

	_, err = svc.CreateCollection(ctx, "demo")
	assert.Error(t, err, "collection names are unique")

	_, err = svc.CreateCollection(ctx, "")
	assert.Error(t, err)

	cols, err := svc.ListCollections(ctx)
	require.NoError(t, err)
	assert.Len(t, cols, 1)
}

func TestRegisterFunctionCreatesVersionAndTables(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)

	fv, err := svc.RegisterFunction(ctx, RegisterInput{
		Collection: "demo",
		Name:       "clean",
		Outputs:    []string{"tidy", "rejects"},
		Refs: []RefInput{
			{Kind: models.RefTrigger, TableName: "raw"},
			{Kind: models.RefDependency, TableName: "raw", Expr: "HEAD^"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleTransformer, fv.Role, "transformer is the default role")

	fn, current, err := svc.GetFunction(ctx, "demo", "clean")
	require.NoError(t, err)
	assert.Equal(t, fv.ID, fn.CurrentVersionID)
	assert.Equal(t, fv.ID, current.ID)

	tables, err := svc.ListTables(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	for _, tb := range tables {
		assert.Equal(t, fn.ID, tb.FunctionID)
	}
}

func TestRegisterFunctionFlipsCurrentVersion(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)

	v1, err := svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "load", Outputs: []string{"raw"}})
	require.NoError(t, err)
	v2, err := svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "load", Outputs: []string{"raw"}})
	require.NoError(t, err)
	require.NotEqual(t, v1.ID, v2.ID)

	fn, current, err := svc.GetFunction(ctx, "demo", "load")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, fn.CurrentVersionID)
	assert.Equal(t, v2.ID, current.ID)

	// Re-registration re-claims the table instead of duplicating it.
	tables, err := svc.ListTables(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

func TestRegisterFunctionRejectsForeignOutput(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)

	_, err = svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "writer", Outputs: []string{"shared"}})
	require.NoError(t, err)

	_, err = svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "squatter", Outputs: []string{"shared"}})
	assert.Error(t, err, "one table has exactly one producing function")
}

func TestRegisterFunctionValidation(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()
	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{name: "missing name", in: RegisterInput{Collection: "demo", Outputs: []string{"t"}}},
		{name: "no outputs", in: RegisterInput{Collection: "demo", Name: "f"}},
		{name: "unknown role", in: RegisterInput{Collection: "demo", Name: "f", Outputs: []string{"t"}, Role: "demigod"}},
		{name: "unknown collection", in: RegisterInput{Collection: "ghost", Name: "f", Outputs: []string{"t"}}},
		{name: "publisher with refs", in: RegisterInput{
			Collection: "demo", Name: "f", Outputs: []string{"t"}, Role: models.RolePublisher,
			Refs: []RefInput{{Kind: models.RefDependency, TableName: "x"}},
		}},
		{name: "ref without table", in: RegisterInput{
			Collection: "demo", Name: "f", Outputs: []string{"t"},
			Refs: []RefInput{{Kind: models.RefDependency}},
		}},
		{name: "unknown ref kind", in: RegisterInput{
			Collection: "demo", Name: "f", Outputs: []string{"t"},
			Refs: []RefInput{{Kind: "observes", TableName: "x"}},
		}},
		{name: "bad expression", in: RegisterInput{
			Collection: "demo", Name: "f", Outputs: []string{"t"},
			Refs: []RefInput{{Kind: models.RefDependency, TableName: "x", Expr: "HEAD~~"}},
		}},
		{name: "composite trigger expression", in: RegisterInput{
			Collection: "demo", Name: "f", Outputs: []string{"t"},
			Refs: []RefInput{{Kind: models.RefTrigger, TableName: "x", Expr: "HEAD,HEAD^"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterFunction(ctx, tt.in)
			assert.Error(t, err)
		})
	}
}

func TestRegisterFunctionPurgesTemplateCache(t *testing.T) {
	svc, cache := newRegistry(t)
	ctx := context.Background()

	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)

	cache.Put("some-version", planner.Template{Dataset: "stale"})
	_, ok := cache.Get("some-version")
	require.True(t, ok)

	_, err = svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "f", Outputs: []string{"t"}})
	require.NoError(t, err)

	_, ok = cache.Get("some-version")
	assert.False(t, ok, "any registration can change old closures")
}

func TestResolveDataURI(t *testing.T) {
	st := store.NewMemory()
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)
	svc := NewRegistryService(st, nil, cache)
	ctx := context.Background()

	col, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)
	_, err = svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "ingest", Outputs: []string{"raw"}})
	require.NoError(t, err)

	tables, err := svc.ListTables(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, tables, 1)

	committed := &models.TableDataVersion{
		ID:          "01AAAAAAAAAAAAAAAAAAAAAAAA",
		TableID:     tables[0].ID,
		TriggeredOn: time.Now().UTC(),
		Status:      models.DataCommitted,
	}
	pending := &models.TableDataVersion{
		ID:          "01BBBBBBBBBBBBBBBBBBBBBBBB",
		TableID:     tables[0].ID,
		TriggeredOn: time.Now().UTC(),
		Status:      models.DataIncomplete,
	}
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTableDataVersion(committed); err != nil {
			return err
		}
		return tx.InsertTableDataVersion(pending)
	}))

	path, uri, err := svc.ResolveDataURI(ctx, "demo", "raw", committed.ID)
	require.NoError(t, err)
	assert.Equal(t, col.ID+"/"+tables[0].ID+"/"+committed.ID, path)
	assert.Empty(t, uri, "no presigned URL without object storage")

	_, _, err = svc.ResolveDataURI(ctx, "demo", "raw", pending.ID)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "only committed data resolves")

	_, _, err = svc.ResolveDataURI(ctx, "demo", "raw", "01CCCCCCCCCCCCCCCCCCCCCCCC")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteTableBlockedByLiveRef(t *testing.T) {
	svc, _ := newRegistry(t)
	ctx := context.Background()

	_, err := svc.CreateCollection(ctx, "demo")
	require.NoError(t, err)
	_, err = svc.RegisterFunction(ctx, RegisterInput{Collection: "demo", Name: "writer", Outputs: []string{"raw"}})
	require.NoError(t, err)
	_, err = svc.RegisterFunction(ctx, RegisterInput{
		Collection: "demo", Name: "reader", Outputs: []string{"derived"},
		Refs: []RefInput{{Kind: models.RefDependency, TableName: "raw", Expr: "HEAD"}},
	})
	require.NoError(t, err)

	assert.Error(t, svc.DeleteTable(ctx, "demo", "raw"))
	assert.NoError(t, svc.DeleteTable(ctx, "demo", "derived"))
}
