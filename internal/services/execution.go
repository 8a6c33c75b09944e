package services

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/planner"
	"github.com/kartikbazzad/tabflow/internal/scheduler"
	"github.com/kartikbazzad/tabflow/internal/store"
)

// TemplateCache memoizes execution templates per function version. Any
// registration purges it wholesale, since a new function can join the
// trigger closure of old ones.
type TemplateCache struct {
	c *lru.Cache[string, planner.Template]
}

// NewTemplateCache creates a bounded template cache.
func NewTemplateCache(size int) (*TemplateCache, error) {
	c, err := lru.New[string, planner.Template](size)
	if err != nil {
		return nil, err
	}
	return &TemplateCache{c: c}, nil
}

// Get returns the cached template for a function version.
func (tc *TemplateCache) Get(versionID string) (planner.Template, bool) {
	return tc.c.Get(versionID)
}

// Put stores a template.
func (tc *TemplateCache) Put(versionID string, t planner.Template) {
	tc.c.Add(versionID, t)
}

// Purge drops every cached template.
func (tc *TemplateCache) Purge() {
	tc.c.Purge()
}

// ExecutionService is the authorized surface over planning, scheduling and
// cancellation. Every operation checks the caller's role against the
// authorization gate before touching records.
type ExecutionService struct {
	store store.Store
	plan  *planner.Planner
	sched *scheduler.Scheduler
	gate  *authz.Enforcer
	cache *TemplateCache
}

// NewExecutionService wires the execution surface.
func NewExecutionService(st store.Store, pl *planner.Planner, sc *scheduler.Scheduler, gate *authz.Enforcer, cache *TemplateCache) *ExecutionService {
	return &ExecutionService{store: st, plan: pl, sched: sc, gate: gate, cache: cache}
}

// check enforces one action for the principal; a denied check surfaces as
// ErrForbidden.
func (s *ExecutionService) check(p *Principal, action, scope string) error {
	if p == nil {
		return fmt.Errorf("no principal: %w", models.ErrForbidden)
	}
	ok, err := s.gate.Check(p.Role, action, scope)
	if err != nil {
		return fmt.Errorf("failed to check authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s may not %s: %w", p.Role, action, models.ErrForbidden)
	}
	return nil
}

// currentVersion resolves a collection/function name pair to the function's
// current version id.
func currentVersion(tx store.Tx, collectionName, functionName string) (string, error) {
	col, err := tx.GetCollectionByName(collectionName)
	if err != nil {
		return "", err
	}
	fn, err := tx.GetFunctionByName(col.ID, functionName)
	if err != nil {
		return "", err
	}
	if fn.CurrentVersionID == "" {
		return "", fmt.Errorf("function %s has no registered version: %w", functionName, models.ErrNotFound)
	}
	return fn.CurrentVersionID, nil
}

// Template previews the closure a manual trigger of the function would
// schedule, without persisting anything.
func (s *ExecutionService) Template(ctx context.Context, p *Principal, collectionName, functionName string) (planner.Template, error) {
	if err := s.check(p, authz.ActionTemplate, collectionName); err != nil {
		return planner.Template{}, err
	}

	var versionID string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		versionID, err = currentVersion(tx, collectionName, functionName)
		return err
	})
	if err != nil {
		return planner.Template{}, err
	}

	if s.cache != nil {
		if t, ok := s.cache.Get(versionID); ok {
			return t, nil
		}
	}

	var tmpl planner.Template
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		pl, err := s.plan.Plan(tx, versionID)
		if err != nil {
			return err
		}
		tmpl = pl.Template()
		return nil
	})
	if err != nil {
		return planner.Template{}, err
	}
	if s.cache != nil {
		s.cache.Put(versionID, tmpl)
	}
	return tmpl, nil
}

// CreateExecution plans and materializes an execution for a manual trigger
// of the named function. Planning and persistence share one store
// transaction, so a resolution failure schedules nothing.
func (s *ExecutionService) CreateExecution(ctx context.Context, p *Principal, collectionName, functionName, name string) (*models.Execution, error) {
	if err := s.check(p, authz.ActionCreateExecution, collectionName); err != nil {
		return nil, err
	}

	var exec *models.Execution
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		versionID, err := currentVersion(tx, collectionName, functionName)
		if err != nil {
			return err
		}
		pl, err := s.plan.Plan(tx, versionID)
		if err != nil {
			return err
		}
		exec, err = s.plan.Materialize(tx, pl, planner.Options{Name: name, TriggeredBy: p.Name})
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution returns one execution.
func (s *ExecutionService) GetExecution(ctx context.Context, p *Principal, id string) (*models.Execution, error) {
	if err := s.check(p, authz.ActionList, ""); err != nil {
		return nil, err
	}
	var exec *models.Execution
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		exec, err = tx.GetExecution(id)
		return err
	})
	return exec, err
}

// ListExecutions returns executions matching the filter.
func (s *ExecutionService) ListExecutions(ctx context.Context, p *Principal, f store.ExecutionFilter, page store.Page) ([]*models.Execution, error) {
	if err := s.check(p, authz.ActionList, ""); err != nil {
		return nil, err
	}
	var execs []*models.Execution
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		execs, err = tx.ListExecutions(f, page)
		return err
	})
	return execs, err
}

// ListTransactions returns transactions matching the filter.
func (s *ExecutionService) ListTransactions(ctx context.Context, p *Principal, f store.TransactionFilter, page store.Page) ([]*models.Transaction, error) {
	if err := s.check(p, authz.ActionList, ""); err != nil {
		return nil, err
	}
	var txns []*models.Transaction
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		txns, err = tx.ListTransactions(f, page)
		return err
	})
	return txns, err
}

// ListFunctionRuns returns runs matching the filter.
func (s *ExecutionService) ListFunctionRuns(ctx context.Context, p *Principal, f store.FunctionRunFilter, page store.Page) ([]*models.FunctionRun, error) {
	if err := s.check(p, authz.ActionList, ""); err != nil {
		return nil, err
	}
	var runs []*models.FunctionRun
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		runs, err = tx.ListFunctionRuns(f, page)
		return err
	})
	return runs, err
}

// CancelExecution cancels an execution and everything downstream of it.
func (s *ExecutionService) CancelExecution(ctx context.Context, p *Principal, id string) error {
	if err := s.check(p, authz.ActionCancel, ""); err != nil {
		return err
	}
	return s.sched.CancelExecution(ctx, id)
}

// CancelTransaction cancels a transaction and everything downstream of it.
func (s *ExecutionService) CancelTransaction(ctx context.Context, p *Principal, id string) error {
	if err := s.check(p, authz.ActionCancel, ""); err != nil {
		return err
	}
	return s.sched.CancelTransaction(ctx, id)
}

// CancelRun cancels a run; the cascade takes its transaction with it.
func (s *ExecutionService) CancelRun(ctx context.Context, p *Principal, id string) error {
	if err := s.check(p, authz.ActionCancel, ""); err != nil {
		return err
	}
	return s.sched.CancelRun(ctx, id)
}

// Yank marks a committed run's outputs as yanked so later resolutions skip
// them.
func (s *ExecutionService) Yank(ctx context.Context, p *Principal, runID string) error {
	if err := s.check(p, authz.ActionYank, ""); err != nil {
		return err
	}
	return s.sched.Yank(ctx, runID)
}

// Requeue moves an errored run back into the pollable pool.
func (s *ExecutionService) Requeue(ctx context.Context, p *Principal, runID string) error {
	if err := s.check(p, authz.ActionCreateExecution, ""); err != nil {
		return err
	}
	return s.sched.Requeue(ctx, runID)
}

// Poll returns the runs whose requirements are satisfied, locked for the
// calling worker. Nothing ready is an empty batch, not an error.
func (s *ExecutionService) Poll(ctx context.Context, p *Principal) ([]scheduler.ReadyWork, error) {
	if err := s.check(p, authz.ActionPoll, ""); err != nil {
		return nil, err
	}
	return s.sched.Poll(ctx)
}

// CommitDispatch acknowledges a delivered run as running.
func (s *ExecutionService) CommitDispatch(ctx context.Context, p *Principal, runID string) error {
	if err := s.check(p, authz.ActionPoll, ""); err != nil {
		return err
	}
	return s.sched.CommitDispatch(ctx, runID)
}

// RollbackDispatch returns an undelivered run to the pollable pool.
func (s *ExecutionService) RollbackDispatch(ctx context.Context, p *Principal, runID string) error {
	if err := s.check(p, authz.ActionPoll, ""); err != nil {
		return err
	}
	return s.sched.RollbackDispatch(ctx, runID)
}

// ReportResult records a worker's terminal verdict for a run.
func (s *ExecutionService) ReportResult(ctx context.Context, p *Principal, runID string, result scheduler.Result) error {
	if err := s.check(p, authz.ActionReport, ""); err != nil {
		return err
	}
	return s.sched.ReportResult(ctx, runID, result)
}
