// Package scheduler advances executions, transactions, function runs and
// table data versions through their lifecycles. It owns no background
// thread: every operation is one externally invoked, transactionally scoped
// unit of work against the shared store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/queue"
	"github.com/kartikbazzad/tabflow/internal/store"
	"github.com/kartikbazzad/tabflow/internal/version"
)

// DefaultPollLimit bounds one poll batch.
const DefaultPollLimit = 10

// DefaultMaxDispatchRetries bounds dispatch rollbacks before a run fails.
const DefaultMaxDispatchRetries = 5

// Scheduler drives the state machine.
type Scheduler struct {
	store      store.Store
	queue      queue.Queue
	pollLimit  int
	maxRetries int
}

// ReadyWork is one dispatched unit handed back to the caller of Poll.
type ReadyWork struct {
	Run     *models.FunctionRun   `json:"run"`
	Message *models.WorkerMessage `json:"message"`
}

// New creates a scheduler. Zero limits select the defaults.
func New(s store.Store, q queue.Queue, pollLimit, maxRetries int) *Scheduler {
	if pollLimit <= 0 {
		pollLimit = DefaultPollLimit
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxDispatchRetries
	}
	return &Scheduler{store: s, queue: q, pollLimit: pollLimit, maxRetries: maxRetries}
}

// Poll selects function runs whose requirements are satisfied and not yet
// dispatched, locks a worker message for each and marks them run-requested.
// Lock acquisition, message insert and the status change commit together or
// not at all. No ready work is a normal empty result.
func (s *Scheduler) Poll(ctx context.Context) ([]ReadyWork, error) {
	var batch []ReadyWork
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		batch = batch[:0]
		runs, err := tx.ListPollableRuns(0)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if len(batch) >= s.pollLimit {
				break
			}
			// Re-polling a run that already has a locked message must not
			// create a duplicate.
			if _, err := tx.GetLockedMessageForRun(run.ID); err == nil {
				continue
			} else if !errors.Is(err, models.ErrNotFound) {
				return err
			}

			ready, err := requirementsSatisfied(tx, run.ID)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}

			msg, err := s.buildMessage(tx, run)
			if err != nil {
				return err
			}
			if _, err := s.queue.Lock(ctx, msg); err != nil {
				return fmt.Errorf("failed to lock worker message: %w", err)
			}
			if err := tx.InsertWorkerMessage(msg); err != nil {
				return err
			}
			if err := transitionRun(tx, run, models.RunRequested); err != nil {
				return err
			}
			if err := refreshTransaction(tx, run.TransactionID); err != nil {
				return err
			}
			if err := refreshExecution(tx, run.ExecutionID); err != nil {
				return err
			}
			batch = append(batch, ReadyWork{Run: run, Message: msg})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		emptyPollsTotal.Inc()
		return []ReadyWork{}, nil
	}
	dispatchedTotal.Add(float64(len(batch)))
	return batch, nil
}

// CommitDispatch acknowledges that the worker accepted the message: the run
// starts running and the message settles as committed.
func (s *Scheduler) CommitDispatch(ctx context.Context, runID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if err := models.CheckRunTransition(run.Status, models.RunRunning); err != nil {
			return err
		}
		msg, err := tx.GetLockedMessageForRun(runID)
		if err != nil {
			return err
		}
		if err := s.queue.Commit(ctx, queue.Handle{ID: msg.ID}); err != nil {
			return err
		}
		msg.Status = models.MessageCommitted
		if err := tx.UpdateWorkerMessage(msg); err != nil {
			return err
		}
		now := time.Now().UTC()
		run.Status = models.RunRunning
		run.StartedOn = &now
		if err := tx.UpdateFunctionRun(run); err != nil {
			return err
		}
		if err := refreshTransaction(tx, run.TransactionID); err != nil {
			return err
		}
		return refreshExecution(tx, run.ExecutionID)
	})
}

// RollbackDispatch reverts a dispatch that could not be built or delivered.
// The run goes back to scheduled for the next poll until its retry budget is
// spent, after which it fails.
func (s *Scheduler) RollbackDispatch(ctx context.Context, runID string) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if err := models.CheckRunTransition(run.Status, models.RunScheduled); err != nil {
			return err
		}
		msg, err := tx.GetLockedMessageForRun(runID)
		if err == nil {
			if err := s.queue.Rollback(ctx, queue.Handle{ID: msg.ID}); err != nil {
				return err
			}
			msg.Status = models.MessageRolledBack
			if err := tx.UpdateWorkerMessage(msg); err != nil {
				return err
			}
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		run.Retries++
		if run.Retries > s.maxRetries {
			run.Status = models.RunFailed
			now := time.Now().UTC()
			run.EndedOn = &now
		} else {
			run.Status = models.RunScheduled
		}
		if err := tx.UpdateFunctionRun(run); err != nil {
			return err
		}
		if err := refreshTransaction(tx, run.TransactionID); err != nil {
			return err
		}
		return refreshExecution(tx, run.ExecutionID)
	})
	if err == nil {
		dispatchRollbacksTotal.Inc()
	}
	return err
}

// Result is the worker's terminal report for one run.
type Result string

const (
	// ResultDone commits the run's data versions and, once the whole
	// transaction is done, the transaction.
	ResultDone Result = "done"
	// ResultError is transient; the run may be requeued.
	ResultError Result = "error"
	// ResultFailed is terminal for this run.
	ResultFailed Result = "failed"
)

// ReportResult records the worker's outcome for a running function run.
func (s *Scheduler) ReportResult(ctx context.Context, runID string, result Result) error {
	var target models.FunctionRunStatus
	switch result {
	case ResultDone:
		target = models.RunDone
	case ResultError:
		target = models.RunError
	case ResultFailed:
		target = models.RunFailed
	default:
		return fmt.Errorf("unknown result %q", result)
	}

	return s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if err := models.CheckRunTransition(run.Status, target); err != nil {
			return err
		}
		now := time.Now().UTC()
		run.Status = target
		run.EndedOn = &now
		if err := tx.UpdateFunctionRun(run); err != nil {
			return err
		}

		if target == models.RunDone {
			// The produced data versions become resolvable.
			tdvs, err := tx.ListTableDataVersionsByRun(run.ID)
			if err != nil {
				return err
			}
			for _, v := range tdvs {
				v.Status = models.DataCommitted
				if err := tx.UpdateTableDataVersion(v); err != nil {
					return err
				}
			}
		}

		if err := refreshTransaction(tx, run.TransactionID); err != nil {
			return err
		}
		return refreshExecution(tx, run.ExecutionID)
	})
}

// Requeue puts an errored run back on the schedule.
func (s *Scheduler) Requeue(ctx context.Context, runID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if err := transitionRun(tx, run, models.RunReScheduled); err != nil {
			return err
		}
		if err := refreshTransaction(tx, run.TransactionID); err != nil {
			return err
		}
		return refreshExecution(tx, run.ExecutionID)
	})
}

// Yank removes a committed run's data from resolution: the run and its data
// versions become yanked. Yanked versions stay in history but no longer
// resolve.
func (s *Scheduler) Yank(ctx context.Context, runID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if err := transitionRun(tx, run, models.RunYanked); err != nil {
			return err
		}
		tdvs, err := tx.ListTableDataVersionsByRun(run.ID)
		if err != nil {
			return err
		}
		for _, v := range tdvs {
			v.Status = models.DataYanked
			if err := tx.UpdateTableDataVersion(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// requirementsSatisfied reports whether every requirement of the run has a
// terminal-successful condition. Same-mode requirements bind to the run's
// own output and never gate it; current-mode requirements with no condition
// re-resolve at dispatch and are vacuously satisfied.
func requirementsSatisfied(tx store.Tx, runID string) (bool, error) {
	reqs, err := tx.ListRequirementsByRun(runID)
	if err != nil {
		return false, err
	}
	for _, r := range reqs {
		if r.Mode == models.ResolveSame || r.ConditionTableDataVersionID == "" {
			continue
		}
		tdv, err := tx.GetTableDataVersion(r.ConditionTableDataVersionID)
		if err != nil {
			return false, err
		}
		if tdv.Status != models.DataCommitted {
			return false, nil
		}
	}
	return true, nil
}

// buildMessage assembles the locked work message: bundle reference, input
// paths (current-mode references re-resolved against what exists now) and
// output paths.
func (s *Scheduler) buildMessage(tx store.Tx, run *models.FunctionRun) (*models.WorkerMessage, error) {
	fv, err := tx.GetFunctionVersion(run.FunctionVersionID)
	if err != nil {
		return nil, err
	}

	var inputs []string
	reqs, err := tx.ListRequirementsByRun(run.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		switch {
		case r.ConditionTableDataVersionID != "":
			inputs = append(inputs, dataPath(run.CollectionID, r.TableID, r.ConditionTableDataVersionID))
		case r.Mode == models.ResolveCurrent && r.TableID != "":
			// Re-resolve against whatever exists at dispatch time.
			ids, err := currentHistory(tx, r.TableID)
			if err != nil {
				return nil, err
			}
			expr, err := version.Parse(r.Expr)
			if err != nil {
				return nil, err
			}
			resolved, err := expr.Resolve(ids)
			if err != nil {
				return nil, err
			}
			for _, rv := range resolved {
				if rv.Exists {
					inputs = append(inputs, dataPath(run.CollectionID, r.TableID, rv.ID))
				}
			}
		}
	}

	var outputs []string
	tdvs, err := tx.ListTableDataVersionsByRun(run.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range tdvs {
		outputs = append(outputs, dataPath(run.CollectionID, v.TableID, v.ID))
	}

	return &models.WorkerMessage{
		ID:            uuid.New().String(),
		FunctionRunID: run.ID,
		CollectionID:  run.CollectionID,
		ExecutionID:   run.ExecutionID,
		TransactionID: run.TransactionID,
		BundlePath:    fv.BundlePath,
		InputPaths:    inputs,
		OutputPaths:   outputs,
		Status:        models.MessageLocked,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func currentHistory(tx store.Tx, tableID string) ([]string, error) {
	all, err := tx.ListTableDataVersions(tableID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, v := range all {
		if v.Status == models.DataCommitted {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

// dataPath is the logical storage path of one table data version; the
// storage layer maps it to an addressable URI.
func dataPath(collectionID, tableID, dataVersionID string) string {
	return fmt.Sprintf("%s/%s/%s", collectionID, tableID, dataVersionID)
}

func transitionRun(tx store.Tx, run *models.FunctionRun, to models.FunctionRunStatus) error {
	if err := models.CheckRunTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return tx.UpdateFunctionRun(run)
}
