package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/queue"
	"github.com/kartikbazzad/tabflow/internal/store"
)

// CancelRun cancels a function run and cascades: every run in the same
// transaction, and every downstream run whose requirement chain passes
// through a canceled data version, transitively and across executions. The
// whole cascade happens in one store transaction; a partial cascade is not
// an acceptable outcome. Canceling an already canceled, committed or yanked
// run is an error.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetFunctionRun(runID)
		if err != nil {
			return err
		}
		if !models.CanCancelRun(run.Status) {
			return fmt.Errorf("cancel run in status %s: %w", run.Status, models.ErrIllegalTransition)
		}
		return s.cascadeCancel(ctx, tx, []string{run.TransactionID})
	})
}

// CancelTransaction cancels a whole transaction and its downstream.
func (s *Scheduler) CancelTransaction(ctx context.Context, transactionID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		if models.IsTerminalTransaction(txn.Status) {
			return fmt.Errorf("cancel transaction in status %s: %w", txn.Status, models.ErrIllegalTransition)
		}
		return s.cascadeCancel(ctx, tx, []string{transactionID})
	})
}

// CancelExecution cancels every non-terminal transaction of an execution.
func (s *Scheduler) CancelExecution(ctx context.Context, executionID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		exec, err := tx.GetExecution(executionID)
		if err != nil {
			return err
		}
		if models.IsTerminalExecution(exec.Status) {
			return fmt.Errorf("cancel execution in status %s: %w", exec.Status, models.ErrIllegalTransition)
		}
		txns, err := tx.ListTransactionsByExecution(executionID)
		if err != nil {
			return err
		}
		var seeds []string
		for _, t := range txns {
			if !models.IsTerminalTransaction(t.Status) {
				seeds = append(seeds, t.ID)
			}
		}
		if len(seeds) == 0 {
			// Nothing cancelable; derive the final execution status.
			return refreshExecution(tx, executionID)
		}
		return s.cascadeCancel(ctx, tx, seeds)
	})
}

// cascadeCancel cancels the given transactions and walks downstream through
// the requirement graph: a canceled data version blocks every run requiring
// it, so their transactions cancel too. Cancellation is infectious at
// transaction granularity; runs already done are swept along, committed or
// yanked runs are left (their status cannot regress) and finished
// transactions are not reopened.
func (s *Scheduler) cascadeCancel(ctx context.Context, tx store.Tx, seeds []string) error {
	pending := append([]string(nil), seeds...)
	processed := map[string]bool{}
	executions := map[string]bool{}
	now := time.Now().UTC()

	for len(pending) > 0 {
		txnID := pending[0]
		pending = pending[1:]
		if processed[txnID] {
			continue
		}
		processed[txnID] = true

		txn, err := tx.GetTransaction(txnID)
		if err != nil {
			return err
		}
		if models.IsTerminalTransaction(txn.Status) {
			continue
		}
		executions[txn.ExecutionID] = true

		runs, err := tx.ListFunctionRunsByTransaction(txnID)
		if err != nil {
			return err
		}
		var canceledData []string
		for _, r := range runs {
			if !models.CanCancelRun(r.Status) {
				continue
			}
			if msg, err := tx.GetLockedMessageForRun(r.ID); err == nil {
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

			r.Status = models.RunCanceled
			r.EndedOn = &now
			if err := tx.UpdateFunctionRun(r); err != nil {
				return err
			}
			runsCanceledTotal.Inc()

			tdvs, err := tx.ListTableDataVersionsByRun(r.ID)
			if err != nil {
				return err
			}
			for _, v := range tdvs {
				if v.Status == models.DataIncomplete {
					v.Status = models.DataCanceled
					if err := tx.UpdateTableDataVersion(v); err != nil {
						return err
					}
				}
				canceledData = append(canceledData, v.ID)
			}
		}

		txn.Status = models.TransactionCanceled
		txn.EndedOn = &now
		if err := tx.UpdateTransaction(txn); err != nil {
			return err
		}

		// Downstream: anything gated on this transaction's data versions.
		reqs, err := tx.ListRequirementsOnDataVersions(canceledData)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if req.Mode == models.ResolveSame {
				continue
			}
			if !processed[req.TransactionID] {
				pending = append(pending, req.TransactionID)
			}
		}
	}

	for execID := range executions {
		if err := refreshExecution(tx, execID); err != nil {
			return err
		}
	}
	return nil
}
