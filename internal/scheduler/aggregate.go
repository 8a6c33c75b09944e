package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/store"
)

// refreshTransaction recomputes a transaction's status from its runs.
// Terminal transactions never regress. When every member run is done the
// transaction commits: the runs move to committed and the transaction
// records its commit id.
func refreshTransaction(tx store.Tx, transactionID string) error {
	txn, err := tx.GetTransaction(transactionID)
	if err != nil {
		return err
	}
	if models.IsTerminalTransaction(txn.Status) {
		return nil
	}

	runs, err := tx.ListFunctionRunsByTransaction(transactionID)
	if err != nil {
		return err
	}

	allDone := len(runs) > 0
	inFlight := false
	for _, r := range runs {
		if r.Status != models.RunDone {
			allDone = false
		}
		switch r.Status {
		case models.RunRequested, models.RunRunning, models.RunDone, models.RunError:
			inFlight = true
		}
	}

	now := time.Now().UTC()
	switch {
	case allDone:
		for _, r := range runs {
			r.Status = models.RunCommitted
			if err := tx.UpdateFunctionRun(r); err != nil {
				return err
			}
		}
		runsCommittedTotal.Add(float64(len(runs)))
		txn.Status = models.TransactionFinished
		txn.CommitID = uuid.New().String()
		txn.CommittedOn = &now
		txn.EndedOn = &now
	case inFlight:
		txn.Status = models.TransactionRunning
		if txn.StartedOn == nil {
			txn.StartedOn = &now
		}
	default:
		txn.Status = models.TransactionScheduled
	}
	return tx.UpdateTransaction(txn)
}

// refreshExecution recomputes an execution's status as the worst-case
// aggregate of its transactions.
func refreshExecution(tx store.Tx, executionID string) error {
	exec, err := tx.GetExecution(executionID)
	if err != nil {
		return err
	}

	txns, err := tx.ListTransactionsByExecution(executionID)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		return nil
	}

	finished, canceled, running := 0, 0, 0
	for _, t := range txns {
		switch t.Status {
		case models.TransactionFinished:
			finished++
		case models.TransactionCanceled:
			canceled++
		case models.TransactionRunning:
			running++
		}
	}

	var status models.ExecutionStatus
	switch {
	case finished == len(txns):
		status = models.ExecutionFinished
	case canceled == len(txns):
		status = models.ExecutionCanceled
	case finished+canceled == len(txns):
		status = models.ExecutionFailedPartially
	case running > 0:
		status = models.ExecutionRunning
	default:
		status = models.ExecutionScheduled
	}
	if status == exec.Status {
		return nil
	}
	exec.Status = status
	return tx.UpdateExecution(exec)
}
