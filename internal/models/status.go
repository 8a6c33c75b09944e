package models

import "fmt"

// ExecutionStatus is the derived status of an execution, the worst-case
// aggregate of its transactions.
type ExecutionStatus string

const (
	ExecutionScheduled       ExecutionStatus = "scheduled"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionFinished        ExecutionStatus = "finished"
	ExecutionFailedPartially ExecutionStatus = "failed_partially"
	ExecutionCanceled        ExecutionStatus = "canceled"
)

// TransactionStatus is the aggregate status of a transaction's function runs.
type TransactionStatus string

const (
	TransactionScheduled TransactionStatus = "scheduled"
	TransactionRunning   TransactionStatus = "running"
	TransactionFinished  TransactionStatus = "finished"
	TransactionCanceled  TransactionStatus = "canceled"
)

// FunctionRunStatus is the per-run lifecycle state.
type FunctionRunStatus string

const (
	RunScheduled    FunctionRunStatus = "scheduled"
	RunRequested    FunctionRunStatus = "run_requested"
	RunRunning      FunctionRunStatus = "running"
	RunDone         FunctionRunStatus = "done"
	RunError        FunctionRunStatus = "error"
	RunFailed       FunctionRunStatus = "failed"
	RunReScheduled  FunctionRunStatus = "re_scheduled"
	RunCommitted    FunctionRunStatus = "committed"
	RunCanceled     FunctionRunStatus = "canceled"
	RunYanked       FunctionRunStatus = "yanked"
)

// TableDataVersionStatus is the lifecycle of one table materialization.
type TableDataVersionStatus string

const (
	DataIncomplete TableDataVersionStatus = "incomplete"
	DataCommitted  TableDataVersionStatus = "committed"
	DataCanceled   TableDataVersionStatus = "canceled"
	DataYanked     TableDataVersionStatus = "yanked"
)

// WorkerMessageStatus tracks one dispatch attempt on the worker queue.
type WorkerMessageStatus string

const (
	MessageLocked     WorkerMessageStatus = "locked"
	MessageCommitted  WorkerMessageStatus = "committed"
	MessageRolledBack WorkerMessageStatus = "rolled_back"
)

var terminalRunStatuses = map[FunctionRunStatus]bool{
	RunFailed:    true,
	RunCommitted: true,
	RunCanceled:  true,
	RunYanked:    true,
}

var terminalTransactionStatuses = map[TransactionStatus]bool{
	TransactionFinished: true,
	TransactionCanceled: true,
}

var terminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionFinished:        true,
	ExecutionFailedPartially: true,
	ExecutionCanceled:        true,
}

// validRunTransitions encodes the run lifecycle:
// scheduled → run_requested → running → done/error/failed,
// error → re_scheduled → run_requested, done → committed on transaction
// commit, committed → yanked on operator removal. Cancel is valid from every
// non-terminal state and from done (a done-but-uncommitted run is swept when
// its transaction cancels).
var validRunTransitions = map[FunctionRunStatus]map[FunctionRunStatus]bool{
	RunScheduled: {
		RunRequested: true,
		RunFailed:    true, // dispatch retry budget exhausted
		RunCanceled:  true,
	},
	RunRequested: {
		RunRunning:   true,
		RunScheduled: true, // dispatch build failure, rolled back for re-poll
		RunCanceled:  true,
	},
	RunRunning: {
		RunDone:     true,
		RunError:    true,
		RunFailed:   true,
		RunCanceled: true,
	},
	RunDone: {
		RunCommitted: true,
		RunCanceled:  true,
	},
	RunError: {
		RunReScheduled: true,
		RunFailed:      true,
		RunCanceled:    true,
	},
	RunReScheduled: {
		RunRequested: true,
		RunCanceled:  true,
	},
	RunCommitted: {
		RunYanked: true,
	},
	RunFailed: {
		RunCanceled: true, // a failed run still participates in cancel cascades
	},
}

// IsTerminalRun reports whether a run status admits no further transitions
// other than yank of a committed run.
func IsTerminalRun(s FunctionRunStatus) bool { return terminalRunStatuses[s] }

// IsTerminalTransaction reports whether a transaction status is final.
// A transaction's status never regresses once finished or canceled.
func IsTerminalTransaction(s TransactionStatus) bool { return terminalTransactionStatuses[s] }

// IsTerminalExecution reports whether an execution status is final.
func IsTerminalExecution(s ExecutionStatus) bool { return terminalExecutionStatuses[s] }

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to FunctionRunStatus) bool {
	return validRunTransitions[from][to]
}

// CheckRunTransition returns ErrIllegalTransition when the move is not
// permitted by the run lifecycle.
func CheckRunTransition(from, to FunctionRunStatus) error {
	if !CanTransitionRun(from, to) {
		return fmt.Errorf("function run %s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}

// CanCancelRun reports whether a cancel request against a run in the given
// status is legal. Canceling an already canceled, committed or yanked run is
// an error, not a silent no-op.
func CanCancelRun(s FunctionRunStatus) bool {
	switch s {
	case RunCanceled, RunCommitted, RunYanked:
		return false
	default:
		return true
	}
}

// IsPollableRun reports whether the scheduler may consider a run for dispatch.
func IsPollableRun(s FunctionRunStatus) bool {
	return s == RunScheduled || s == RunReScheduled
}
