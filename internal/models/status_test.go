package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycleHappyPath(t *testing.T) {
	path := []FunctionRunStatus{
		RunScheduled, RunRequested, RunRunning, RunDone, RunCommitted, RunYanked,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransitionRun(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestRunRetryLoop(t *testing.T) {
	assert.True(t, CanTransitionRun(RunRunning, RunError))
	assert.True(t, CanTransitionRun(RunError, RunReScheduled))
	assert.True(t, CanTransitionRun(RunReScheduled, RunRequested))
	assert.True(t, CanTransitionRun(RunRequested, RunScheduled), "dispatch rollback")
}

func TestTerminalRunsRejectTransitions(t *testing.T) {
	targets := []FunctionRunStatus{
		RunScheduled, RunRequested, RunRunning, RunDone, RunError, RunReScheduled, RunCommitted,
	}
	for _, from := range []FunctionRunStatus{RunCanceled, RunYanked} {
		for _, to := range targets {
			assert.False(t, CanTransitionRun(from, to), "%s -> %s must be illegal", from, to)
		}
	}
	// Committed admits exactly one exit: yank.
	assert.True(t, CanTransitionRun(RunCommitted, RunYanked))
	for _, to := range targets {
		if to == RunCommitted {
			continue
		}
		assert.False(t, CanTransitionRun(RunCommitted, to), "committed -> %s must be illegal", to)
	}
}

func TestCheckRunTransitionError(t *testing.T) {
	err := CheckRunTransition(RunCanceled, RunScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	assert.NoError(t, CheckRunTransition(RunScheduled, RunRequested))
}

func TestCanCancelRun(t *testing.T) {
	cancelable := []FunctionRunStatus{
		RunScheduled, RunRequested, RunRunning, RunDone, RunError, RunReScheduled, RunFailed,
	}
	for _, s := range cancelable {
		assert.True(t, CanCancelRun(s), "%s should be cancelable", s)
	}
	for _, s := range []FunctionRunStatus{RunCanceled, RunCommitted, RunYanked} {
		assert.False(t, CanCancelRun(s), "%s must not be cancelable", s)
	}
}

func TestTerminalPredicates(t *testing.T) {
	assert.True(t, IsTerminalRun(RunFailed))
	assert.True(t, IsTerminalRun(RunCommitted))
	assert.False(t, IsTerminalRun(RunDone), "done awaits transaction commit")

	assert.True(t, IsTerminalTransaction(TransactionFinished))
	assert.True(t, IsTerminalTransaction(TransactionCanceled))
	assert.False(t, IsTerminalTransaction(TransactionRunning))

	assert.True(t, IsTerminalExecution(ExecutionFailedPartially))
	assert.False(t, IsTerminalExecution(ExecutionRunning))
}

func TestIsPollableRun(t *testing.T) {
	assert.True(t, IsPollableRun(RunScheduled))
	assert.True(t, IsPollableRun(RunReScheduled))
	assert.False(t, IsPollableRun(RunRequested))
	assert.False(t, IsPollableRun(RunError), "errored runs wait for an explicit requeue")
}

func TestDataVersionHeadMembership(t *testing.T) {
	inHead := []TableDataVersionStatus{DataIncomplete, DataCommitted}
	for _, s := range inHead {
		v := TableDataVersion{Status: s}
		assert.True(t, v.InHead(), "%s should be part of HEAD resolution", s)
	}
	for _, s := range []TableDataVersionStatus{DataCanceled, DataYanked} {
		v := TableDataVersion{Status: s}
		assert.False(t, v.InHead(), "%s must not resolve", s)
	}
}
