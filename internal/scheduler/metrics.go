package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabflow_runs_dispatched_total",
		Help: "Function runs handed to the worker queue.",
	})
	dispatchRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabflow_dispatch_rollbacks_total",
		Help: "Dispatches rolled back to scheduled for re-poll.",
	})
	runsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabflow_runs_committed_total",
		Help: "Function runs committed with their transaction.",
	})
	runsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabflow_runs_canceled_total",
		Help: "Function runs canceled, including cascades.",
	})
	emptyPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabflow_empty_polls_total",
		Help: "Polls that found no ready work.",
	})
)
