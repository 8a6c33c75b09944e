package models

import "time"

// TransactionBy selects how an execution's function runs are partitioned
// into transactions.
type TransactionBy string

const (
	TransactionByExecution  TransactionBy = "execution"
	TransactionByCollection TransactionBy = "collection"
	TransactionByFunction   TransactionBy = "function"
)

// TriggerReason records why a run is part of an execution.
type TriggerReason string

const (
	TriggerManual     TriggerReason = "manual"
	TriggerDependency TriggerReason = "dependency"
)

// Execution is one trigger event and the work derived from it. Status is
// derived from the aggregate state of its transactions.
type Execution struct {
	ID                string          `json:"id"`
	Name              string          `json:"name,omitempty"`
	CollectionID      string          `json:"collection_id"`
	FunctionVersionID string          `json:"function_version_id"`
	TriggeredBy       string          `json:"triggered_by"`
	TriggeredOn       time.Time       `json:"triggered_on"`
	Status            ExecutionStatus `json:"status"`
}

// Transaction is an atomically committed subset of an execution's runs,
// keyed deterministically by the active grouping policy.
type Transaction struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Key         string            `json:"key"`
	Status      TransactionStatus `json:"status"`
	StartedOn   *time.Time        `json:"started_on,omitempty"`
	EndedOn     *time.Time        `json:"ended_on,omitempty"`
	CommitID    string            `json:"commit_id,omitempty"`
	CommittedOn *time.Time        `json:"committed_on,omitempty"`
}

// FunctionRun is one scheduled invocation of a function version.
type FunctionRun struct {
	ID                string            `json:"id"`
	ExecutionID       string            `json:"execution_id"`
	TransactionID     string            `json:"transaction_id"`
	FunctionID        string            `json:"function_id"`
	FunctionVersionID string            `json:"function_version_id"`
	CollectionID      string            `json:"collection_id"`
	Name              string            `json:"name"`
	Reason            TriggerReason     `json:"reason"`
	Status            FunctionRunStatus `json:"status"`
	Retries           int               `json:"retries"`
	ScheduledOn       time.Time         `json:"scheduled_on"`
	StartedOn         *time.Time        `json:"started_on,omitempty"`
	EndedOn           *time.Time        `json:"ended_on,omitempty"`
}

// ResolveMode says when a requirement's version reference binds to concrete
// data: frozen at plan time, re-resolved at dispatch, or the run's own
// in-progress output (self references only).
type ResolveMode string

const (
	ResolvePlan    ResolveMode = "plan"
	ResolveCurrent ResolveMode = "current"
	ResolveSame    ResolveMode = "same"
)

// FunctionRequirement gates a run's dispatch on an upstream table data
// version reaching a terminal status. Condition ids are empty for
// current-mode references that resolved to nothing at plan time (bootstrap
// runs); those are satisfied vacuously and re-resolved at dispatch.
type FunctionRequirement struct {
	ID                          string      `json:"id"`
	ExecutionID                 string      `json:"execution_id"`
	TransactionID               string      `json:"transaction_id"`
	FunctionRunID               string      `json:"function_run_id"`
	TableID                     string      `json:"table_id"`
	Expr                        string      `json:"expr,omitempty"`
	Pos                         int         `json:"pos"`
	Mode                        ResolveMode `json:"mode"`
	ConditionFunctionRunID      string      `json:"condition_function_run_id,omitempty"`
	ConditionTableDataVersionID string      `json:"condition_table_data_version_id,omitempty"`
}

// WorkerMessage is the record of one dispatch attempt on the worker queue.
// It lives only as long as the dispatch/commit/rollback cycle it belongs to.
type WorkerMessage struct {
	ID            string              `json:"id"`
	FunctionRunID string              `json:"function_run_id"`
	CollectionID  string              `json:"collection_id"`
	ExecutionID   string              `json:"execution_id"`
	TransactionID string              `json:"transaction_id"`
	BundlePath    string              `json:"bundle_path,omitempty"`
	InputPaths    []string            `json:"input_paths,omitempty"`
	OutputPaths   []string            `json:"output_paths,omitempty"`
	Status        WorkerMessageStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
}
