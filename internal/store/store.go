// Package store is the transactional record store the orchestration core
// runs against. Every orchestration operation re-reads state, mutates and
// writes back inside one WithTx boundary; the core never holds records
// across calls.
package store

import (
	"context"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// Page bounds list results.
type Page struct {
	Limit  int
	Offset int
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	CollectionID string
	Status       models.ExecutionStatus
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	ExecutionID string
	Status      models.TransactionStatus
}

// FunctionRunFilter narrows run listings.
type FunctionRunFilter struct {
	ExecutionID   string
	TransactionID string
	Status        models.FunctionRunStatus
}

// Store opens transactional units of work.
type Store interface {
	// WithTx runs fn inside one transactional boundary. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close()
}

// Tx is the record-store surface available inside one transaction: selects
// by key, selects of matching sets, inserts and updates-by-key over the
// orchestration entities.
type Tx interface {
	// Collections.
	InsertCollection(c *models.Collection) error
	GetCollection(id string) (*models.Collection, error)
	GetCollectionByName(name string) (*models.Collection, error)
	ListCollections() ([]*models.Collection, error)
	UpdateCollection(c *models.Collection) error

	// Functions and versions.
	InsertFunction(f *models.Function) error
	UpdateFunction(f *models.Function) error
	GetFunction(id string) (*models.Function, error)
	GetFunctionByName(collectionID, name string) (*models.Function, error)
	ListFunctions(collectionID string) ([]*models.Function, error)
	InsertFunctionVersion(v *models.FunctionVersion) error
	GetFunctionVersion(id string) (*models.FunctionVersion, error)

	// Declared references. ListCurrentRefs returns the refs of every
	// function's current version, the set the planner walks.
	InsertFunctionRef(r *models.FunctionRef) error
	ListFunctionRefs(functionVersionID string) ([]*models.FunctionRef, error)
	ListCurrentRefs() ([]*models.FunctionRef, error)

	// Tables. DeleteTable fails while a live dependency still references
	// the table.
	InsertTable(t *models.Table) error
	GetTable(id string) (*models.Table, error)
	GetTableByName(collectionID, name string) (*models.Table, error)
	ListTables(collectionID string) ([]*models.Table, error)
	DeleteTable(id string) error
	InsertTableVersion(v *models.TableVersion) error
	ListTableVersions(tableID string) ([]*models.TableVersion, error)

	// Table data versions, in natural order (triggered_on, id).
	InsertTableDataVersion(v *models.TableDataVersion) error
	GetTableDataVersion(id string) (*models.TableDataVersion, error)
	ListTableDataVersions(tableID string) ([]*models.TableDataVersion, error)
	ListTableDataVersionsByRun(functionRunID string) ([]*models.TableDataVersion, error)
	UpdateTableDataVersion(v *models.TableDataVersion) error

	// Executions, transactions, runs.
	InsertExecution(e *models.Execution) error
	GetExecution(id string) (*models.Execution, error)
	ListExecutions(f ExecutionFilter, p Page) ([]*models.Execution, error)
	UpdateExecution(e *models.Execution) error

	InsertTransaction(t *models.Transaction) error
	GetTransaction(id string) (*models.Transaction, error)
	ListTransactionsByExecution(executionID string) ([]*models.Transaction, error)
	ListTransactions(f TransactionFilter, p Page) ([]*models.Transaction, error)
	UpdateTransaction(t *models.Transaction) error

	InsertFunctionRun(r *models.FunctionRun) error
	GetFunctionRun(id string) (*models.FunctionRun, error)
	ListFunctionRunsByTransaction(transactionID string) ([]*models.FunctionRun, error)
	ListFunctionRunsByExecution(executionID string) ([]*models.FunctionRun, error)
	ListFunctionRuns(f FunctionRunFilter, p Page) ([]*models.FunctionRun, error)
	// ListPollableRuns returns runs in scheduled/re_scheduled status in
	// scheduling order.
	ListPollableRuns(limit int) ([]*models.FunctionRun, error)
	UpdateFunctionRun(r *models.FunctionRun) error

	// Requirements.
	InsertRequirement(r *models.FunctionRequirement) error
	ListRequirementsByRun(functionRunID string) ([]*models.FunctionRequirement, error)
	// ListRequirementsOnDataVersions returns every requirement whose
	// condition data version is in ids; the cancel cascade walks these.
	ListRequirementsOnDataVersions(ids []string) ([]*models.FunctionRequirement, error)

	// Worker messages.
	InsertWorkerMessage(m *models.WorkerMessage) error
	GetLockedMessageForRun(functionRunID string) (*models.WorkerMessage, error)
	ListWorkerMessages(status models.WorkerMessageStatus) ([]*models.WorkerMessage, error)
	UpdateWorkerMessage(m *models.WorkerMessage) error

	// API tokens. Raw token values are stored hashed.
	InsertToken(t *models.APIToken, hash string) error
	GetTokenByHash(hash string) (*models.APIToken, error)
	UpdateTokenLastUsed(id string) error
	DeleteToken(id string) error
	ListTokens() ([]*models.APIToken, error)
}
