package models

import "time"

// Table is the stable identity of an output table, owned by the function that
// declared it. A table is never output by two unrelated functions at once.
type Table struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Name         string    `json:"name"`
	FunctionID   string    `json:"function_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableVersion is the shape of a table as declared by one function version.
type TableVersion struct {
	ID                string    `json:"id"`
	TableID           string    `json:"table_id"`
	FunctionVersionID string    `json:"function_version_id"`
	Pos               int       `json:"pos"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableDataVersion is one concrete materialization of a table, produced by
// exactly one function run. IDs are ULIDs (26 chars); natural order per table
// is (triggered_on, id), which is what HEAD/HEAD~N walk over.
type TableDataVersion struct {
	ID             string                 `json:"id"`
	TableID        string                 `json:"table_id"`
	TableVersionID string                 `json:"table_version_id"`
	ExecutionID    string                 `json:"execution_id"`
	TransactionID  string                 `json:"transaction_id"`
	FunctionRunID  string                 `json:"function_run_id"`
	TriggeredOn    time.Time              `json:"triggered_on"`
	Status         TableDataVersionStatus `json:"status"`
}

// InHead reports whether this data version participates in HEAD resolution.
// Canceled and yanked versions stay in history but resolve as absent.
func (v *TableDataVersion) InHead() bool {
	return v.Status == DataIncomplete || v.Status == DataCommitted
}
