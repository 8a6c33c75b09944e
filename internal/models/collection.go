package models

import "time"

// Collection is a namespace owning functions and tables. Identity is the id;
// the name is unique but renameable.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Function is the stable identity of a registered function. Exactly one
// FunctionVersion is current at any time.
type Function struct {
	ID               string    `json:"id"`
	CollectionID     string    `json:"collection_id"`
	Name             string    `json:"name"`
	CurrentVersionID string    `json:"current_version_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Function decorator roles. A publisher only produces tables and has no
// resolvable input requirements.
const (
	RoleTransformer = "transformer"
	RolePublisher   = "publisher"
)

// FunctionVersion is one immutable edit of a function: name, bundle, declared
// outputs and declared trigger/dependency references.
type FunctionVersion struct {
	ID           string    `json:"id"`
	FunctionID   string    `json:"function_id"`
	CollectionID string    `json:"collection_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	BundlePath   string    `json:"bundle_path"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefKind distinguishes trigger references (refresh schedules the function)
// from dependency references (data-only links).
type RefKind string

const (
	RefTrigger    RefKind = "trigger"
	RefDependency RefKind = "dependency"
)

// FunctionRef is one declared versioned table reference of a function
// version. CollectionName is empty when the reference stays inside the
// declaring function's collection. Expr is the raw version expression text;
// an empty Expr means trigger semantics (latest at trigger time). The
// referenced table is resolved by name at plan time, so forward references
// (including declared cycles) are legal at registration.
type FunctionRef struct {
	ID                string  `json:"id"`
	FunctionVersionID string  `json:"function_version_id"`
	Kind              RefKind `json:"kind"`
	CollectionName    string  `json:"collection_name,omitempty"`
	TableName         string  `json:"table_name"`
	Expr              string  `json:"expr,omitempty"`
	Pos               int     `json:"pos"`
}
