package models

import "errors"

// Sentinel errors for the orchestration core. Handlers map these onto HTTP
// status codes; everything else is treated as an upstream failure (500).
var (
	// ErrNotFound is returned when a referenced collection, function, table,
	// execution, transaction or run does not exist at the requested time.
	// Time-travel lookups produce this routinely; it is expected, not
	// exceptional.
	ErrNotFound = errors.New("not found")

	// ErrInvalidVersionExpr is returned for malformed HEAD/range/list syntax.
	ErrInvalidVersionExpr = errors.New("invalid version expression")

	// ErrUnsatisfiableRef is returned when a declared trigger/dependency
	// reference cannot be resolved against the registered graph or version
	// history (e.g. a fixed version id that does not exist).
	ErrUnsatisfiableRef = errors.New("unsatisfiable reference")

	// ErrIllegalTransition is returned when a status change is attempted on
	// an entity whose current status does not permit it, including cancel of
	// an already-terminal function run.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrDispatchConflict is returned when a dispatch would create a second
	// locked worker message for the same function run.
	ErrDispatchConflict = errors.New("dispatch conflict")

	// ErrForbidden is returned when the authorization gate denies an action.
	ErrForbidden = errors.New("forbidden")
)
