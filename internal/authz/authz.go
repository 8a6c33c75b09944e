// Package authz is the yes/no authorization gate in front of the
// orchestration operations. It wraps a casbin enforcer over an embedded
// model and policy; the core consumes only the boolean.
package authz

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casbin/casbin/v3"
)

//go:embed model.conf policy.csv
var embedFS embed.FS

// Actions checked against the gate.
const (
	ActionCreateExecution  = "create_execution"
	ActionCancel           = "cancel"
	ActionList             = "list"
	ActionTemplate         = "template"
	ActionRegisterFunction = "register_function"
	ActionPoll             = "poll"
	ActionReport           = "report"
	ActionYank             = "yank"
	ActionManageTokens     = "manage_tokens"
)

// Roles known to the embedded policy.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleWorker   = "worker"
	RoleViewer   = "viewer"
)

// Enforcer answers allow/forbid per (role, action, scope). The scope is a
// collection name or "*".
type Enforcer struct {
	e *casbin.Enforcer
}

// NewEnforcer builds the enforcer from the embedded model and policy files.
func NewEnforcer() (*Enforcer, error) {
	dir, err := os.MkdirTemp("", "tabflow-casbin-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for _, name := range []string{"model.conf", "policy.csv"} {
		data, err := embedFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return nil, err
		}
	}

	e, err := casbin.NewEnforcer(filepath.Join(dir, "model.conf"), filepath.Join(dir, "policy.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	return &Enforcer{e: e}, nil
}

// Check reports whether the role may perform the action in the scope.
// Scope is a collection name; empty means unscoped.
func (a *Enforcer) Check(role, action, scope string) (bool, error) {
	if scope == "" {
		scope = "*"
	}
	return a.e.Enforce(role, action, scope)
}
