package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolePermissions(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	tests := []struct {
		role   string
		action string
		want   bool
	}{
		{RoleAdmin, ActionManageTokens, true},
		{RoleAdmin, ActionYank, true},
		{RoleAdmin, ActionCreateExecution, true},
		{RoleAdmin, ActionPoll, true},

		{RoleOperator, ActionCreateExecution, true},
		{RoleOperator, ActionCancel, true},
		{RoleOperator, ActionRegisterFunction, true},
		{RoleOperator, ActionList, true},
		{RoleOperator, ActionManageTokens, false},
		{RoleOperator, ActionYank, false},
		{RoleOperator, ActionPoll, false},

		{RoleWorker, ActionPoll, true},
		{RoleWorker, ActionReport, true},
		{RoleWorker, ActionList, true},
		{RoleWorker, ActionCreateExecution, false},
		{RoleWorker, ActionCancel, false},

		{RoleViewer, ActionList, true},
		{RoleViewer, ActionTemplate, true},
		{RoleViewer, ActionCreateExecution, false},
		{RoleViewer, ActionCancel, false},

		{"nobody", ActionList, false},
	}
	for _, tt := range tests {
		got, err := e.Check(tt.role, tt.action, "")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s / %s", tt.role, tt.action)
	}
}

func TestScopeDefaultsToWildcard(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	unscoped, err := e.Check(RoleOperator, ActionCancel, "")
	require.NoError(t, err)
	scoped, err := e.Check(RoleOperator, ActionCancel, "demo")
	require.NoError(t, err)
	assert.Equal(t, unscoped, scoped)
}
