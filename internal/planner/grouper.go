package planner

import (
	"fmt"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// GroupKey derives the deterministic transaction key for one function run
// under the active grouping policy. Repeated grouping of the same execution
// is idempotent because the key depends only on policy, scope id and
// execution id.
func GroupKey(policy models.TransactionBy, executionID, collectionID, functionID string) string {
	switch policy {
	case models.TransactionByCollection:
		return fmt.Sprintf("collection:%s:%s", collectionID, executionID)
	case models.TransactionByFunction:
		return fmt.Sprintf("function:%s:%s", functionID, executionID)
	default:
		return fmt.Sprintf("execution::%s", executionID)
	}
}

// Group partitions the planned runs into transaction keys, preserving first
// appearance order of each key. Transactions are created lazily the first
// time a key is seen.
func Group(policy models.TransactionBy, executionID string, entries []Entry) (keys []string, byKey map[string][]int) {
	byKey = make(map[string][]int)
	for i, e := range entries {
		k := GroupKey(policy, executionID, e.Collection.ID, e.Function.ID)
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], i)
	}
	return keys, byKey
}
