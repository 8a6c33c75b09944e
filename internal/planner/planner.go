// Package planner turns a manually triggered function into an execution
// plan: the transitive closure of functions re-triggered through their
// declared trigger tables, the dependency graph around them, and the
// persisted execution/transaction/run/requirement records.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kartikbazzad/tabflow/internal/graph"
	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/store"
	"github.com/kartikbazzad/tabflow/internal/version"
)

// Entry is one function participating in a plan.
type Entry struct {
	Function   *models.Function
	Version    *models.FunctionVersion
	Collection *models.Collection
	Outputs    []*models.Table
	Refs       []*models.FunctionRef
	Reason     models.TriggerReason
}

// Plan is a ready-to-materialize execution plan rooted at one trigger.
type Plan struct {
	Root    *models.FunctionVersion
	Entries []Entry
	Graph   *graph.Graph
}

// Template is the read-only preview of what a trigger would produce.
type Template struct {
	Collection         string   `json:"collection"`
	Dataset            string   `json:"dataset"`
	TriggeredFunctions []string `json:"triggered_functions"`
	DOT                string   `json:"dot"`
}

// Planner builds and materializes plans.
type Planner struct {
	Policy models.TransactionBy
}

// New returns a planner with the given transaction grouping policy.
func New(policy models.TransactionBy) *Planner {
	if policy == "" {
		policy = models.TransactionByExecution
	}
	return &Planner{Policy: policy}
}

// Plan computes the trigger closure starting at the function owning
// rootVersionID. The walk is breadth-first in declaration order and never
// revisits a function, so declared cycles terminate with a finite,
// deduplicated set instead of erroring. Only the resulting set is part of
// the contract; visit order follows edge insertion order.
func (p *Planner) Plan(tx store.Tx, rootVersionID string) (*Plan, error) {
	rootVersion, err := tx.GetFunctionVersion(rootVersionID)
	if err != nil {
		return nil, err
	}

	currentRefs, err := tx.ListCurrentRefs()
	if err != nil {
		return nil, err
	}

	g := graph.New()
	var entries []Entry
	visited := map[string]bool{}
	queue := []string{rootVersion.FunctionID}
	visited[rootVersion.FunctionID] = true

	for len(queue) > 0 {
		fnID := queue[0]
		queue = queue[1:]

		entry, err := p.loadEntry(tx, fnID)
		if err != nil {
			return nil, err
		}
		if entry.Function.ID == rootVersion.FunctionID {
			entry.Reason = models.TriggerManual
		} else {
			entry.Reason = models.TriggerDependency
		}
		entries = append(entries, entry)

		fnNode := functionNode(entry)
		g.AddFunction(fnNode)
		for _, out := range entry.Outputs {
			tNode := tableNode(out, entry.Collection.Name)
			g.AddOutput(fnNode, tNode, tablePos(entry, out))

			// Functions whose current version declares a trigger on this
			// table join the closure.
			for _, ref := range currentRefs {
				if ref.Kind != models.RefTrigger {
					continue
				}
				if !refMatchesTable(tx, ref, out, entry.Collection.Name) {
					continue
				}
				owner, err := tx.GetFunctionVersion(ref.FunctionVersionID)
				if err != nil {
					return nil, err
				}
				downstream, err := tx.GetFunction(owner.FunctionID)
				if err != nil {
					return nil, err
				}
				downstreamCol, err := tx.GetCollection(owner.CollectionID)
				if err != nil {
					return nil, err
				}
				g.AddTrigger(tNode, graph.Node{
					ID:             downstream.ID,
					VersionID:      owner.ID,
					Name:           downstream.Name,
					CollectionID:   owner.CollectionID,
					CollectionName: downstreamCol.Name,
				})
				if !visited[downstream.ID] {
					visited[downstream.ID] = true
					queue = append(queue, downstream.ID)
				}
			}
		}
	}

	// Dependency edges for every closure member, including tables outside
	// the closure (data-linked, not triggered).
	for _, e := range entries {
		fnNode := functionNode(e)
		for _, ref := range e.Refs {
			if ref.Kind != models.RefDependency {
				continue
			}
			expr, err := version.Parse(ref.Expr)
			if err != nil {
				return nil, err
			}
			tNode, self := p.refTableNode(tx, ref, e)
			g.AddDependency(tNode, fnNode, ref.Pos, self, expr)
		}
	}

	return &Plan{Root: rootVersion, Entries: entries, Graph: g}, nil
}

// Template renders the plan preview.
func (p *Plan) Template() Template {
	names := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		names = append(names, e.Function.Name)
	}
	var collection string
	if len(p.Entries) > 0 {
		collection = p.Entries[0].Collection.Name
	}
	return Template{
		Collection:         collection,
		Dataset:            p.Root.Name,
		TriggeredFunctions: names,
		DOT:                p.Graph.DOT(),
	}
}

// Options tunes materialization.
type Options struct {
	// Name is the optional human-readable execution name.
	Name string
	// TriggeredBy is the principal creating the execution.
	TriggeredBy string
	// Now overrides the trigger-time baseline (tests); zero means wall clock.
	Now time.Time
}

// Materialize persists the plan as an execution: transactions per the
// grouping policy, one run per closure member, one incomplete table data
// version per declared output, and the requirements gating each run. Every
// dependency resolution observes the same trigger-time baseline, so two
// functions depending on HEAD of one table agree on the version. Callers
// wrap this in one store transaction; a resolution error persists nothing.
func (p *Planner) Materialize(tx store.Tx, plan *Plan, opts Options) (*models.Execution, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	exec := &models.Execution{
		ID:                uuid.New().String(),
		Name:              opts.Name,
		CollectionID:      plan.Root.CollectionID,
		FunctionVersionID: plan.Root.ID,
		TriggeredBy:       opts.TriggeredBy,
		TriggeredOn:       now,
		Status:            models.ExecutionScheduled,
	}
	if err := tx.InsertExecution(exec); err != nil {
		return nil, err
	}

	keys, byKey := Group(p.Policy, exec.ID, plan.Entries)
	txnByKey := make(map[string]*models.Transaction, len(keys))
	for _, k := range keys {
		txn := &models.Transaction{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			Key:         k,
			Status:      models.TransactionScheduled,
		}
		if err := tx.InsertTransaction(txn); err != nil {
			return nil, err
		}
		txnByKey[k] = txn
	}

	runs := make([]*models.FunctionRun, len(plan.Entries))
	for _, k := range keys {
		for _, i := range byKey[k] {
			e := plan.Entries[i]
			runs[i] = &models.FunctionRun{
				ID:                uuid.New().String(),
				ExecutionID:       exec.ID,
				TransactionID:     txnByKey[k].ID,
				FunctionID:        e.Function.ID,
				FunctionVersionID: e.Version.ID,
				CollectionID:      e.Collection.ID,
				Name:              e.Function.Name,
				Reason:            e.Reason,
				Status:            models.RunScheduled,
				ScheduledOn:       now,
			}
			if err := tx.InsertFunctionRun(runs[i]); err != nil {
				return nil, err
			}
		}
	}

	// New data versions for every declared output, keyed by table for
	// in-execution requirement wiring.
	type produced struct {
		run *models.FunctionRun
		tdv *models.TableDataVersion
	}
	producedByTable := make(map[string]produced)
	for i, e := range plan.Entries {
		for _, out := range e.Outputs {
			tv, err := currentTableVersion(tx, out.ID, e.Version.ID)
			if err != nil {
				return nil, err
			}
			tdv := &models.TableDataVersion{
				ID:             ulid.Make().String(),
				TableID:        out.ID,
				TableVersionID: tv,
				ExecutionID:    exec.ID,
				TransactionID:  runs[i].TransactionID,
				FunctionRunID:  runs[i].ID,
				TriggeredOn:    now,
				Status:         models.DataIncomplete,
			}
			if err := tx.InsertTableDataVersion(tdv); err != nil {
				return nil, err
			}
			producedByTable[out.ID] = produced{run: runs[i], tdv: tdv}
		}
	}

	for i, e := range plan.Entries {
		if e.Version.Role == models.RolePublisher {
			continue // publishers only produce
		}
		for _, ref := range e.Refs {
			expr, err := version.Parse(ref.Expr)
			if err != nil {
				return nil, err
			}
			if ref.Kind == models.RefTrigger && !expr.IsSingle() {
				return nil, fmt.Errorf("trigger on %s: %w: lists and ranges are not trigger semantics",
					ref.TableName, models.ErrInvalidVersionExpr)
			}

			req := models.FunctionRequirement{
				ExecutionID:   exec.ID,
				TransactionID: runs[i].TransactionID,
				FunctionRunID: runs[i].ID,
				Expr:          ref.Expr,
				Pos:           ref.Pos,
			}

			table, err := p.refTable(tx, ref, e)
			if err != nil {
				// A reference to a table nobody has registered yet is only
				// tolerable for relative expressions (bootstrap); fixed ids
				// must resolve.
				if exprHasFixed(expr) {
					return nil, fmt.Errorf("reference to %s: %w", ref.TableName, models.ErrUnsatisfiableRef)
				}
				req.ID = uuid.New().String()
				req.Mode = models.ResolveCurrent
				if err := tx.InsertRequirement(&req); err != nil {
					return nil, err
				}
				continue
			}
			req.TableID = table.ID

			if prod, ok := producedByTable[table.ID]; ok && prod.run.ID != runs[i].ID {
				// Produced upstream in this same execution: wait on the new
				// data version, frozen at plan time.
				req.ID = uuid.New().String()
				req.Mode = models.ResolvePlan
				req.ConditionFunctionRunID = prod.run.ID
				req.ConditionTableDataVersionID = prod.tdv.ID
				if err := tx.InsertRequirement(&req); err != nil {
					return nil, err
				}
				continue
			}

			self := table.FunctionID == e.Function.ID
			if self && isPlainHead(expr) {
				// Self reference to the in-progress output.
				prod := producedByTable[table.ID]
				req.ID = uuid.New().String()
				req.Mode = models.ResolveSame
				req.ConditionFunctionRunID = prod.run.ID
				req.ConditionTableDataVersionID = prod.tdv.ID
				if err := tx.InsertRequirement(&req); err != nil {
					return nil, err
				}
				continue
			}

			history, err := tableHistory(tx, table.ID, now, runs[i].ExecutionID)
			if err != nil {
				return nil, err
			}
			resolved, err := expr.Resolve(historyIDs(history))
			if err != nil {
				return nil, err
			}
			any := false
			for _, r := range resolved {
				if !r.Exists {
					continue
				}
				any = true
				tdv, err := tx.GetTableDataVersion(r.ID)
				if err != nil {
					return nil, err
				}
				rr := req
				rr.ID = uuid.New().String()
				rr.Mode = models.ResolvePlan
				rr.ConditionFunctionRunID = tdv.FunctionRunID
				rr.ConditionTableDataVersionID = tdv.ID
				if err := tx.InsertRequirement(&rr); err != nil {
					return nil, err
				}
			}
			if !any {
				// No history yet (bootstrap): satisfied vacuously and
				// re-resolved against whatever exists at dispatch.
				req.ID = uuid.New().String()
				req.Mode = models.ResolveCurrent
				if err := tx.InsertRequirement(&req); err != nil {
					return nil, err
				}
			}
		}
	}

	return exec, nil
}

func (p *Planner) loadEntry(tx store.Tx, functionID string) (Entry, error) {
	fn, err := tx.GetFunction(functionID)
	if err != nil {
		return Entry{}, err
	}
	fv, err := tx.GetFunctionVersion(fn.CurrentVersionID)
	if err != nil {
		return Entry{}, err
	}
	col, err := tx.GetCollection(fn.CollectionID)
	if err != nil {
		return Entry{}, err
	}
	tables, err := tx.ListTables(fn.CollectionID)
	if err != nil {
		return Entry{}, err
	}
	var outputs []*models.Table
	for _, t := range tables {
		if t.FunctionID == fn.ID {
			outputs = append(outputs, t)
		}
	}
	refs, err := tx.ListFunctionRefs(fv.ID)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Function: fn, Version: fv, Collection: col, Outputs: outputs, Refs: refs}, nil
}

// refTable resolves a declared reference to the table record, defaulting to
// the declaring function's collection when the reference names none.
func (p *Planner) refTable(tx store.Tx, ref *models.FunctionRef, e Entry) (*models.Table, error) {
	collectionID := e.Collection.ID
	if ref.CollectionName != "" && ref.CollectionName != e.Collection.Name {
		col, err := tx.GetCollectionByName(ref.CollectionName)
		if err != nil {
			return nil, err
		}
		collectionID = col.ID
	}
	return tx.GetTableByName(collectionID, ref.TableName)
}

func (p *Planner) refTableNode(tx store.Tx, ref *models.FunctionRef, e Entry) (graph.Node, bool) {
	if table, err := p.refTable(tx, ref, e); err == nil {
		colName := ref.CollectionName
		if colName == "" {
			colName = e.Collection.Name
		}
		return tableNode(table, colName), table.FunctionID == e.Function.ID
	}
	// Unregistered forward reference: a named placeholder node.
	return graph.Node{
		ID:             "pending:" + ref.CollectionName + "/" + ref.TableName,
		Name:           ref.TableName,
		CollectionName: ref.CollectionName,
	}, false
}

func refMatchesTable(tx store.Tx, ref *models.FunctionRef, table *models.Table, tableCollection string) bool {
	if ref.TableName != table.Name {
		return false
	}
	if ref.CollectionName == "" {
		// Same-collection reference: the declaring function must live in the
		// table's collection.
		owner, err := tx.GetFunctionVersion(ref.FunctionVersionID)
		if err != nil {
			return false
		}
		return owner.CollectionID == table.CollectionID
	}
	return ref.CollectionName == tableCollection
}

func functionNode(e Entry) graph.Node {
	return graph.Node{
		ID:             e.Function.ID,
		VersionID:      e.Version.ID,
		Name:           e.Function.Name,
		CollectionID:   e.Collection.ID,
		CollectionName: e.Collection.Name,
	}
}

func tableNode(t *models.Table, collectionName string) graph.Node {
	return graph.Node{
		ID:             t.ID,
		Name:           t.Name,
		CollectionID:   t.CollectionID,
		CollectionName: collectionName,
	}
}

func tablePos(e Entry, t *models.Table) int {
	for i, out := range e.Outputs {
		if out.ID == t.ID {
			return i
		}
	}
	return 0
}

// currentTableVersion picks the table version declared by the running
// function version, falling back to the latest declared shape.
func currentTableVersion(tx store.Tx, tableID, functionVersionID string) (string, error) {
	versions, err := tx.ListTableVersions(tableID)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.FunctionVersionID == functionVersionID {
			return v.ID, nil
		}
	}
	if len(versions) > 0 {
		return versions[len(versions)-1].ID, nil
	}
	return "", fmt.Errorf("table %s has no declared shape: %w", tableID, models.ErrNotFound)
}

// tableHistory returns the resolvable history of a table at the baseline:
// committed or pending versions triggered at or before the baseline,
// excluding the ones this very execution is about to produce.
func tableHistory(tx store.Tx, tableID string, baseline time.Time, executionID string) ([]*models.TableDataVersion, error) {
	all, err := tx.ListTableDataVersions(tableID)
	if err != nil {
		return nil, err
	}
	var out []*models.TableDataVersion
	for _, v := range all {
		if !v.InHead() || v.ExecutionID == executionID {
			continue
		}
		if v.TriggeredOn.After(baseline) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func historyIDs(history []*models.TableDataVersion) []string {
	ids := make([]string, len(history))
	for i, v := range history {
		ids[i] = v.ID
	}
	return ids
}

func isPlainHead(e version.Expr) bool {
	return e.Shape == version.ShapeSingle &&
		e.Atoms[0].Kind == version.AtomHead && e.Atoms[0].Back == 0
}

func exprHasFixed(e version.Expr) bool {
	for _, a := range e.Atoms {
		if a.Kind == version.AtomFixed {
			return true
		}
	}
	return false
}
