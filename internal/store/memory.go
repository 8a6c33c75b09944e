package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// Memory is an in-process Store. Tests and single-node setups run against
// it; the pgx store is the production path. One mutex stands in for the
// database transaction: units of work are serialized, and callers validate
// before mutating so a failed unit leaves no partial writes.
type Memory struct {
	mu sync.Mutex

	collections  map[string]*models.Collection
	functions    map[string]*models.Function
	versions     map[string]*models.FunctionVersion
	refs         map[string]*models.FunctionRef
	tables       map[string]*models.Table
	tableVers    map[string]*models.TableVersion
	dataVers     map[string]*models.TableDataVersion
	executions   map[string]*models.Execution
	transactions map[string]*models.Transaction
	runs         map[string]*models.FunctionRun
	requirements map[string]*models.FunctionRequirement
	messages     map[string]*models.WorkerMessage
	tokens       map[string]*models.APIToken
	tokenHashes  map[string]string // hash -> token id

	order map[string][]string // entity kind -> ids in insertion order
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections:  make(map[string]*models.Collection),
		functions:    make(map[string]*models.Function),
		versions:     make(map[string]*models.FunctionVersion),
		refs:         make(map[string]*models.FunctionRef),
		tables:       make(map[string]*models.Table),
		tableVers:    make(map[string]*models.TableVersion),
		dataVers:     make(map[string]*models.TableDataVersion),
		executions:   make(map[string]*models.Execution),
		transactions: make(map[string]*models.Transaction),
		runs:         make(map[string]*models.FunctionRun),
		requirements: make(map[string]*models.FunctionRequirement),
		messages:     make(map[string]*models.WorkerMessage),
		tokens:       make(map[string]*models.APIToken),
		tokenHashes:  make(map[string]string),
		order:        make(map[string][]string),
	}
}

// WithTx serializes the unit of work under the store mutex.
func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{store: m})
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

func (m *Memory) push(kind, id string) {
	m.order[kind] = append(m.order[kind], id)
}

type memTx struct {
	store *Memory
}

func nowUTC() time.Time { return time.Now().UTC() }

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// --- Collections ---

func (t *memTx) InsertCollection(c *models.Collection) error {
	s := t.store
	if _, ok := s.collections[c.ID]; ok {
		return fmt.Errorf("collection %s already exists", c.ID)
	}
	s.collections[c.ID] = clone(c)
	s.push("collection", c.ID)
	return nil
}

func (t *memTx) GetCollection(id string) (*models.Collection, error) {
	if c, ok := t.store.collections[id]; ok {
		return clone(c), nil
	}
	return nil, fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
}

func (t *memTx) GetCollectionByName(name string) (*models.Collection, error) {
	for _, id := range t.store.order["collection"] {
		if c := t.store.collections[id]; c != nil && c.Name == name {
			return clone(c), nil
		}
	}
	return nil, fmt.Errorf("collection %q: %w", name, models.ErrNotFound)
}

func (t *memTx) ListCollections() ([]*models.Collection, error) {
	var out []*models.Collection
	for _, id := range t.store.order["collection"] {
		if c := t.store.collections[id]; c != nil {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (t *memTx) UpdateCollection(c *models.Collection) error {
	if _, ok := t.store.collections[c.ID]; !ok {
		return fmt.Errorf("collection %s: %w", c.ID, models.ErrNotFound)
	}
	t.store.collections[c.ID] = clone(c)
	return nil
}

// --- Functions ---

func (t *memTx) InsertFunction(f *models.Function) error {
	t.store.functions[f.ID] = clone(f)
	t.store.push("function", f.ID)
	return nil
}

func (t *memTx) UpdateFunction(f *models.Function) error {
	if _, ok := t.store.functions[f.ID]; !ok {
		return fmt.Errorf("function %s: %w", f.ID, models.ErrNotFound)
	}
	t.store.functions[f.ID] = clone(f)
	return nil
}

func (t *memTx) GetFunction(id string) (*models.Function, error) {
	if f, ok := t.store.functions[id]; ok {
		return clone(f), nil
	}
	return nil, fmt.Errorf("function %s: %w", id, models.ErrNotFound)
}

func (t *memTx) GetFunctionByName(collectionID, name string) (*models.Function, error) {
	for _, id := range t.store.order["function"] {
		f := t.store.functions[id]
		if f != nil && f.CollectionID == collectionID && f.Name == name {
			return clone(f), nil
		}
	}
	return nil, fmt.Errorf("function %q: %w", name, models.ErrNotFound)
}

func (t *memTx) ListFunctions(collectionID string) ([]*models.Function, error) {
	var out []*models.Function
	for _, id := range t.store.order["function"] {
		f := t.store.functions[id]
		if f != nil && (collectionID == "" || f.CollectionID == collectionID) {
			out = append(out, clone(f))
		}
	}
	return out, nil
}

func (t *memTx) InsertFunctionVersion(v *models.FunctionVersion) error {
	t.store.versions[v.ID] = clone(v)
	t.store.push("function_version", v.ID)
	return nil
}

func (t *memTx) GetFunctionVersion(id string) (*models.FunctionVersion, error) {
	if v, ok := t.store.versions[id]; ok {
		return clone(v), nil
	}
	return nil, fmt.Errorf("function version %s: %w", id, models.ErrNotFound)
}

// --- Refs ---

func (t *memTx) InsertFunctionRef(r *models.FunctionRef) error {
	t.store.refs[r.ID] = clone(r)
	t.store.push("ref", r.ID)
	return nil
}

func (t *memTx) ListFunctionRefs(functionVersionID string) ([]*models.FunctionRef, error) {
	var out []*models.FunctionRef
	for _, id := range t.store.order["ref"] {
		r := t.store.refs[id]
		if r != nil && r.FunctionVersionID == functionVersionID {
			out = append(out, clone(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out, nil
}

func (t *memTx) ListCurrentRefs() ([]*models.FunctionRef, error) {
	current := make(map[string]bool)
	for _, f := range t.store.functions {
		if f.CurrentVersionID != "" {
			current[f.CurrentVersionID] = true
		}
	}
	var out []*models.FunctionRef
	for _, id := range t.store.order["ref"] {
		r := t.store.refs[id]
		if r != nil && current[r.FunctionVersionID] {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// --- Tables ---

func (t *memTx) InsertTable(tb *models.Table) error {
	t.store.tables[tb.ID] = clone(tb)
	t.store.push("table", tb.ID)
	return nil
}

func (t *memTx) GetTable(id string) (*models.Table, error) {
	if tb, ok := t.store.tables[id]; ok {
		return clone(tb), nil
	}
	return nil, fmt.Errorf("table %s: %w", id, models.ErrNotFound)
}

func (t *memTx) GetTableByName(collectionID, name string) (*models.Table, error) {
	for _, id := range t.store.order["table"] {
		tb := t.store.tables[id]
		if tb != nil && tb.CollectionID == collectionID && tb.Name == name {
			return clone(tb), nil
		}
	}
	return nil, fmt.Errorf("table %q: %w", name, models.ErrNotFound)
}

func (t *memTx) ListTables(collectionID string) ([]*models.Table, error) {
	var out []*models.Table
	for _, id := range t.store.order["table"] {
		tb := t.store.tables[id]
		if tb != nil && (collectionID == "" || tb.CollectionID == collectionID) {
			out = append(out, clone(tb))
		}
	}
	return out, nil
}

// DeleteTable mirrors the RESTRICT foreign key of the SQL schema: a table
// referenced by any current dependency/trigger declaration cannot go away.
func (t *memTx) DeleteTable(id string) error {
	tb, ok := t.store.tables[id]
	if !ok {
		return fmt.Errorf("table %s: %w", id, models.ErrNotFound)
	}
	col, err := t.GetCollection(tb.CollectionID)
	if err != nil {
		return err
	}
	refs, err := t.ListCurrentRefs()
	if err != nil {
		return err
	}
	for _, r := range refs {
		if r.TableName != tb.Name {
			continue
		}
		owner, err := t.GetFunctionVersion(r.FunctionVersionID)
		if err != nil {
			continue
		}
		refCol := r.CollectionName
		if refCol == "" {
			if oc, err := t.GetCollection(owner.CollectionID); err == nil {
				refCol = oc.Name
			}
		}
		if refCol == col.Name {
			return fmt.Errorf("table %s still referenced by a live dependency", id)
		}
	}
	delete(t.store.tables, id)
	return nil
}

func (t *memTx) InsertTableVersion(v *models.TableVersion) error {
	t.store.tableVers[v.ID] = clone(v)
	t.store.push("table_version", v.ID)
	return nil
}

func (t *memTx) ListTableVersions(tableID string) ([]*models.TableVersion, error) {
	var out []*models.TableVersion
	for _, id := range t.store.order["table_version"] {
		v := t.store.tableVers[id]
		if v != nil && v.TableID == tableID {
			out = append(out, clone(v))
		}
	}
	return out, nil
}

// --- Table data versions ---

func (t *memTx) InsertTableDataVersion(v *models.TableDataVersion) error {
	t.store.dataVers[v.ID] = clone(v)
	t.store.push("data_version", v.ID)
	return nil
}

func (t *memTx) GetTableDataVersion(id string) (*models.TableDataVersion, error) {
	if v, ok := t.store.dataVers[id]; ok {
		return clone(v), nil
	}
	return nil, fmt.Errorf("table data version %s: %w", id, models.ErrNotFound)
}

func (t *memTx) ListTableDataVersions(tableID string) ([]*models.TableDataVersion, error) {
	var out []*models.TableDataVersion
	for _, id := range t.store.order["data_version"] {
		v := t.store.dataVers[id]
		if v != nil && v.TableID == tableID {
			out = append(out, clone(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TriggeredOn.Equal(out[j].TriggeredOn) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredOn.Before(out[j].TriggeredOn)
	})
	return out, nil
}

func (t *memTx) ListTableDataVersionsByRun(functionRunID string) ([]*models.TableDataVersion, error) {
	var out []*models.TableDataVersion
	for _, id := range t.store.order["data_version"] {
		v := t.store.dataVers[id]
		if v != nil && v.FunctionRunID == functionRunID {
			out = append(out, clone(v))
		}
	}
	return out, nil
}

func (t *memTx) UpdateTableDataVersion(v *models.TableDataVersion) error {
	if _, ok := t.store.dataVers[v.ID]; !ok {
		return fmt.Errorf("table data version %s: %w", v.ID, models.ErrNotFound)
	}
	t.store.dataVers[v.ID] = clone(v)
	return nil
}

// --- Executions ---

func (t *memTx) InsertExecution(e *models.Execution) error {
	t.store.executions[e.ID] = clone(e)
	t.store.push("execution", e.ID)
	return nil
}

func (t *memTx) GetExecution(id string) (*models.Execution, error) {
	if e, ok := t.store.executions[id]; ok {
		return clone(e), nil
	}
	return nil, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
}

func (t *memTx) ListExecutions(f ExecutionFilter, p Page) ([]*models.Execution, error) {
	var out []*models.Execution
	for _, id := range t.store.order["execution"] {
		e := t.store.executions[id]
		if e == nil {
			continue
		}
		if f.CollectionID != "" && e.CollectionID != f.CollectionID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, clone(e))
	}
	return paginate(out, p), nil
}

func (t *memTx) UpdateExecution(e *models.Execution) error {
	if _, ok := t.store.executions[e.ID]; !ok {
		return fmt.Errorf("execution %s: %w", e.ID, models.ErrNotFound)
	}
	t.store.executions[e.ID] = clone(e)
	return nil
}

// --- Transactions ---

func (t *memTx) InsertTransaction(tr *models.Transaction) error {
	t.store.transactions[tr.ID] = clone(tr)
	t.store.push("transaction", tr.ID)
	return nil
}

func (t *memTx) GetTransaction(id string) (*models.Transaction, error) {
	if tr, ok := t.store.transactions[id]; ok {
		return clone(tr), nil
	}
	return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
}

func (t *memTx) ListTransactionsByExecution(executionID string) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, id := range t.store.order["transaction"] {
		tr := t.store.transactions[id]
		if tr != nil && tr.ExecutionID == executionID {
			out = append(out, clone(tr))
		}
	}
	return out, nil
}

func (t *memTx) ListTransactions(f TransactionFilter, p Page) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, id := range t.store.order["transaction"] {
		tr := t.store.transactions[id]
		if tr == nil {
			continue
		}
		if f.ExecutionID != "" && tr.ExecutionID != f.ExecutionID {
			continue
		}
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		out = append(out, clone(tr))
	}
	return paginate(out, p), nil
}

func (t *memTx) UpdateTransaction(tr *models.Transaction) error {
	if _, ok := t.store.transactions[tr.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", tr.ID, models.ErrNotFound)
	}
	t.store.transactions[tr.ID] = clone(tr)
	return nil
}

// --- Function runs ---

func (t *memTx) InsertFunctionRun(r *models.FunctionRun) error {
	t.store.runs[r.ID] = clone(r)
	t.store.push("run", r.ID)
	return nil
}

func (t *memTx) GetFunctionRun(id string) (*models.FunctionRun, error) {
	if r, ok := t.store.runs[id]; ok {
		return clone(r), nil
	}
	return nil, fmt.Errorf("function run %s: %w", id, models.ErrNotFound)
}

func (t *memTx) ListFunctionRunsByTransaction(transactionID string) ([]*models.FunctionRun, error) {
	var out []*models.FunctionRun
	for _, id := range t.store.order["run"] {
		r := t.store.runs[id]
		if r != nil && r.TransactionID == transactionID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (t *memTx) ListFunctionRunsByExecution(executionID string) ([]*models.FunctionRun, error) {
	var out []*models.FunctionRun
	for _, id := range t.store.order["run"] {
		r := t.store.runs[id]
		if r != nil && r.ExecutionID == executionID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (t *memTx) ListFunctionRuns(f FunctionRunFilter, p Page) ([]*models.FunctionRun, error) {
	var out []*models.FunctionRun
	for _, id := range t.store.order["run"] {
		r := t.store.runs[id]
		if r == nil {
			continue
		}
		if f.ExecutionID != "" && r.ExecutionID != f.ExecutionID {
			continue
		}
		if f.TransactionID != "" && r.TransactionID != f.TransactionID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, clone(r))
	}
	return paginate(out, p), nil
}

func (t *memTx) ListPollableRuns(limit int) ([]*models.FunctionRun, error) {
	var out []*models.FunctionRun
	for _, id := range t.store.order["run"] {
		r := t.store.runs[id]
		if r != nil && models.IsPollableRun(r.Status) {
			out = append(out, clone(r))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) UpdateFunctionRun(r *models.FunctionRun) error {
	if _, ok := t.store.runs[r.ID]; !ok {
		return fmt.Errorf("function run %s: %w", r.ID, models.ErrNotFound)
	}
	t.store.runs[r.ID] = clone(r)
	return nil
}

// --- Requirements ---

func (t *memTx) InsertRequirement(r *models.FunctionRequirement) error {
	t.store.requirements[r.ID] = clone(r)
	t.store.push("requirement", r.ID)
	return nil
}

func (t *memTx) ListRequirementsByRun(functionRunID string) ([]*models.FunctionRequirement, error) {
	var out []*models.FunctionRequirement
	for _, id := range t.store.order["requirement"] {
		r := t.store.requirements[id]
		if r != nil && r.FunctionRunID == functionRunID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (t *memTx) ListRequirementsOnDataVersions(ids []string) ([]*models.FunctionRequirement, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.FunctionRequirement
	for _, id := range t.store.order["requirement"] {
		r := t.store.requirements[id]
		if r != nil && want[r.ConditionTableDataVersionID] {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// --- Worker messages ---

func (t *memTx) InsertWorkerMessage(m *models.WorkerMessage) error {
	t.store.messages[m.ID] = clone(m)
	t.store.push("message", m.ID)
	return nil
}

func (t *memTx) GetLockedMessageForRun(functionRunID string) (*models.WorkerMessage, error) {
	for _, id := range t.store.order["message"] {
		m := t.store.messages[id]
		if m != nil && m.FunctionRunID == functionRunID && m.Status == models.MessageLocked {
			return clone(m), nil
		}
	}
	return nil, fmt.Errorf("locked message for run %s: %w", functionRunID, models.ErrNotFound)
}

func (t *memTx) ListWorkerMessages(status models.WorkerMessageStatus) ([]*models.WorkerMessage, error) {
	var out []*models.WorkerMessage
	for _, id := range t.store.order["message"] {
		m := t.store.messages[id]
		if m != nil && (status == "" || m.Status == status) {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

func (t *memTx) UpdateWorkerMessage(m *models.WorkerMessage) error {
	if _, ok := t.store.messages[m.ID]; !ok {
		return fmt.Errorf("worker message %s: %w", m.ID, models.ErrNotFound)
	}
	t.store.messages[m.ID] = clone(m)
	return nil
}

// --- Tokens ---

func (t *memTx) InsertToken(tok *models.APIToken, hash string) error {
	t.store.tokens[tok.ID] = clone(tok)
	t.store.tokenHashes[hash] = tok.ID
	t.store.push("token", tok.ID)
	return nil
}

func (t *memTx) GetTokenByHash(hash string) (*models.APIToken, error) {
	id, ok := t.store.tokenHashes[hash]
	if !ok {
		return nil, fmt.Errorf("token: %w", models.ErrNotFound)
	}
	tok, ok := t.store.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token: %w", models.ErrNotFound)
	}
	return clone(tok), nil
}

func (t *memTx) UpdateTokenLastUsed(id string) error {
	tok, ok := t.store.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, models.ErrNotFound)
	}
	now := nowUTC()
	tok.LastUsedAt = &now
	return nil
}

func (t *memTx) DeleteToken(id string) error {
	tok, ok := t.store.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, models.ErrNotFound)
	}
	delete(t.store.tokens, tok.ID)
	for h, tid := range t.store.tokenHashes {
		if tid == id {
			delete(t.store.tokenHashes, h)
		}
	}
	return nil
}

func (t *memTx) ListTokens() ([]*models.APIToken, error) {
	var out []*models.APIToken
	for _, id := range t.store.order["token"] {
		if tok := t.store.tokens[id]; tok != nil {
			out = append(out, clone(tok))
		}
	}
	return out, nil
}

func paginate[T any](in []*T, p Page) []*T {
	if p.Offset > 0 {
		if p.Offset >= len(in) {
			return nil
		}
		in = in[p.Offset:]
	}
	if p.Limit > 0 && len(in) > p.Limit {
		in = in[:p.Limit]
	}
	return in
}
