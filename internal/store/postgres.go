package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// Postgres implements Store on a pgx connection pool. Each WithTx maps to
// one database transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// WithTx runs fn in a database transaction, committing on nil error.
func (p *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (p *Postgres) Close() { p.pool.Close() }

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// --- Collections ---

func (t *pgTx) InsertCollection(c *models.Collection) error {
	_, err := t.tx.Exec(t.ctx,
		"INSERT INTO collections (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)",
		c.ID, c.Name, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	return nil
}

func (t *pgTx) GetCollection(id string) (*models.Collection, error) {
	var c models.Collection
	err := t.tx.QueryRow(t.ctx,
		"SELECT id, name, created_at, updated_at FROM collections WHERE id = $1", id).
		Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "collection "+id)
	}
	return &c, nil
}

func (t *pgTx) GetCollectionByName(name string) (*models.Collection, error) {
	var c models.Collection
	err := t.tx.QueryRow(t.ctx,
		"SELECT id, name, created_at, updated_at FROM collections WHERE name = $1", name).
		Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "collection "+name)
	}
	return &c, nil
}

func (t *pgTx) ListCollections() ([]*models.Collection, error) {
	rows, err := t.tx.Query(t.ctx,
		"SELECT id, name, created_at, updated_at FROM collections ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*models.Collection
	for rows.Next() {
		var c models.Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateCollection(c *models.Collection) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE collections SET name = $2, updated_at = $3 WHERE id = $1",
		c.ID, c.Name, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	return nil
}

// --- Functions ---

func (t *pgTx) InsertFunction(f *models.Function) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO functions (id, collection_id, name, current_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.CollectionID, f.Name, f.CurrentVersionID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert function: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateFunction(f *models.Function) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE functions SET name = $2, current_version_id = $3, updated_at = $4 WHERE id = $1",
		f.ID, f.Name, f.CurrentVersionID, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update function: %w", err)
	}
	return nil
}

func scanFunction(row pgx.Row) (*models.Function, error) {
	var f models.Function
	err := row.Scan(&f.ID, &f.CollectionID, &f.Name, &f.CurrentVersionID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

const functionCols = "id, collection_id, name, current_version_id, created_at, updated_at"

func (t *pgTx) GetFunction(id string) (*models.Function, error) {
	f, err := scanFunction(t.tx.QueryRow(t.ctx,
		"SELECT "+functionCols+" FROM functions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "function "+id)
	}
	return f, nil
}

func (t *pgTx) GetFunctionByName(collectionID, name string) (*models.Function, error) {
	f, err := scanFunction(t.tx.QueryRow(t.ctx,
		"SELECT "+functionCols+" FROM functions WHERE collection_id = $1 AND name = $2",
		collectionID, name))
	if err != nil {
		return nil, notFound(err, "function "+name)
	}
	return f, nil
}

func (t *pgTx) ListFunctions(collectionID string) ([]*models.Function, error) {
	rows, err := t.tx.Query(t.ctx,
		"SELECT "+functionCols+" FROM functions WHERE ($1 = '' OR collection_id = $1) ORDER BY created_at",
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	defer rows.Close()

	var out []*models.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertFunctionVersion(v *models.FunctionVersion) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO function_versions (id, function_id, collection_id, name, description, bundle_path, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.FunctionID, v.CollectionID, v.Name, v.Description, v.BundlePath, v.Role, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert function version: %w", err)
	}
	return nil
}

func (t *pgTx) GetFunctionVersion(id string) (*models.FunctionVersion, error) {
	var v models.FunctionVersion
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, function_id, collection_id, name, description, bundle_path, role, created_at
		 FROM function_versions WHERE id = $1`, id).
		Scan(&v.ID, &v.FunctionID, &v.CollectionID, &v.Name, &v.Description, &v.BundlePath, &v.Role, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err, "function version "+id)
	}
	return &v, nil
}

// --- Refs ---

const refCols = "id, function_version_id, kind, collection_name, table_name, expr, pos"

func (t *pgTx) InsertFunctionRef(r *models.FunctionRef) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO function_refs (id, function_version_id, kind, collection_name, table_name, expr, pos)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.FunctionVersionID, r.Kind, r.CollectionName, r.TableName, r.Expr, r.Pos)
	if err != nil {
		return fmt.Errorf("failed to insert function ref: %w", err)
	}
	return nil
}

func (t *pgTx) queryRefs(query string, args ...any) ([]*models.FunctionRef, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list function refs: %w", err)
	}
	defer rows.Close()

	var out []*models.FunctionRef
	for rows.Next() {
		var r models.FunctionRef
		if err := rows.Scan(&r.ID, &r.FunctionVersionID, &r.Kind, &r.CollectionName, &r.TableName, &r.Expr, &r.Pos); err != nil {
			return nil, fmt.Errorf("failed to scan function ref: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListFunctionRefs(functionVersionID string) ([]*models.FunctionRef, error) {
	return t.queryRefs(
		"SELECT "+refCols+" FROM function_refs WHERE function_version_id = $1 ORDER BY pos",
		functionVersionID)
}

func (t *pgTx) ListCurrentRefs() ([]*models.FunctionRef, error) {
	return t.queryRefs(
		`SELECT r.id, r.function_version_id, r.kind, r.collection_name, r.table_name, r.expr, r.pos
		 FROM function_refs r
		 JOIN functions f ON f.current_version_id = r.function_version_id
		 ORDER BY r.pos`)
}

// --- Tables ---

const tableCols = "id, collection_id, name, function_id, created_at"

func (t *pgTx) InsertTable(tb *models.Table) error {
	_, err := t.tx.Exec(t.ctx,
		"INSERT INTO tables_ (id, collection_id, name, function_id, created_at) VALUES ($1, $2, $3, $4, $5)",
		tb.ID, tb.CollectionID, tb.Name, tb.FunctionID, tb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert table: %w", err)
	}
	return nil
}

func scanTable(row pgx.Row) (*models.Table, error) {
	var tb models.Table
	if err := row.Scan(&tb.ID, &tb.CollectionID, &tb.Name, &tb.FunctionID, &tb.CreatedAt); err != nil {
		return nil, err
	}
	return &tb, nil
}

func (t *pgTx) GetTable(id string) (*models.Table, error) {
	tb, err := scanTable(t.tx.QueryRow(t.ctx,
		"SELECT "+tableCols+" FROM tables_ WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "table "+id)
	}
	return tb, nil
}

func (t *pgTx) GetTableByName(collectionID, name string) (*models.Table, error) {
	tb, err := scanTable(t.tx.QueryRow(t.ctx,
		"SELECT "+tableCols+" FROM tables_ WHERE collection_id = $1 AND name = $2", collectionID, name))
	if err != nil {
		return nil, notFound(err, "table "+name)
	}
	return tb, nil
}

func (t *pgTx) ListTables(collectionID string) ([]*models.Table, error) {
	rows, err := t.tx.Query(t.ctx,
		"SELECT "+tableCols+" FROM tables_ WHERE ($1 = '' OR collection_id = $1) ORDER BY created_at",
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []*models.Table
	for rows.Next() {
		tb, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}

// DeleteTable relies on the RESTRICT foreign key from dependency references;
// a constraint violation surfaces as an error, not a delete.
func (t *pgTx) DeleteTable(id string) error {
	_, err := t.tx.Exec(t.ctx, "DELETE FROM tables_ WHERE id = $1", id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("table %s still referenced by a live dependency", id)
		}
		return fmt.Errorf("failed to delete table: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTableVersion(v *models.TableVersion) error {
	_, err := t.tx.Exec(t.ctx,
		"INSERT INTO table_versions (id, table_id, function_version_id, pos, created_at) VALUES ($1, $2, $3, $4, $5)",
		v.ID, v.TableID, v.FunctionVersionID, v.Pos, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert table version: %w", err)
	}
	return nil
}

func (t *pgTx) ListTableVersions(tableID string) ([]*models.TableVersion, error) {
	rows, err := t.tx.Query(t.ctx,
		"SELECT id, table_id, function_version_id, pos, created_at FROM table_versions WHERE table_id = $1 ORDER BY created_at",
		tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list table versions: %w", err)
	}
	defer rows.Close()

	var out []*models.TableVersion
	for rows.Next() {
		var v models.TableVersion
		if err := rows.Scan(&v.ID, &v.TableID, &v.FunctionVersionID, &v.Pos, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table version: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- Table data versions ---

const dataVersionCols = "id, table_id, table_version_id, execution_id, transaction_id, function_run_id, triggered_on, status"

func (t *pgTx) InsertTableDataVersion(v *models.TableDataVersion) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO table_data_versions (`+dataVersionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.TableID, v.TableVersionID, v.ExecutionID, v.TransactionID, v.FunctionRunID, v.TriggeredOn, v.Status)
	if err != nil {
		return fmt.Errorf("failed to insert table data version: %w", err)
	}
	return nil
}

func (t *pgTx) queryDataVersions(query string, args ...any) ([]*models.TableDataVersion, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list table data versions: %w", err)
	}
	defer rows.Close()

	var out []*models.TableDataVersion
	for rows.Next() {
		var v models.TableDataVersion
		if err := rows.Scan(&v.ID, &v.TableID, &v.TableVersionID, &v.ExecutionID, &v.TransactionID, &v.FunctionRunID, &v.TriggeredOn, &v.Status); err != nil {
			return nil, fmt.Errorf("failed to scan table data version: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (t *pgTx) GetTableDataVersion(id string) (*models.TableDataVersion, error) {
	var v models.TableDataVersion
	err := t.tx.QueryRow(t.ctx,
		"SELECT "+dataVersionCols+" FROM table_data_versions WHERE id = $1", id).
		Scan(&v.ID, &v.TableID, &v.TableVersionID, &v.ExecutionID, &v.TransactionID, &v.FunctionRunID, &v.TriggeredOn, &v.Status)
	if err != nil {
		return nil, notFound(err, "table data version "+id)
	}
	return &v, nil
}

func (t *pgTx) ListTableDataVersions(tableID string) ([]*models.TableDataVersion, error) {
	return t.queryDataVersions(
		"SELECT "+dataVersionCols+" FROM table_data_versions WHERE table_id = $1 ORDER BY triggered_on, id",
		tableID)
}

func (t *pgTx) ListTableDataVersionsByRun(functionRunID string) ([]*models.TableDataVersion, error) {
	return t.queryDataVersions(
		"SELECT "+dataVersionCols+" FROM table_data_versions WHERE function_run_id = $1 ORDER BY triggered_on, id",
		functionRunID)
}

func (t *pgTx) UpdateTableDataVersion(v *models.TableDataVersion) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE table_data_versions SET status = $2 WHERE id = $1", v.ID, v.Status)
	if err != nil {
		return fmt.Errorf("failed to update table data version: %w", err)
	}
	return nil
}

// --- Executions ---

const executionCols = "id, name, collection_id, function_version_id, triggered_by, triggered_on, status"

func (t *pgTx) InsertExecution(e *models.Execution) error {
	_, err := t.tx.Exec(t.ctx,
		"INSERT INTO executions ("+executionCols+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		e.ID, e.Name, e.CollectionID, e.FunctionVersionID, e.TriggeredBy, e.TriggeredOn, e.Status)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (t *pgTx) GetExecution(id string) (*models.Execution, error) {
	var e models.Execution
	err := t.tx.QueryRow(t.ctx,
		"SELECT "+executionCols+" FROM executions WHERE id = $1", id).
		Scan(&e.ID, &e.Name, &e.CollectionID, &e.FunctionVersionID, &e.TriggeredBy, &e.TriggeredOn, &e.Status)
	if err != nil {
		return nil, notFound(err, "execution "+id)
	}
	return &e, nil
}

func (t *pgTx) ListExecutions(f ExecutionFilter, p Page) ([]*models.Execution, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+executionCols+` FROM executions
		 WHERE ($1 = '' OR collection_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY triggered_on DESC LIMIT $3 OFFSET $4`,
		f.CollectionID, string(f.Status), limitOrDefault(p.Limit), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var e models.Execution
		if err := rows.Scan(&e.ID, &e.Name, &e.CollectionID, &e.FunctionVersionID, &e.TriggeredBy, &e.TriggeredOn, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateExecution(e *models.Execution) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE executions SET name = $2, status = $3 WHERE id = $1", e.ID, e.Name, e.Status)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return nil
}

// --- Transactions ---

const transactionCols = "id, execution_id, key_, status, started_on, ended_on, commit_id, committed_on"

func (t *pgTx) InsertTransaction(tr *models.Transaction) error {
	_, err := t.tx.Exec(t.ctx,
		"INSERT INTO transactions ("+transactionCols+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		tr.ID, tr.ExecutionID, tr.Key, tr.Status, tr.StartedOn, tr.EndedOn, tr.CommitID, tr.CommittedOn)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tr models.Transaction
	err := row.Scan(&tr.ID, &tr.ExecutionID, &tr.Key, &tr.Status, &tr.StartedOn, &tr.EndedOn, &tr.CommitID, &tr.CommittedOn)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) GetTransaction(id string) (*models.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(t.ctx,
		"SELECT "+transactionCols+" FROM transactions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return tr, nil
}

func (t *pgTx) queryTransactions(query string, args ...any) ([]*models.Transaction, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) ListTransactionsByExecution(executionID string) ([]*models.Transaction, error) {
	return t.queryTransactions(
		"SELECT "+transactionCols+" FROM transactions WHERE execution_id = $1 ORDER BY key_",
		executionID)
}

func (t *pgTx) ListTransactions(f TransactionFilter, p Page) ([]*models.Transaction, error) {
	return t.queryTransactions(
		`SELECT `+transactionCols+` FROM transactions
		 WHERE ($1 = '' OR execution_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY key_ LIMIT $3 OFFSET $4`,
		f.ExecutionID, string(f.Status), limitOrDefault(p.Limit), p.Offset)
}

func (t *pgTx) UpdateTransaction(tr *models.Transaction) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE transactions SET status = $2, started_on = $3, ended_on = $4, commit_id = $5, committed_on = $6
		 WHERE id = $1`,
		tr.ID, tr.Status, tr.StartedOn, tr.EndedOn, tr.CommitID, tr.CommittedOn)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// --- Function runs ---

const runCols = "id, execution_id, transaction_id, function_id, function_version_id, collection_id, name, reason, status, retries, scheduled_on, started_on, ended_on"

func (t *pgTx) InsertFunctionRun(r *models.FunctionRun) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO function_runs (`+runCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ExecutionID, r.TransactionID, r.FunctionID, r.FunctionVersionID, r.CollectionID,
		r.Name, r.Reason, r.Status, r.Retries, r.ScheduledOn, r.StartedOn, r.EndedOn)
	if err != nil {
		return fmt.Errorf("failed to insert function run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*models.FunctionRun, error) {
	var r models.FunctionRun
	err := row.Scan(&r.ID, &r.ExecutionID, &r.TransactionID, &r.FunctionID, &r.FunctionVersionID,
		&r.CollectionID, &r.Name, &r.Reason, &r.Status, &r.Retries, &r.ScheduledOn, &r.StartedOn, &r.EndedOn)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) GetFunctionRun(id string) (*models.FunctionRun, error) {
	r, err := scanRun(t.tx.QueryRow(t.ctx,
		"SELECT "+runCols+" FROM function_runs WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "function run "+id)
	}
	return r, nil
}

func (t *pgTx) queryRuns(query string, args ...any) ([]*models.FunctionRun, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list function runs: %w", err)
	}
	defer rows.Close()

	var out []*models.FunctionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListFunctionRunsByTransaction(transactionID string) ([]*models.FunctionRun, error) {
	return t.queryRuns(
		"SELECT "+runCols+" FROM function_runs WHERE transaction_id = $1 ORDER BY scheduled_on, id",
		transactionID)
}

func (t *pgTx) ListFunctionRunsByExecution(executionID string) ([]*models.FunctionRun, error) {
	return t.queryRuns(
		"SELECT "+runCols+" FROM function_runs WHERE execution_id = $1 ORDER BY scheduled_on, id",
		executionID)
}

func (t *pgTx) ListFunctionRuns(f FunctionRunFilter, p Page) ([]*models.FunctionRun, error) {
	return t.queryRuns(
		`SELECT `+runCols+` FROM function_runs
		 WHERE ($1 = '' OR execution_id = $1) AND ($2 = '' OR transaction_id = $2) AND ($3 = '' OR status = $3)
		 ORDER BY scheduled_on, id LIMIT $4 OFFSET $5`,
		f.ExecutionID, f.TransactionID, string(f.Status), limitOrDefault(p.Limit), p.Offset)
}

func (t *pgTx) ListPollableRuns(limit int) ([]*models.FunctionRun, error) {
	return t.queryRuns(
		`SELECT `+runCols+` FROM function_runs
		 WHERE status IN ($1, $2) ORDER BY scheduled_on, id LIMIT $3 FOR UPDATE SKIP LOCKED`,
		models.RunScheduled, models.RunReScheduled, limitOrDefault(limit))
}

func (t *pgTx) UpdateFunctionRun(r *models.FunctionRun) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE function_runs SET status = $2, retries = $3, started_on = $4, ended_on = $5 WHERE id = $1`,
		r.ID, r.Status, r.Retries, r.StartedOn, r.EndedOn)
	if err != nil {
		return fmt.Errorf("failed to update function run: %w", err)
	}
	return nil
}

// --- Requirements ---

const requirementCols = "id, execution_id, transaction_id, function_run_id, table_id, expr, pos, mode, condition_function_run_id, condition_table_data_version_id"

func (t *pgTx) InsertRequirement(r *models.FunctionRequirement) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO function_requirements (`+requirementCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ExecutionID, r.TransactionID, r.FunctionRunID, r.TableID, r.Expr, r.Pos,
		r.Mode, r.ConditionFunctionRunID, r.ConditionTableDataVersionID)
	if err != nil {
		return fmt.Errorf("failed to insert requirement: %w", err)
	}
	return nil
}

func (t *pgTx) queryRequirements(query string, args ...any) ([]*models.FunctionRequirement, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer rows.Close()

	var out []*models.FunctionRequirement
	for rows.Next() {
		var r models.FunctionRequirement
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.TransactionID, &r.FunctionRunID, &r.TableID,
			&r.Expr, &r.Pos, &r.Mode, &r.ConditionFunctionRunID, &r.ConditionTableDataVersionID); err != nil {
			return nil, fmt.Errorf("failed to scan requirement: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListRequirementsByRun(functionRunID string) ([]*models.FunctionRequirement, error) {
	return t.queryRequirements(
		"SELECT "+requirementCols+" FROM function_requirements WHERE function_run_id = $1 ORDER BY pos",
		functionRunID)
}

func (t *pgTx) ListRequirementsOnDataVersions(ids []string) ([]*models.FunctionRequirement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.queryRequirements(
		"SELECT "+requirementCols+" FROM function_requirements WHERE condition_table_data_version_id = ANY($1)",
		ids)
}

// --- Worker messages ---

const messageCols = "id, function_run_id, collection_id, execution_id, transaction_id, bundle_path, input_paths, output_paths, status, created_at"

func (t *pgTx) InsertWorkerMessage(m *models.WorkerMessage) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO worker_messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.FunctionRunID, m.CollectionID, m.ExecutionID, m.TransactionID,
		m.BundlePath, m.InputPaths, m.OutputPaths, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worker message: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*models.WorkerMessage, error) {
	var m models.WorkerMessage
	err := row.Scan(&m.ID, &m.FunctionRunID, &m.CollectionID, &m.ExecutionID, &m.TransactionID,
		&m.BundlePath, &m.InputPaths, &m.OutputPaths, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) GetLockedMessageForRun(functionRunID string) (*models.WorkerMessage, error) {
	m, err := scanMessage(t.tx.QueryRow(t.ctx,
		"SELECT "+messageCols+" FROM worker_messages WHERE function_run_id = $1 AND status = $2",
		functionRunID, models.MessageLocked))
	if err != nil {
		return nil, notFound(err, "locked message for run "+functionRunID)
	}
	return m, nil
}

func (t *pgTx) ListWorkerMessages(status models.WorkerMessageStatus) ([]*models.WorkerMessage, error) {
	rows, err := t.tx.Query(t.ctx,
		"SELECT "+messageCols+" FROM worker_messages WHERE ($1 = '' OR status = $1) ORDER BY created_at",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list worker messages: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateWorkerMessage(m *models.WorkerMessage) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE worker_messages SET status = $2 WHERE id = $1", m.ID, m.Status)
	if err != nil {
		return fmt.Errorf("failed to update worker message: %w", err)
	}
	return nil
}

// --- Tokens ---

func (t *pgTx) InsertToken(tok *models.APIToken, hash string) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO api_tokens (id, principal, role, name, token_hash, created_at, expires_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tok.ID, tok.Principal, tok.Role, tok.Name, hash, tok.CreatedAt, tok.ExpiresAt, tok.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (t *pgTx) GetTokenByHash(hash string) (*models.APIToken, error) {
	var tok models.APIToken
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, principal, role, name, created_at, expires_at, last_used_at
		 FROM api_tokens WHERE token_hash = $1`, hash).
		Scan(&tok.ID, &tok.Principal, &tok.Role, &tok.Name, &tok.CreatedAt, &tok.ExpiresAt, &tok.LastUsedAt)
	if err != nil {
		return nil, notFound(err, "token")
	}
	return &tok, nil
}

func (t *pgTx) UpdateTokenLastUsed(id string) error {
	_, err := t.tx.Exec(t.ctx,
		"UPDATE api_tokens SET last_used_at = $2 WHERE id = $1", id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteToken(id string) error {
	_, err := t.tx.Exec(t.ctx, "DELETE FROM api_tokens WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (t *pgTx) ListTokens() ([]*models.APIToken, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT id, principal, role, name, created_at, expires_at, last_used_at
		 FROM api_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.APIToken
	for rows.Next() {
		var tok models.APIToken
		if err := rows.Scan(&tok.ID, &tok.Principal, &tok.Role, &tok.Name, &tok.CreatedAt, &tok.ExpiresAt, &tok.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		out = append(out, &tok)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
