// Package datasource owns one pgxpool.Pool per catalog db id and is the
// only component allowed to execute generated SQL. The one-database-per-
// datasource bijection from the schema catalog is enforced here:
// ValidateScope refuses any step that spans more than one db id, which is
// what makes a single-step cross-database join statically impossible.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/querymind/nlsql/internal/model"
)

// QueryResult is the outcome of one Execute call.
type QueryResult struct {
	OK        bool
	Columns   []string
	Rows      []map[string]any
	RowCount  int
	Error     string
	Category  model.ErrorCategory
	ElapsedMS int64
}

// Manager holds one connection pool per logical db id.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool
}

// New opens one pool per entry in cfgs. Callers must call Close on
// shutdown.
func New(ctx context.Context, cfgs []model.DataSourceConnConfig) (*Manager, error) {
	m := &Manager{pools: make(map[string]*pgxpool.Pool, len(cfgs))}
	for _, cfg := range cfgs {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("datasource: open pool for %q: %w", cfg.DBID, err)
		}
		m.pools[cfg.DBID] = pool
	}
	return m, nil
}

func openPool(ctx context.Context, cfg model.DataSourceConnConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Close shuts down every pool. Safe to call on a partially initialized
// Manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}

// ListSources returns the db ids this manager has an open pool for.
func (m *Manager) ListSources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	return out
}

// ErrCrossDatabaseStep is returned by ValidateScope when a step names more
// than one db id, which would require a cross-database join.
var ErrCrossDatabaseStep = errors.New("datasource: step spans more than one database")

// ValidateScope enforces the one-db-per-step isolation invariant and that
// every named db id is known to this manager.
func (m *Manager) ValidateScope(dbIDs []string) error {
	if len(dbIDs) != 1 {
		return ErrCrossDatabaseStep
	}
	m.mu.RLock()
	_, ok := m.pools[dbIDs[0]]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("datasource: unknown database %q", dbIDs[0])
	}
	return nil
}

// Ping checks that dbID's pool can still reach its database, for health
// reporting rather than query execution.
func (m *Manager) Ping(ctx context.Context, dbID string) error {
	m.mu.RLock()
	pool, ok := m.pools[dbID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("datasource: unknown database %q", dbID)
	}
	return pool.Ping(ctx)
}

// readOnlyStatement reports whether sql parses as a single SELECT or WITH
// statement, with every CTE it references (recursively) also a plain
// SELECT. Anything else, or anything that fails to parse, is rejected. A
// bare top-level-statement-type check would miss a data-modifying CTE, e.g.
// `WITH t AS (DELETE FROM x RETURNING *) SELECT * FROM t`, which parses as
// a top-level SelectStmt.
func readOnlyStatement(sql string) (bool, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return false, err
	}
	if len(result.Stmts) != 1 {
		return false, nil
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return false, nil
	}
	return selectIsReadOnly(sel), nil
}

// selectIsReadOnly walks a SELECT's WITH-clause CTEs, rejecting any whose
// query is not itself a plain SELECT.
func selectIsReadOnly(sel *pg_query.SelectStmt) bool {
	if sel.WithClause == nil {
		return true
	}
	for _, cteNode := range sel.WithClause.Ctes {
		cte := cteNode.GetCommonTableExpr()
		if cte == nil || cte.Ctequery == nil {
			return false
		}
		cteSelect := cte.Ctequery.GetSelectStmt()
		if cteSelect == nil {
			return false
		}
		if !selectIsReadOnly(cteSelect) {
			return false
		}
	}
	return true
}

// Execute runs sql against dbID. sql is treated as opaque text generated by
// the developer-tier model; it is refused unless it parses as a pure read.
func (m *Manager) Execute(ctx context.Context, dbID, sql string) QueryResult {
	m.mu.RLock()
	pool, ok := m.pools[dbID]
	m.mu.RUnlock()
	if !ok {
		return QueryResult{Error: fmt.Sprintf("unknown database %q", dbID), Category: model.ErrorCategoryConnection}
	}

	ok, err := readOnlyStatement(sql)
	if err != nil {
		return QueryResult{Error: fmt.Sprintf("invalid SQL: %v", err), Category: model.ErrorCategorySyntax}
	}
	if !ok {
		return QueryResult{Error: "only SELECT/WITH statements are permitted", Category: model.ErrorCategoryPermission}
	}

	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return categorizeExecError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return categorizeExecError(err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return categorizeExecError(err)
	}

	return QueryResult{OK: true, Columns: columns, Rows: out, RowCount: len(out)}
}

func categorizeExecError(err error) QueryResult {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return QueryResult{Error: err.Error(), Category: model.ErrorCategoryConnection}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return QueryResult{Error: pgErr.Message, Category: categorizeSQLState(pgErr.Code)}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return QueryResult{OK: true, RowCount: 0}
	}

	if isPoolExhausted(err) {
		return QueryResult{Error: err.Error(), Category: model.ErrorCategoryConnection}
	}

	return QueryResult{Error: err.Error(), Category: model.ErrorCategoryOther}
}

func isPoolExhausted(err error) bool {
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "pool")
}

// categorizeSQLState maps a Postgres SQLSTATE class to an ErrorCategory.
// Class prefixes follow the Postgres error-code appendix: 42501 and class 28
// permission; the rest of class 42 (syntax errors and undefined objects
// alike) schema; 08 connection; 22/23 data.
func categorizeSQLState(code string) model.ErrorCategory {
	switch {
	case code == "42501":
		return model.ErrorCategoryPermission
	case strings.HasPrefix(code, "42"):
		return model.ErrorCategorySchema
	case strings.HasPrefix(code, "28"):
		return model.ErrorCategoryPermission
	case strings.HasPrefix(code, "08"):
		return model.ErrorCategoryConnection
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		return model.ErrorCategoryData
	default:
		return model.ErrorCategoryOther
	}
}
