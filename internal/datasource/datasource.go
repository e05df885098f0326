// ABOUTME: database/sql implementation of the dispatcher's data-access capability.
// ABOUTME: Runs against SQLite (modernc.org/sqlite) or Postgres (pgx stdlib).

package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/2389/dbrelay/internal/dispatch"
	"github.com/2389/dbrelay/internal/protocol"
)

// Supported values for database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrTableNotFound     = errors.New("table not found")
	ErrRowNotFound       = errors.New("row not found")
)

// SQL executes commands against one database/sql pool.
type SQL struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var _ dispatch.DataAccess = (*SQL)(nil)

// Open connects to the database described by driver and dsn. For Postgres, schema
// selects the namespace tables are listed from (default "public").
func Open(ctx context.Context, driver, dsn, schema string, logger *slog.Logger) (*SQL, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		sqlDriver string
		d         dialect
	)
	switch driver {
	case DriverSQLite:
		sqlDriver, d = "sqlite", sqliteDialect{}
	case DriverPostgres:
		if schema == "" {
			schema = "public"
		}
		sqlDriver, d = "pgx", postgresDialect{schema: schema}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	logger.Info("data source connected", "driver", driver)
	return &SQL{db: db, dialect: d, logger: logger}, nil
}

// New wraps an existing pool. Used by tests that seed a database first.
func New(db *sql.DB, driver, schema string, logger *slog.Logger) (*SQL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch driver {
	case DriverSQLite:
		return &SQL{db: db, dialect: sqliteDialect{}, logger: logger}, nil
	case DriverPostgres:
		if schema == "" {
			schema = "public"
		}
		return &SQL{db: db, dialect: postgresDialect{schema: schema}, logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// Close closes the pool.
func (s *SQL) Close() error {
	return s.db.Close()
}

// AddRow inserts row and returns it as stored.
func (s *SQL) AddRow(ctx context.Context, table string, row protocol.Row) (protocol.Row, error) {
	cols := sortedKeys(row)
	args := make([]any, len(cols))
	phs := make([]string, len(cols))
	for i, c := range cols {
		args[i] = row[c]
		phs[i] = s.dialect.placeholder(i + 1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		s.dialect.qualify(table), quoteList(cols), strings.Join(phs, ", "))
	return s.queryOne(ctx, query, args...)
}

// UpdateRow sets values on the row matching primaryKey and returns the updated row.
func (s *SQL) UpdateRow(ctx context.Context, table string, primaryKey, values protocol.Row) (protocol.Row, error) {
	set, args := s.assignments(values, 1)
	where, whereArgs := s.where(primaryKey, len(args)+1)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *", s.dialect.qualify(table), set, where)
	return s.queryOne(ctx, query, append(args, whereArgs...)...)
}

// DeleteRow deletes the row matching primaryKey.
func (s *SQL) DeleteRow(ctx context.Context, table string, primaryKey protocol.Row) error {
	where, args := s.where(primaryKey, 1)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.dialect.qualify(table), where), args...)
	if err != nil {
		return fmt.Errorf("deleting row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrRowNotFound
	}
	return nil
}

// GetRowByPrimaryKey returns the row matching primaryKey.
func (s *SQL) GetRowByPrimaryKey(ctx context.Context, table string, primaryKey protocol.Row) (protocol.Row, error) {
	where, args := s.where(primaryKey, 1)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", s.dialect.qualify(table), where)
	return s.queryOne(ctx, query, args...)
}

// GetRows returns one page of table. Settings narrow the columns and set the order.
func (s *SQL) GetRows(ctx context.Context, table string, page, perPage int, settings *protocol.Settings) (*dispatch.RowsPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	qualified := s.dialect.qualify(table)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualified).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}

	cols := "*"
	orderBy := ""
	var excluded []string
	if settings != nil {
		if len(settings.ListFields) > 0 {
			cols = quoteList(settings.ListFields)
		}
		if settings.OrderingField != "" {
			orderBy = " ORDER BY " + quoteIdent(settings.OrderingField)
		}
		excluded = settings.ExcludedFields
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s LIMIT %s OFFSET %s",
		cols, qualified, orderBy, s.dialect.placeholder(1), s.dialect.placeholder(2))
	rows, err := s.query(ctx, query, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, c := range excluded {
			delete(row, c)
		}
	}

	return &dispatch.RowsPage{
		Rows:       rows,
		Page:       page,
		PerPage:    perPage,
		TotalRows:  total,
		TotalPages: (total + int64(perPage) - 1) / int64(perPage),
	}, nil
}

// BulkUpdateRows applies values to every row in primaryKeys in one transaction.
func (s *SQL) BulkUpdateRows(ctx context.Context, table string, primaryKeys []protocol.Row, values protocol.Row) (int64, error) {
	set, setArgs := s.assignments(values, 1)
	return s.inTx(ctx, primaryKeys, func(tx *sql.Tx, pk protocol.Row) (sql.Result, error) {
		where, whereArgs := s.where(pk, len(setArgs)+1)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.dialect.qualify(table), set, where)
		args := append(append([]any{}, setArgs...), whereArgs...)
		return tx.ExecContext(ctx, query, args...)
	})
}

// BulkDeleteRows deletes every row in primaryKeys in one transaction.
func (s *SQL) BulkDeleteRows(ctx context.Context, table string, primaryKeys []protocol.Row) (int64, error) {
	return s.inTx(ctx, primaryKeys, func(tx *sql.Tx, pk protocol.Row) (sql.Result, error) {
		where, args := s.where(pk, 1)
		return tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.dialect.qualify(table), where), args...)
	})
}

// GetTables lists user tables.
func (s *SQL) GetTables(ctx context.Context) ([]string, error) {
	return s.dialect.tables(ctx, s.db)
}

// GetTableStructure describes the columns of table.
func (s *SQL) GetTableStructure(ctx context.Context, table string) ([]dispatch.Column, error) {
	cols, err := s.dialect.columns(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return cols, nil
}

// GetTableForeignKeys lists the foreign keys declared on table.
func (s *SQL) GetTableForeignKeys(ctx context.Context, table string) ([]dispatch.ForeignKey, error) {
	return s.dialect.foreignKeys(ctx, s.db, table)
}

// GetTablePrimaryColumns lists the primary key columns of table in key order.
func (s *SQL) GetTablePrimaryColumns(ctx context.Context, table string) ([]string, error) {
	return s.dialect.primaryColumns(ctx, s.db, table)
}

// GetIdentityColumns returns referencedField and identityColumn for the rows whose
// referencedField is in values. Callers use it to show a readable label next to a
// foreign key.
func (s *SQL) GetIdentityColumns(ctx context.Context, table, referencedField, identityColumn string, values []any) ([]protocol.Row, error) {
	if len(values) == 0 {
		return []protocol.Row{}, nil
	}
	phs := make([]string, len(values))
	for i := range values {
		phs[i] = s.dialect.placeholder(i + 1)
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		quoteIdent(referencedField), quoteIdent(identityColumn), s.dialect.qualify(table),
		quoteIdent(referencedField), strings.Join(phs, ", "))
	return s.query(ctx, query, values...)
}

// ExecuteRawQuery runs query as-is and returns its rows.
func (s *SQL) ExecuteRawQuery(ctx context.Context, query string) ([]protocol.Row, error) {
	return s.query(ctx, query)
}

// TestConnect checks the database is reachable.
func (s *SQL) TestConnect(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ValidateSettings checks every column named in settings exists on table.
func (s *SQL) ValidateSettings(ctx context.Context, table string, settings *protocol.Settings) (*dispatch.SettingsReport, error) {
	cols, err := s.GetTableStructure(ctx, table)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}

	report := &dispatch.SettingsReport{Valid: true}
	seen := make(map[string]bool)
	for _, name := range settings.Columns() {
		if !known[name] && !seen[name] {
			report.UnknownColumns = append(report.UnknownColumns, name)
			seen[name] = true
		}
	}
	report.Valid = len(report.UnknownColumns) == 0
	return report, nil
}

func (s *SQL) inTx(ctx context.Context, keys []protocol.Row, exec func(*sql.Tx, protocol.Row) (sql.Result, error)) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, pk := range keys {
		if len(pk) == 0 {
			return 0, fmt.Errorf("empty primary key in bulk operation")
		}
		res, err := exec(tx, pk)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reading affected rows: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return total, nil
}

// assignments renders `"a" = $n, "b" = $n+1` for values, numbering from start.
func (s *SQL) assignments(values protocol.Row, start int) (string, []any) {
	cols := sortedKeys(values)
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = quoteIdent(c) + " = " + s.dialect.placeholder(start+i)
		args[i] = values[c]
	}
	return strings.Join(parts, ", "), args
}

// where renders an AND of equality conditions for key, numbering from start.
func (s *SQL) where(key protocol.Row, start int) (string, []any) {
	cols := sortedKeys(key)
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = quoteIdent(c) + " = " + s.dialect.placeholder(start+i)
		args[i] = key[c]
	}
	return strings.Join(parts, " AND "), args
}

func (s *SQL) queryOne(ctx context.Context, query string, args ...any) (protocol.Row, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRowNotFound
	}
	return rows[0], nil
}

func (s *SQL) query(ctx context.Context, query string, args ...any) ([]protocol.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func sortedKeys(row protocol.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
