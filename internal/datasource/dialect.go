// ABOUTME: The few places SQLite and Postgres differ: placeholders, qualification, catalogs.

package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/dbrelay/internal/dispatch"
)

type dialect interface {
	placeholder(n int) string
	qualify(table string) string
	tables(ctx context.Context, db *sql.DB) ([]string, error)
	columns(ctx context.Context, db *sql.DB, table string) ([]dispatch.Column, error)
	foreignKeys(ctx context.Context, db *sql.DB, table string) ([]dispatch.ForeignKey, error)
	primaryColumns(ctx context.Context, db *sql.DB, table string) ([]string, error)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog: %w", err)
	}
	return out, nil
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) qualify(table string) string { return quoteIdent(table) }

func (sqliteDialect) tables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}

func (sqliteDialect) columns(ctx context.Context, db *sql.DB, table string) ([]dispatch.Column, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols []dispatch.Column
	for rows.Next() {
		var (
			c       dispatch.Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.DataType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table info: %w", err)
		}
		c.Nullable = notNull == 0 && pk == 0
		c.PrimaryKey = pk > 0
		if dflt.Valid {
			v := dflt.String
			c.DefaultValue = &v
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (sqliteDialect) foreignKeys(ctx context.Context, db *sql.DB, table string) ([]dispatch.ForeignKey, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT "from", "table", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fks := []dispatch.ForeignKey{}
	for rows.Next() {
		var fk dispatch.ForeignKey
		var to sql.NullString
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &to); err != nil {
			return nil, fmt.Errorf("scanning foreign key: %w", err)
		}
		// A NULL target means the referenced table's primary key.
		fk.ReferencedColumn = to.String
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (sqliteDialect) primaryColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	return queryStrings(ctx, db,
		`SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, table)
}

type postgresDialect struct {
	schema string
}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (d postgresDialect) qualify(table string) string {
	return quoteIdent(d.schema) + "." + quoteIdent(table)
}

func (d postgresDialect) tables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, d.schema)
}

func (d postgresDialect) columns(ctx context.Context, db *sql.DB, table string) ([]dispatch.Column, error) {
	pks, err := d.primaryColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	isPK := make(map[string]bool, len(pks))
	for _, p := range pks {
		isPK[p] = true
	}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, d.schema, table)
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols []dispatch.Column
	for rows.Next() {
		var c dispatch.Column
		var dflt sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &dflt); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		c.PrimaryKey = isPK[c.Name]
		if dflt.Valid {
			v := dflt.String
			c.DefaultValue = &v
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (d postgresDialect) foreignKeys(ctx context.Context, db *sql.DB, table string) ([]dispatch.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, d.schema, table)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fks := []dispatch.ForeignKey{}
	for rows.Next() {
		var fk dispatch.ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, fmt.Errorf("scanning foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (d postgresDialect) primaryColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	return queryStrings(ctx, db, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, d.schema, table)
}
