// ABOUTME: The uniform data-access capability the dispatcher drives.
// ABOUTME: Implemented by datasource.SQL in the agent binary and by fakes in tests.

package dispatch

import (
	"context"

	"github.com/2389/dbrelay/internal/protocol"
)

// Column describes one column of a table.
type Column struct {
	Name         string  `json:"name"`
	DataType     string  `json:"dataType"`
	Nullable     bool    `json:"nullable"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	PrimaryKey   bool    `json:"primaryKey"`
}

// ForeignKey describes a column referencing another table.
type ForeignKey struct {
	ColumnName       string `json:"columnName"`
	ReferencedTable  string `json:"referencedTable"`
	ReferencedColumn string `json:"referencedColumn"`
}

// RowsPage is one page of a table listing.
type RowsPage struct {
	Rows       []protocol.Row `json:"rows"`
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalRows  int64          `json:"totalRows"`
	TotalPages int64          `json:"totalPages"`
}

// SettingsReport lists the problems found when checking settings against a table.
type SettingsReport struct {
	Valid          bool     `json:"valid"`
	UnknownColumns []string `json:"unknownColumns,omitempty"`
}

// DataAccess executes commands against one database.
type DataAccess interface {
	AddRow(ctx context.Context, table string, row protocol.Row) (protocol.Row, error)
	UpdateRow(ctx context.Context, table string, primaryKey, values protocol.Row) (protocol.Row, error)
	DeleteRow(ctx context.Context, table string, primaryKey protocol.Row) error
	GetRowByPrimaryKey(ctx context.Context, table string, primaryKey protocol.Row) (protocol.Row, error)
	GetRows(ctx context.Context, table string, page, perPage int, settings *protocol.Settings) (*RowsPage, error)
	BulkUpdateRows(ctx context.Context, table string, primaryKeys []protocol.Row, values protocol.Row) (int64, error)
	BulkDeleteRows(ctx context.Context, table string, primaryKeys []protocol.Row) (int64, error)

	GetTables(ctx context.Context) ([]string, error)
	GetTableStructure(ctx context.Context, table string) ([]Column, error)
	GetTableForeignKeys(ctx context.Context, table string) ([]ForeignKey, error)
	GetTablePrimaryColumns(ctx context.Context, table string) ([]string, error)
	GetIdentityColumns(ctx context.Context, table, referencedField, identityColumn string, values []any) ([]protocol.Row, error)

	ExecuteRawQuery(ctx context.Context, query string) ([]protocol.Row, error)
	TestConnect(ctx context.Context) error
	ValidateSettings(ctx context.Context, table string, settings *protocol.Settings) (*SettingsReport, error)
}
