// ABOUTME: One handler per command operation, each making exactly one data-access call.
// ABOUTME: Failure messages here are what callers see; driver errors stay in agent logs.

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/dbrelay/internal/protocol"
)

// ErrInvalidCommand marks a command missing a field its operation needs.
var ErrInvalidCommand = errors.New("invalid command")

const defaultPerPage = 20

type handlerFunc func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error)

type handler struct {
	run     handlerFunc
	failure string
}

func requireTable(cmd *protocol.Command) error {
	if cmd.TableName == "" {
		return fmt.Errorf("%w: tableName is required", ErrInvalidCommand)
	}
	return nil
}

func requireKey(key protocol.Row, field string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, field)
	}
	return nil
}

func handlers() map[protocol.OperationType]handler {
	return map[protocol.OperationType]handler{
		protocol.OpAddRow: {
			failure: "failed to add row",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if err := requireKey(cmd.Row, "row"); err != nil {
					return nil, err
				}
				return data.AddRow(ctx, cmd.TableName, cmd.Row)
			},
		},
		protocol.OpUpdateRow: {
			failure: "failed to update row",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if err := requireKey(cmd.PrimaryKey, "primaryKey"); err != nil {
					return nil, err
				}
				values := cmd.NewValues
				if len(values) == 0 {
					values = cmd.Row
				}
				if err := requireKey(values, "newValues"); err != nil {
					return nil, err
				}
				return data.UpdateRow(ctx, cmd.TableName, cmd.PrimaryKey, values)
			},
		},
		protocol.OpDeleteRow: {
			failure: "failed to delete row",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if err := requireKey(cmd.PrimaryKey, "primaryKey"); err != nil {
					return nil, err
				}
				return nil, data.DeleteRow(ctx, cmd.TableName, cmd.PrimaryKey)
			},
		},
		protocol.OpGetRowByPrimaryKey: {
			failure: "failed to get row by primary key",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if err := requireKey(cmd.PrimaryKey, "primaryKey"); err != nil {
					return nil, err
				}
				return data.GetRowByPrimaryKey(ctx, cmd.TableName, cmd.PrimaryKey)
			},
		},
		protocol.OpGetRows: {
			failure: "failed to get rows",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				page, perPage := cmd.Page, cmd.PerPage
				if page < 1 {
					page = 1
				}
				if perPage < 1 {
					perPage = defaultPerPage
				}
				return data.GetRows(ctx, cmd.TableName, page, perPage, cmd.Settings)
			},
		},
		protocol.OpBulkUpdateRows: {
			failure: "failed to bulk update rows",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if len(cmd.PrimaryKeys) == 0 {
					return nil, fmt.Errorf("%w: primaryKeys is required", ErrInvalidCommand)
				}
				if err := requireKey(cmd.NewValues, "newValues"); err != nil {
					return nil, err
				}
				n, err := data.BulkUpdateRows(ctx, cmd.TableName, cmd.PrimaryKeys, cmd.NewValues)
				return map[string]int64{"affectedRows": n}, err
			},
		},
		protocol.OpBulkDeleteRows: {
			failure: "failed to bulk delete rows",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if len(cmd.PrimaryKeys) == 0 {
					return nil, fmt.Errorf("%w: primaryKeys is required", ErrInvalidCommand)
				}
				n, err := data.BulkDeleteRows(ctx, cmd.TableName, cmd.PrimaryKeys)
				return map[string]int64{"affectedRows": n}, err
			},
		},
		protocol.OpGetTables: {
			failure: "failed to get tables",
			run: func(ctx context.Context, data DataAccess, _ *protocol.Command) (any, error) {
				return data.GetTables(ctx)
			},
		},
		protocol.OpGetTableStructure: {
			failure: "failed to get table structure",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				return data.GetTableStructure(ctx, cmd.TableName)
			},
		},
		protocol.OpGetTableForeignKeys: {
			failure: "failed to get table foreign keys",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				return data.GetTableForeignKeys(ctx, cmd.TableName)
			},
		},
		protocol.OpGetTablePrimaryColumns: {
			failure: "failed to get table primary columns",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				return data.GetTablePrimaryColumns(ctx, cmd.TableName)
			},
		},
		protocol.OpGetIdentityColumns: {
			failure: "failed to get identity columns",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if cmd.ReferencedFieldName == "" || cmd.IdentityColumnName == "" {
					return nil, fmt.Errorf("%w: referencedFieldName and identityColumnName are required", ErrInvalidCommand)
				}
				return data.GetIdentityColumns(ctx, cmd.TableName, cmd.ReferencedFieldName, cmd.IdentityColumnName, cmd.FieldValues)
			},
		},
		protocol.OpExecuteRawQuery: {
			failure: "failed to execute raw query",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if cmd.Query == "" {
					return nil, fmt.Errorf("%w: query is required", ErrInvalidCommand)
				}
				return data.ExecuteRawQuery(ctx, cmd.Query)
			},
		},
		protocol.OpTestConnect: {
			failure: "failed to connect to database",
			run: func(ctx context.Context, data DataAccess, _ *protocol.Command) (any, error) {
				if err := data.TestConnect(ctx); err != nil {
					return nil, err
				}
				return map[string]bool{"connected": true}, nil
			},
		},
		protocol.OpValidateSettings: {
			failure: "failed to validate settings",
			run: func(ctx context.Context, data DataAccess, cmd *protocol.Command) (any, error) {
				if err := requireTable(cmd); err != nil {
					return nil, err
				}
				if cmd.Settings == nil {
					return nil, fmt.Errorf("%w: settings is required", ErrInvalidCommand)
				}
				return data.ValidateSettings(ctx, cmd.TableName, cmd.Settings)
			},
		},
	}
}
