// ABOUTME: Recording DataAccess and AuditSink fakes for dispatcher tests.

package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/dbrelay/internal/protocol"
)

var errDriver = errors.New("pq: relation \"secret_internal_table\" does not exist")

type fakeData struct {
	mu    sync.Mutex
	calls []string
	err   error
	panic bool
}

func (f *fakeData) call(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.panic {
		panic("driver exploded")
	}
	return f.err
}

func (f *fakeData) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeData) AddRow(_ context.Context, _ string, row protocol.Row) (protocol.Row, error) {
	return row, f.call("AddRow")
}

func (f *fakeData) UpdateRow(_ context.Context, _ string, _, values protocol.Row) (protocol.Row, error) {
	return values, f.call("UpdateRow")
}

func (f *fakeData) DeleteRow(context.Context, string, protocol.Row) error {
	return f.call("DeleteRow")
}

func (f *fakeData) GetRowByPrimaryKey(_ context.Context, _ string, pk protocol.Row) (protocol.Row, error) {
	return pk, f.call("GetRowByPrimaryKey")
}

func (f *fakeData) GetRows(_ context.Context, _ string, page, perPage int, _ *protocol.Settings) (*RowsPage, error) {
	return &RowsPage{Page: page, PerPage: perPage}, f.call("GetRows")
}

func (f *fakeData) BulkUpdateRows(_ context.Context, _ string, pks []protocol.Row, _ protocol.Row) (int64, error) {
	return int64(len(pks)), f.call("BulkUpdateRows")
}

func (f *fakeData) BulkDeleteRows(_ context.Context, _ string, pks []protocol.Row) (int64, error) {
	return int64(len(pks)), f.call("BulkDeleteRows")
}

func (f *fakeData) GetTables(context.Context) ([]string, error) {
	return []string{"users"}, f.call("GetTables")
}

func (f *fakeData) GetTableStructure(context.Context, string) ([]Column, error) {
	return []Column{{Name: "id", DataType: "INTEGER", PrimaryKey: true}}, f.call("GetTableStructure")
}

func (f *fakeData) GetTableForeignKeys(context.Context, string) ([]ForeignKey, error) {
	return nil, f.call("GetTableForeignKeys")
}

func (f *fakeData) GetTablePrimaryColumns(context.Context, string) ([]string, error) {
	return []string{"id"}, f.call("GetTablePrimaryColumns")
}

func (f *fakeData) GetIdentityColumns(context.Context, string, string, string, []any) ([]protocol.Row, error) {
	return nil, f.call("GetIdentityColumns")
}

func (f *fakeData) ExecuteRawQuery(context.Context, string) ([]protocol.Row, error) {
	return []protocol.Row{{"n": 1}}, f.call("ExecuteRawQuery")
}

func (f *fakeData) TestConnect(context.Context) error {
	return f.call("TestConnect")
}

func (f *fakeData) ValidateSettings(context.Context, string, *protocol.Settings) (*SettingsReport, error) {
	return &SettingsReport{Valid: true}, f.call("ValidateSettings")
}

type recordingSink struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
	panic   bool
}

func (s *recordingSink) RecordAudit(_ context.Context, rec AuditRecord) error {
	if s.panic {
		panic("audit store gone")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) getRecords() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}
