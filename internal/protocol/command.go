// ABOUTME: Command and result payloads carried inside envelopes.
// ABOUTME: The relay treats these as opaque; only the agent and callers decode them.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Row is a single table row keyed by column name.
type Row map[string]any

// Command is the payload of a forwarded command envelope. Fields are optional per operation.
type Command struct {
	OperationType OperationType `json:"operationType,omitempty"`
	TableName     string        `json:"tableName,omitempty"`
	Row           Row           `json:"row,omitempty"`
	PrimaryKey    Row           `json:"primaryKey,omitempty"`
	PrimaryKeys   []Row         `json:"primaryKeys,omitempty"`
	NewValues     Row           `json:"newValues,omitempty"`
	Page          int           `json:"page,omitempty"`
	PerPage       int           `json:"perPage,omitempty"`
	Query         string        `json:"query,omitempty"`
	Settings      *Settings     `json:"settings,omitempty"`

	ReferencedFieldName string `json:"referencedFieldName,omitempty"`
	IdentityColumnName  string `json:"identityColumnName,omitempty"`
	FieldValues         []any  `json:"fieldValues,omitempty"`

	// Email identifies the control-plane user on whose behalf the command runs.
	Email string `json:"email,omitempty"`
}

// Settings are per-table display settings validated against the live schema.
type Settings struct {
	ListFields     []string `json:"listFields,omitempty"`
	SearchFields   []string `json:"searchFields,omitempty"`
	ReadonlyFields []string `json:"readonlyFields,omitempty"`
	ExcludedFields []string `json:"excludedFields,omitempty"`
	OrderingField  string   `json:"orderingField,omitempty"`
	IdentityColumn string   `json:"identityColumn,omitempty"`
}

// Columns returns every column name referenced by the settings.
func (s *Settings) Columns() []string {
	if s == nil {
		return nil
	}
	var cols []string
	cols = append(cols, s.ListFields...)
	cols = append(cols, s.SearchFields...)
	cols = append(cols, s.ReadonlyFields...)
	cols = append(cols, s.ExcludedFields...)
	if s.OrderingField != "" {
		cols = append(cols, s.OrderingField)
	}
	if s.IdentityColumn != "" {
		cols = append(cols, s.IdentityColumn)
	}
	return cols
}

// DecodeCommand parses an envelope payload into a Command.
func DecodeCommand(payload json.RawMessage) (*Command, error) {
	var cmd Command
	if len(payload) == 0 {
		return &cmd, nil
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	return &cmd, nil
}

// ResultStatus tags the outcome of a dispatched command.
type ResultStatus string

const (
	StatusSuccess     ResultStatus = "success"
	StatusFailed      ResultStatus = "failed"
	StatusUnsupported ResultStatus = "unsupported"
)

// Result is the payload of a data-from-agent envelope.
type Result struct {
	Status ResultStatus `json:"status"`
	Data   any          `json:"data,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Reply wraps a result into the data-from-agent envelope for requestID.
func Reply(requestID string, result *Result) (*Envelope, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Envelope{
		OperationType: OpDataFromAgent,
		RequestID:     requestID,
		Payload:       payload,
	}, nil
}
