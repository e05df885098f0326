// ABOUTME: Envelope and operation type definitions shared by relay and agent.
// ABOUTME: Encodes the closed set of operations and the handshake/reply control messages.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// ErrMalformedEnvelope is returned when a message cannot be decoded as an Envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// OperationType tags what an envelope carries.
type OperationType string

// Control operations.
const (
	OpInitialHandshake  OperationType = "initial-handshake"
	OpHandshakeAccepted OperationType = "handshake-accepted"
	OpDataFromAgent     OperationType = "data-from-agent"
	OpRequestAbandoned  OperationType = "request-abandoned"
)

// Command operations executed by the agent's dispatcher.
const (
	OpAddRow             OperationType = "add-row"
	OpUpdateRow          OperationType = "update-row"
	OpDeleteRow          OperationType = "delete-row"
	OpGetRowByPrimaryKey OperationType = "get-row-by-primary-key"
	OpGetRows            OperationType = "get-rows"
	OpBulkUpdateRows     OperationType = "bulk-update-rows"
	OpBulkDeleteRows     OperationType = "bulk-delete-rows"

	OpGetTables              OperationType = "get-tables"
	OpGetTableStructure      OperationType = "get-table-structure"
	OpGetTableForeignKeys    OperationType = "get-table-foreign-keys"
	OpGetTablePrimaryColumns OperationType = "get-table-primary-columns"
	OpGetIdentityColumns     OperationType = "get-identity-columns"

	OpExecuteRawQuery  OperationType = "execute-raw-query"
	OpTestConnect      OperationType = "test-connect"
	OpValidateSettings OperationType = "validate-settings"
)

var commandOperations = []OperationType{
	OpAddRow,
	OpUpdateRow,
	OpDeleteRow,
	OpGetRowByPrimaryKey,
	OpGetRows,
	OpBulkUpdateRows,
	OpBulkDeleteRows,
	OpGetTables,
	OpGetTableStructure,
	OpGetTableForeignKeys,
	OpGetTablePrimaryColumns,
	OpGetIdentityColumns,
	OpExecuteRawQuery,
	OpTestConnect,
	OpValidateSettings,
}

// CommandOperations returns every operation a caller may forward to an agent.
func CommandOperations() []OperationType {
	ops := make([]OperationType, len(commandOperations))
	copy(ops, commandOperations)
	return ops
}

// IsCommand reports whether op is one of the forwardable command operations.
func (op OperationType) IsCommand() bool {
	for _, c := range commandOperations {
		if c == op {
			return true
		}
	}
	return false
}

// IsMutation reports whether op changes data and must therefore be audited.
func (op OperationType) IsMutation() bool {
	switch op {
	case OpAddRow, OpUpdateRow, OpDeleteRow, OpBulkUpdateRows, OpBulkDeleteRows:
		return true
	default:
		return false
	}
}

// Envelope is the message unit exchanged over an agent transport.
type Envelope struct {
	OperationType      OperationType   `json:"operationType"`
	ConnectionIdentity string          `json:"connectionIdentity,omitempty"`
	RequestID          string          `json:"requestId,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Decode parses raw bytes into an Envelope. An envelope without an operation type is malformed.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.OperationType == "" {
		return nil, fmt.Errorf("%w: missing operationType", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Handshake builds the first envelope an agent sends.
func Handshake(rawToken string) *Envelope {
	return &Envelope{
		OperationType:      OpInitialHandshake,
		ConnectionIdentity: rawToken,
	}
}

// HandshakeAccepted builds the acknowledgement the relay sends once an agent is bound.
// It carries no identity; the agent already knows its token.
func HandshakeAccepted() *Envelope {
	return &Envelope{OperationType: OpHandshakeAccepted}
}

// Abandoned builds the notification the relay sends when a caller stopped waiting.
func Abandoned(requestID string) *Envelope {
	return &Envelope{
		OperationType: OpRequestAbandoned,
		RequestID:     requestID,
	}
}

// Close codes used on agent transports.
const (
	CloseShutdown             = websocket.StatusGoingAway
	CloseUnresponsive         = websocket.StatusGoingAway
	CloseTokenRejected        = websocket.StatusUnsupportedData
	CloseProtocolViolation    = websocket.StatusPolicyViolation
	CloseEvicted              = websocket.StatusTryAgainLater
	CloseAuthorityUnavailable = websocket.StatusTryAgainLater
)

// Close reasons paired with the codes above.
const (
	ReasonTokenRejected        = "connection token rejected"
	ReasonBadHandshake         = "expected initial-handshake with a connection token"
	ReasonTooManyErrors        = "too many malformed envelopes"
	ReasonEvicted              = "evicted: relay connection capacity reached"
	ReasonShutdown             = "relay shutting down"
	ReasonUnresponsive         = "agent did not answer ping"
	ReasonAuthorityUnavailable = "token authority unavailable, retry later"
)
