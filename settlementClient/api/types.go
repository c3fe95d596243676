package api

import (
	"encoding/json"
	"time"
)

// QueryResponse represents the standard query response format
type QueryResponse struct {
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// AuditEntry is the wire form of one audit record.
type AuditEntry struct {
	ID              string          `json:"id"`
	ProposalAddress string          `json:"proposal_address,omitempty"`
	Action          string          `json:"action"`
	Detail          json.RawMessage `json:"detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ProposalRecord is the wire form of one tracked proposal.
type ProposalRecord struct {
	Address           string     `json:"address"`
	Sequence          uint64     `json:"sequence"`
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	Signers           []string   `json:"signers"`
	NeedsSignatures   int        `json:"needs_signatures"`
	ExecutionAttempts int        `json:"execution_attempts"`
	ExecutionTxID     string     `json:"execution_tx_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExecutedAt        *time.Time `json:"executed_at,omitempty"`
}
