package models

import (
	"encoding/json"
	"time"
)

// Provision attempt status constants
const (
	ProvisionStatusCompleted = "completed"
	ProvisionStatusFailed    = "failed"
)

// OrderServerClient is the append-only audit row for one provisioning
// attempt: what the orchestrator tried and what happened, independent of
// whether a ServerClient row exists.
type OrderServerClient struct {
	ID          string
	OrderID     string
	OrderItemID string

	// ServerClientID links the created credential on success.
	ServerClientID *string
	InboundID      *string

	ProvisionStatus string
	Attempts        int

	StartedAt  time.Time
	FinishedAt time.Time
	DurationMS int64

	// Config is the structured client config snapshot the attempt used.
	Config json.RawMessage
	// RemotePayload is the raw panel response object, nil on failure or
	// synthesis.
	RemotePayload json.RawMessage

	ErrorMessage *string

	CreatedAt time.Time
}
