package models

import "time"

// Order status constants
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusDispute    = "dispute"
	OrderStatusCancelled  = "cancelled"
	OrderStatusFailed     = "failed"
)

// Order represents a paid purchase owning one or more order items.
// Status is mutated only by the orchestrator's aggregation step; payment
// flows live in other services.
type Order struct {
	ID         string
	Number     string
	CustomerID string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Items []*OrderItem
}

// OrderItem represents one purchased line referencing a server plan.
// Immutable after purchase except for the provisioning summary.
type OrderItem struct {
	ID       string
	OrderID  string
	PlanID   string
	Quantity int

	// ProvisioningSummary is filled once the item has been processed.
	ProvisioningSummary *ItemSummary

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestedQuantity normalizes the purchased quantity, treating zero or
// negative rows as a single unit.
func (i *OrderItem) RequestedQuantity() int {
	if i.Quantity < 1 {
		return 1
	}
	return i.Quantity
}

// ItemSummary records what provisioning did for one order item.
type ItemSummary struct {
	PlanName            string       `json:"plan_name"`
	QuantityRequested   int          `json:"quantity_requested"`
	QuantityProvisioned int          `json:"quantity_provisioned"`
	Clients             []UnitResult `json:"clients"`
}

// UnitResult is the outcome of provisioning a single client unit.
type UnitResult struct {
	Success     bool   `json:"success"`
	ClientID    string `json:"client_id,omitempty"`
	Email       string `json:"email,omitempty"`
	Link        string `json:"link,omitempty"`
	Synthesized bool   `json:"synthesized,omitempty"`
	Error       string `json:"error,omitempty"`
}
