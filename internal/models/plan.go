package models

import "time"

// Provisioning mode constants
const (
	ProvisionModeShared    = "shared"
	ProvisionModeDedicated = "dedicated"
)

// Plan category constants. Categories carry provisioning intent: "single"
// sells one dedicated credential, "multiple"/"shared" pack customers onto
// one listener, "branded" and "reseller" are dedicated variants.
const (
	PlanCategorySingle    = "single"
	PlanCategoryMultiple  = "multiple"
	PlanCategoryShared    = "shared"
	PlanCategoryDedicated = "dedicated"
	PlanCategoryBranded   = "branded"
	PlanCategoryReseller  = "reseller"
)

// ServerPlan represents a sellable configuration on one server.
// Read-only during provisioning.
type ServerPlan struct {
	ID       string
	ServerID string
	Name     string
	Protocol string

	// ProvisioningType is an explicit shared/dedicated override; empty
	// means "derive from category and capacity".
	ProvisioningType string
	Category         string
	// Type is the legacy plan type column kept for pre-migration rows.
	Type string

	// MaxClients caps how many clients this plan may hold in total;
	// zero means unlimited.
	MaxClients       int
	ProvisionedCount int

	DataLimitGB  float64
	DailyLimitGB float64
	DurationDays int
	TrialDays    int

	// PreferredInboundID pins shared provisioning to one listener.
	PreferredInboundID *string

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDedicated reports whether the plan's category implies a dedicated
// listener per order.
func (p *ServerPlan) IsDedicated() bool {
	switch p.Category {
	case PlanCategoryDedicated, PlanCategorySingle, PlanCategoryReseller:
		return true
	}
	return false
}

// IsShared reports whether the plan's category implies listener sharing.
func (p *ServerPlan) IsShared() bool {
	switch p.Category {
	case PlanCategoryShared, PlanCategoryMultiple:
		return true
	}
	return false
}

// AtCapacity reports whether the plan has sold out its client budget.
func (p *ServerPlan) AtCapacity() bool {
	return p.MaxClients > 0 && p.ProvisionedCount >= p.MaxClients
}
