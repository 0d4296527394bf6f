package service

import (
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// ModeDecision is the outcome of resolving a plan's provisioning topology.
// Reseller marks that resulting client metadata must record reseller
// ownership.
type ModeDecision struct {
	Mode     string
	Reseller bool
}

// ResolveMode decides shared vs dedicated provisioning for a plan on a
// server. Precedence: explicit provisioning type, then plan category,
// then the single-client capacity heuristic, then the legacy plan type,
// defaulting to shared.
func ResolveMode(plan *models.ServerPlan, server *models.Server) ModeDecision {
	reseller := plan.Category == models.PlanCategoryReseller

	if plan.ProvisioningType == models.ProvisionModeShared ||
		plan.ProvisioningType == models.ProvisionModeDedicated {
		return ModeDecision{Mode: plan.ProvisioningType, Reseller: reseller}
	}

	switch plan.Category {
	case models.PlanCategorySingle, models.PlanCategoryDedicated:
		return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: reseller}
	case models.PlanCategoryMultiple, models.PlanCategoryShared:
		return ModeDecision{Mode: models.ProvisionModeShared, Reseller: reseller}
	case models.PlanCategoryBranded:
		// Branded plans get a dedicated listener only on servers that
		// carry the brand themselves.
		if server.IsBranded() {
			return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: reseller}
		}
		return ModeDecision{Mode: models.ProvisionModeShared, Reseller: reseller}
	case models.PlanCategoryReseller:
		return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: true}
	}

	if plan.IsDedicated() {
		return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: reseller}
	}
	if plan.IsShared() {
		return ModeDecision{Mode: models.ProvisionModeShared, Reseller: reseller}
	}

	if plan.MaxClients == 1 {
		return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: reseller}
	}

	if plan.Type == models.PlanCategorySingle {
		return ModeDecision{Mode: models.ProvisionModeDedicated, Reseller: reseller}
	}

	return ModeDecision{Mode: models.ProvisionModeShared, Reseller: reseller}
}
