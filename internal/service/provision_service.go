package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/protocol"
)

// msgNoInbound is the customer-support-visible failure reason for a unit
// that could not be placed on any listener.
const msgNoInbound = "No suitable inbound available"

// ProvisionService is the orchestrator: it turns a paid order into
// provisioned clients, one unit at a time, and aggregates the outcome
// into the order status.
type ProvisionService struct {
	cfg *config.Config

	orders   OrderStore
	plans    PlanStore
	servers  ServerStore
	inbounds InboundStore
	clients  ClientStore
	audits   AuditStore

	inboundSvc *InboundService
	panel      PanelGateway
	cache      CustomerCache
	notifier   EventNotifier

	// sleep is swapped out in tests so retry backoff does not wall-block.
	sleep func(time.Duration)
}

func NewProvisionService(
	cfg *config.Config,
	orders OrderStore,
	plans PlanStore,
	servers ServerStore,
	inbounds InboundStore,
	clients ClientStore,
	audits AuditStore,
	inboundSvc *InboundService,
	panel PanelGateway,
	cache CustomerCache,
	notifier EventNotifier,
) *ProvisionService {
	return &ProvisionService{
		cfg:        cfg,
		orders:     orders,
		plans:      plans,
		servers:    servers,
		inbounds:   inbounds,
		clients:    clients,
		audits:     audits,
		inboundSvc: inboundSvc,
		panel:      panel,
		cache:      cache,
		notifier:   notifier,
		sleep:      time.Sleep,
	}
}

// ProvisionOrder runs a full provisioning pass over every item of the
// order and aggregates the per-unit outcomes into the order status.
// Re-running a completed order never downgrades it.
func (s *ProvisionService) ProvisionOrder(ctx context.Context, orderID string, skipPreChecks bool) (*models.ProvisionOrderResponse, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status == models.OrderStatusCancelled {
		return nil, fmt.Errorf("order %s is cancelled", orderID)
	}

	log.Printf("[ProvisionService] Provisioning order %s (%s), %d item(s)", order.ID, order.Number, len(order.Items))

	items := make(map[string]*models.ItemSummary, len(order.Items))
	totalRequested := 0
	totalProvisioned := 0

	for _, item := range order.Items {
		summary := s.provisionItem(ctx, order, item, skipPreChecks)
		items[item.ID] = summary
		totalRequested += summary.QuantityRequested
		totalProvisioned += summary.QuantityProvisioned

		if err := s.orders.UpdateItemSummary(ctx, item.ID, summary); err != nil {
			log.Printf("[ProvisionService] Warning: failed to persist summary for item %s: %v", item.ID, err)
		}
	}

	status := AggregateOrderStatus(order.Status, totalRequested, totalProvisioned)
	if status != order.Status {
		if err := s.orders.UpdateStatus(ctx, order.ID, status); err != nil {
			return nil, fmt.Errorf("update order status: %w", err)
		}
	}

	if err := s.cache.SetOrderStatus(ctx, order.ID, status); err != nil {
		log.Printf("[ProvisionService] Warning: failed to cache order status: %v", err)
	}
	if err := s.cache.InvalidateCustomer(ctx, order.CustomerID); err != nil {
		log.Printf("[ProvisionService] Warning: failed to invalidate customer cache: %v", err)
	}

	event := &models.OrderProvisionedEvent{
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		OrderStatus: status,
		Items:       items,
	}
	if err := s.notifier.NotifyOrderProvisioned(ctx, event); err != nil {
		log.Printf("[ProvisionService] Warning: order provisioned callback failed: %v", err)
	}

	log.Printf("[ProvisionService] Order %s done: %d/%d units, status=%s", order.ID, totalProvisioned, totalRequested, status)

	return &models.ProvisionOrderResponse{
		OrderID:     order.ID,
		OrderStatus: status,
		Items:       items,
		Message:     fmt.Sprintf("provisioned %d of %d units", totalProvisioned, totalRequested),
	}, nil
}

// provisionItem provisions every unit of one order item. Pre-check
// failures fail the whole item without touching the panel.
func (s *ProvisionService) provisionItem(ctx context.Context, order *models.Order, item *models.OrderItem, skipPreChecks bool) *models.ItemSummary {
	requested := item.RequestedQuantity()

	plan, err := s.plans.GetByID(ctx, item.PlanID)
	if err != nil {
		return failedItemSummary("", requested, fmt.Sprintf("plan unavailable: %v", err))
	}

	server, err := s.servers.GetByID(ctx, plan.ServerID)
	if err != nil {
		return failedItemSummary(plan.Name, requested, fmt.Sprintf("server unavailable: %v", err))
	}

	if !skipPreChecks {
		if !plan.Enabled {
			return failedItemSummary(plan.Name, requested, "plan is disabled")
		}
		if plan.MaxClients > 0 && plan.ProvisionedCount+requested > plan.MaxClients {
			return failedItemSummary(plan.Name, requested, "plan is at capacity")
		}
		if !server.Enabled {
			return failedItemSummary(plan.Name, requested, "server is disabled")
		}
		if !server.IsHealthy {
			// Probe once before failing: a panel marked down by an earlier
			// run may have recovered, and paid orders should not strand.
			if _, probeErr := s.panel.ListInbounds(ctx, server); probeErr != nil {
				return failedItemSummary(plan.Name, requested, "server is unhealthy")
			}
			if err := s.servers.MarkHealth(ctx, server.ID, true); err != nil {
				log.Printf("[ProvisionService] Warning: failed to mark server %s healthy: %v", server.ID, err)
			}
			log.Printf("[ProvisionService] Server %s recovered, proceeding", server.ID)
		}
	}

	decision := ResolveMode(plan, server)
	log.Printf("[ProvisionService] Item %s: plan=%s mode=%s reseller=%t quantity=%d",
		item.ID, plan.Name, decision.Mode, decision.Reseller, requested)

	summary := &models.ItemSummary{
		PlanName:          plan.Name,
		QuantityRequested: requested,
		Clients:           make([]models.UnitResult, 0, requested),
	}
	state := &ResolveState{}

	for unit := 1; unit <= requested; unit++ {
		result := s.provisionUnit(ctx, order, item, plan, server, decision, state, unit)
		summary.Clients = append(summary.Clients, result)
		if result.Success {
			summary.QuantityProvisioned++
		}
	}

	return summary
}

// provisionUnit provisions one client unit: resolve a listener, push the
// credential remotely (or adopt the listener's bootstrap client), persist
// the local mirror, and write the audit row. Every unit writes exactly
// one audit row regardless of outcome.
func (s *ProvisionService) provisionUnit(ctx context.Context, order *models.Order, item *models.OrderItem, plan *models.ServerPlan, server *models.Server, decision ModeDecision, state *ResolveState, unitIndex int) models.UnitResult {
	started := time.Now()

	inbound, err := s.resolveInbound(ctx, order, plan, server, decision, state)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrNoInbound) {
			msg = msgNoInbound
		}
		s.recordAttempt(ctx, order, item, nil, nil, models.ProvisionStatusFailed, 0, started, nil, nil, msg)
		return models.UnitResult{Success: false, Error: msg}
	}

	adopted := false
	var cfg *protocol.ClientConfig
	if decision.Mode == models.ProvisionModeDedicated && inbound.JustCreated &&
		state.BootstrapCfg != nil && !state.BootstrapUsed {
		cfg = state.BootstrapCfg
		state.BootstrapUsed = true
		adopted = true
		log.Printf("[ProvisionService] Unit %d adopts bootstrap client of inbound %s", unitIndex, inbound.ID)
	} else {
		cfg = protocol.BuildClientConfig(plan, server, inbound, order, unitIndex, decision.Reseller)
	}

	attempts := 1
	var remotePayload json.RawMessage
	synthesized := false
	var remoteMsg string

	if !adopted {
		var callErr error
		attempts, remotePayload, synthesized, remoteMsg, callErr = s.addClientWithRetry(ctx, server, inbound, cfg)
		if callErr != nil {
			// Transport-level failure: the panel may be down, so flag the
			// server for the health checker and fail the unit hard.
			if err := s.servers.MarkHealth(ctx, server.ID, false); err != nil {
				log.Printf("[ProvisionService] Warning: failed to mark server %s unhealthy: %v", server.ID, err)
			}
			msg := fmt.Sprintf("panel unreachable: %v", callErr)
			s.recordAttempt(ctx, order, item, nil, &inbound.ID, models.ProvisionStatusFailed, attempts, started, cfg, nil, msg)
			return models.UnitResult{Success: false, Error: msg}
		}
		if synthesized {
			log.Printf("[ProvisionService] Unit %d synthesized locally after panel rejection: %s", unitIndex, remoteMsg)
		}
	}

	links := protocol.BuildLinks(server, inbound, cfg)

	sc := &models.ServerClient{
		InboundID:  inbound.ID,
		PlanID:     plan.ID,
		OrderID:    order.ID,
		CustomerID: order.CustomerID,

		ClientID: cfg.ID,
		Email:    cfg.Email,
		SubID:    cfg.SubID,
		Flow:     cfg.Flow,

		TotalBytes: cfg.TotalBytes,
		ExpiryMS:   cfg.ExpiryMS,

		ConnectionLink:   links.Direct,
		SubscriptionLink: links.Subscription,
		ProxyLink:        links.Proxy,

		Active:      true,
		Synthesized: synthesized,
		Reseller:    cfg.Reseller,
	}
	if synthesized && remoteMsg != "" {
		msg := remoteMsg
		sc.RemoteError = &msg
	}

	if err := s.clients.Create(ctx, sc); err != nil {
		msg := fmt.Sprintf("persist client: %v", err)
		s.recordAttempt(ctx, order, item, nil, &inbound.ID, models.ProvisionStatusFailed, attempts, started, cfg, remotePayload, msg)
		return models.UnitResult{Success: false, Error: msg}
	}

	// Adopted units were counted when the listener was created with its
	// bootstrap client embedded.
	if !adopted {
		if err := s.inbounds.IncrementClients(ctx, inbound.ID, 1); err != nil {
			log.Printf("[ProvisionService] Warning: failed to bump client count on %s: %v", inbound.ID, err)
		} else {
			inbound.ClientCount++
		}
	}
	if err := s.plans.IncrementProvisioned(ctx, plan.ID, 1); err != nil {
		log.Printf("[ProvisionService] Warning: failed to bump provisioned count on plan %s: %v", plan.ID, err)
	} else {
		plan.ProvisionedCount++
	}

	s.recordAttempt(ctx, order, item, &sc.ID, &inbound.ID, models.ProvisionStatusCompleted, attempts, started, cfg, remotePayload, remoteMsg)

	return models.UnitResult{
		Success:     true,
		ClientID:    cfg.ID,
		Email:       cfg.Email,
		Link:        links.Direct,
		Synthesized: synthesized,
	}
}

// resolveInbound picks or creates the listener for one unit according to
// the resolved mode. Dedicated items create one listener per order item
// and reuse it while it has capacity.
func (s *ProvisionService) resolveInbound(ctx context.Context, order *models.Order, plan *models.ServerPlan, server *models.Server, decision ModeDecision, state *ResolveState) (*models.ServerInbound, error) {
	if decision.Mode == models.ProvisionModeDedicated {
		if state.CreatedInbound != nil && state.CreatedInbound.HasFreeSlot() {
			in := *state.CreatedInbound
			in.JustCreated = false
			return &in, nil
		}

		in, bootstrap, err := s.inboundSvc.CreateDedicated(ctx, server, plan, order, state, decision.Reseller)
		if err != nil {
			return nil, err
		}
		state.CreatedInbound = in
		state.BootstrapCfg = bootstrap
		state.BootstrapUsed = false
		return in, nil
	}

	return s.inboundSvc.ResolveShared(ctx, server, plan, order, state)
}

// addClientWithRetry pushes one client to the panel with bounded retries.
// Transport failures are retried and surface as a hard error once
// exhausted. Logical rejections with a recoverable cause regenerate the
// offending credential part and retry; anything else synthesizes the
// client locally so the paid unit still yields a record.
func (s *ProvisionService) addClientWithRetry(ctx context.Context, server *models.Server, inbound *models.ServerInbound, cfg *protocol.ClientConfig) (attempts int, remotePayload json.RawMessage, synthesized bool, remoteMsg string, err error) {
	if inbound.RemoteID == nil {
		return 0, nil, false, "", fmt.Errorf("inbound %s has no remote id", inbound.ID)
	}

	maxAttempts := s.cfg.Provisioning.AddClientAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastMsg string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.sleep(time.Duration(1<<(attempt-2)) * time.Second)
		}

		remote := protocol.BuildRemoteClient(cfg, inbound.Protocol)
		result, callErr := s.panel.AddClient(ctx, server, *inbound.RemoteID, []map[string]interface{}{remote})
		if callErr != nil {
			if attempt == maxAttempts {
				return attempt, nil, false, "", callErr
			}
			log.Printf("[ProvisionService] Add client attempt %d/%d transport error: %v", attempt, maxAttempts, callErr)
			continue
		}

		if result.Success {
			return attempt, result.Obj, false, "", nil
		}

		lastMsg = result.Msg
		lower := strings.ToLower(result.Msg)
		switch {
		case strings.Contains(lower, "duplicate email"):
			log.Printf("[ProvisionService] Panel reported duplicate email, regenerating identity (attempt %d/%d)", attempt, maxAttempts)
			cfg.RegenerateIdentity()
		case strings.Contains(lower, "empty client id"), strings.Contains(lower, "empty id"):
			log.Printf("[ProvisionService] Panel reported empty client id, regenerating id (attempt %d/%d)", attempt, maxAttempts)
			cfg.RegenerateID()
		default:
			// Unrecoverable rejection: stop burning attempts.
			return attempt, nil, true, result.Msg, nil
		}
	}

	return maxAttempts, nil, true, lastMsg, nil
}

// recordAttempt appends one audit row. Audit writes never fail the unit.
func (s *ProvisionService) recordAttempt(ctx context.Context, order *models.Order, item *models.OrderItem, serverClientID, inboundID *string, status string, attempts int, started time.Time, cfg *protocol.ClientConfig, remotePayload json.RawMessage, errMsg string) {
	finished := time.Now()

	row := &models.OrderServerClient{
		OrderID:         order.ID,
		OrderItemID:     item.ID,
		ServerClientID:  serverClientID,
		InboundID:       inboundID,
		ProvisionStatus: status,
		Attempts:        attempts,
		StartedAt:       started,
		FinishedAt:      finished,
		DurationMS:      finished.Sub(started).Milliseconds(),
		RemotePayload:   remotePayload,
	}
	if cfg != nil {
		if snapshot, err := json.Marshal(cfg.Snapshot()); err == nil {
			row.Config = snapshot
		}
	}
	if errMsg != "" {
		msg := errMsg
		row.ErrorMessage = &msg
	}

	if err := s.audits.Create(ctx, row); err != nil {
		log.Printf("[ProvisionService] Warning: failed to write audit row for order %s: %v", order.ID, err)
	}
}

// AggregateOrderStatus maps unit counts to the order status. Completed is
// sticky: a replay that provisions nothing never downgrades a completed
// order. A run with zero successes is a dispute, full stop; support
// resolves those by hand.
func AggregateOrderStatus(current string, requested, provisioned int) string {
	if current == models.OrderStatusCompleted {
		return models.OrderStatusCompleted
	}
	if requested > 0 && provisioned >= requested {
		return models.OrderStatusCompleted
	}
	if provisioned > 0 {
		return models.OrderStatusProcessing
	}
	return models.OrderStatusDispute
}

// failedItemSummary marks every unit of an item failed with one reason.
func failedItemSummary(planName string, requested int, reason string) *models.ItemSummary {
	summary := &models.ItemSummary{
		PlanName:          planName,
		QuantityRequested: requested,
		Clients:           make([]models.UnitResult, 0, requested),
	}
	for i := 0; i < requested; i++ {
		summary.Clients = append(summary.Clients, models.UnitResult{Success: false, Error: reason})
	}
	return summary
}

// ==================== Read side ====================

// GetOrderStatus returns the order with its per-item summaries.
func (s *ProvisionService) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatusResponse, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items := make(map[string]*models.ItemSummary, len(order.Items))
	for _, item := range order.Items {
		if item.ProvisioningSummary != nil {
			items[item.ID] = item.ProvisioningSummary
		}
	}

	return &models.OrderStatusResponse{
		OrderID:    order.ID,
		Number:     order.Number,
		CustomerID: order.CustomerID,
		Status:     order.Status,
		Items:      items,
		CreatedAt:  order.CreatedAt.Format(time.RFC3339),
	}, nil
}

// GetOrderClients returns all credentials provisioned for an order.
func (s *ProvisionService) GetOrderClients(ctx context.Context, orderID string) ([]*models.ClientResponse, error) {
	clients, err := s.clients.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.toClientResponses(ctx, clients), nil
}

// GetCustomerClients returns a customer's active credentials across orders.
func (s *ProvisionService) GetCustomerClients(ctx context.Context, customerID string) ([]*models.ClientResponse, error) {
	clients, err := s.clients.GetActiveByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return s.toClientResponses(ctx, clients), nil
}

// GetOrderAttempts returns the audit trail for an order.
func (s *ProvisionService) GetOrderAttempts(ctx context.Context, orderID string) ([]*models.AttemptResponse, error) {
	rows, err := s.audits.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AttemptResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.AttemptResponse{
			ID:              row.ID,
			OrderItemID:     row.OrderItemID,
			ServerClientID:  row.ServerClientID,
			ProvisionStatus: row.ProvisionStatus,
			Attempts:        row.Attempts,
			DurationMS:      row.DurationMS,
			ErrorMessage:    row.ErrorMessage,
			StartedAt:       row.StartedAt.Format(time.RFC3339),
			FinishedAt:      row.FinishedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (s *ProvisionService) toClientResponses(ctx context.Context, clients []*models.ServerClient) []*models.ClientResponse {
	protocols := make(map[string]string)

	out := make([]*models.ClientResponse, 0, len(clients))
	for _, sc := range clients {
		proto, ok := protocols[sc.InboundID]
		if !ok {
			if in, err := s.inbounds.GetByID(ctx, sc.InboundID); err == nil {
				proto = in.Protocol
			}
			protocols[sc.InboundID] = proto
		}

		out = append(out, &models.ClientResponse{
			ClientID:         sc.ClientID,
			Email:            sc.Email,
			Protocol:         proto,
			ConnectionLink:   sc.ConnectionLink,
			SubscriptionLink: sc.SubscriptionLink,
			ProxyLink:        sc.ProxyLink,
			TrafficLimitGB:   float64(sc.TotalBytes) / float64(1<<30),
			ExpiryMS:         sc.ExpiryMS,
			Active:           sc.Active,
			Synthesized:      sc.Synthesized,
			RemoteError:      sc.RemoteError,
			CreatedAt:        sc.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
