package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/protocol"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
)

// ErrNoInbound is the terminal "nothing to provision against" failure for
// one unit.
var ErrNoInbound = errors.New("no suitable inbound available")

// ResolveState carries per-provisioning-call bookkeeping: ports reserved
// earlier in the call (not yet visible to the allocator's row lock from
// this side) and the dedicated listener created for the current item, so
// later units reuse it and the first unit adopts its bootstrap client.
type ResolveState struct {
	ReservedPorts []int

	CreatedInbound *models.ServerInbound
	BootstrapCfg   *protocol.ClientConfig
	BootstrapUsed  bool
}

// InboundService resolves which listener a unit provisions against,
// creating remote listeners when the topology calls for it.
type InboundService struct {
	cfg      *config.Config
	inbounds InboundStore
	panel    PanelGateway
}

func NewInboundService(cfg *config.Config, inbounds InboundStore, panel PanelGateway) *InboundService {
	return &InboundService{
		cfg:      cfg,
		inbounds: inbounds,
		panel:    panel,
	}
}

// ResolveShared picks the listener for shared provisioning: the plan's
// preferred listener first, then the server's best available one, and as
// a last resort a freshly bootstrapped default listener.
func (s *InboundService) ResolveShared(ctx context.Context, server *models.Server, plan *models.ServerPlan, order *models.Order, state *ResolveState) (*models.ServerInbound, error) {
	if plan.PreferredInboundID != nil {
		in, err := s.inbounds.GetByID(ctx, *plan.PreferredInboundID)
		if err == nil && in.Enabled && in.RemoteID != nil && in.HasFreeSlot() {
			return in, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	in, err := s.inbounds.GetBestShared(ctx, server.ID, plan.Protocol)
	if err == nil {
		return in, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	log.Printf("[InboundService] No shared inbound on server %s for %s, bootstrapping one", server.ID, plan.Protocol)

	in, _, err = s.createListener(ctx, server, plan, order, state, nil, false)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// CreateDedicated creates a brand-new listener for this order, never
// adopting an existing one. The returned ClientConfig is the bootstrap
// client embedded at creation, which the caller adopts for the first unit
// instead of issuing a second remote add.
func (s *InboundService) CreateDedicated(ctx context.Context, server *models.Server, plan *models.ServerPlan, order *models.Order, state *ResolveState, reseller bool) (*models.ServerInbound, *protocol.ClientConfig, error) {
	placeholder, err := s.inbounds.ReservePort(ctx, server.ID,
		state.ReservedPorts,
		s.cfg.Provisioning.PortRangeMin,
		s.cfg.Provisioning.PortRangeMax,
		s.cfg.Provisioning.PortPickAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrNoFreePort) {
			return nil, nil, fmt.Errorf("%w: port range exhausted on server %s", ErrNoInbound, server.ID)
		}
		return nil, nil, err
	}
	state.ReservedPorts = append(state.ReservedPorts, placeholder.Port)

	placeholder.Protocol = plan.Protocol
	bootstrap := protocol.BuildClientConfig(plan, server, placeholder, order, 1, reseller)

	in, cfg, err := s.createListenerAt(ctx, server, plan, order, placeholder, bootstrap, true)
	if err != nil {
		return nil, nil, err
	}
	return in, cfg, nil
}

// createListener reserves a port and creates a listener there.
func (s *InboundService) createListener(ctx context.Context, server *models.Server, plan *models.ServerPlan, order *models.Order, state *ResolveState, bootstrap *protocol.ClientConfig, dedicated bool) (*models.ServerInbound, *protocol.ClientConfig, error) {
	placeholder, err := s.inbounds.ReservePort(ctx, server.ID,
		state.ReservedPorts,
		s.cfg.Provisioning.PortRangeMin,
		s.cfg.Provisioning.PortRangeMax,
		s.cfg.Provisioning.PortPickAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrNoFreePort) {
			return nil, nil, fmt.Errorf("%w: port range exhausted on server %s", ErrNoInbound, server.ID)
		}
		return nil, nil, err
	}
	state.ReservedPorts = append(state.ReservedPorts, placeholder.Port)

	placeholder.Protocol = plan.Protocol
	return s.createListenerAt(ctx, server, plan, order, placeholder, bootstrap, dedicated)
}

// createListenerAt drives the remote create for an already reserved port:
// build settings (cloning the best existing listener's transport template),
// submit with a simplified-payload retry, health-check the result, and
// promote the placeholder row into a live mirror. Any failure rolls back
// both the remote listener and the placeholder; there is no silent
// fallback to shared mode.
func (s *InboundService) createListenerAt(ctx context.Context, server *models.Server, plan *models.ServerPlan, order *models.Order, placeholder *models.ServerInbound, bootstrap *protocol.ClientConfig, dedicated bool) (*models.ServerInbound, *protocol.ClientConfig, error) {
	settings, err := protocol.BuildInboundSettings(plan.Protocol, placeholder.Port, bootstrap)
	if err != nil {
		s.rollbackPlaceholder(ctx, placeholder)
		return nil, nil, err
	}

	// Clone the transport template from the server's best listener of the
	// same protocol; panels export quirky shapes, so normalize it.
	var streamTemplate []byte
	if base, err := s.inbounds.GetBestShared(ctx, server.ID, plan.Protocol); err == nil {
		streamTemplate = base.StreamSettings
	}
	stream, err := protocol.NormalizeStreamSettings(streamTemplate)
	if err != nil {
		log.Printf("[InboundService] Stream template unusable, using defaults: %v", err)
		stream = protocol.DefaultStreamSettings()
	}

	req := &client.CreateInboundRequest{
		Remark:         inboundRemark(server, order, placeholder.Port),
		Port:           placeholder.Port,
		Protocol:       plan.Protocol,
		Settings:       string(settings),
		StreamSettings: string(stream),
		Sniffing:       string(protocol.DefaultSniffing()),
		Allocate:       string(protocol.DefaultAllocate()),
		Tag:            fmt.Sprintf("inbound-%d", placeholder.Port),
	}

	remote, err := s.panel.CreateInbound(ctx, server, req)
	if err != nil {
		// Some panels reject richer transport configs; retry once with
		// the simplified payload before giving up.
		log.Printf("[InboundService] Create inbound rejected, retrying simplified: %v", err)
		req.StreamSettings = string(protocol.DefaultStreamSettings())
		remote, err = s.panel.CreateInbound(ctx, server, req)
		if err != nil {
			s.rollbackPlaceholder(ctx, placeholder)
			return nil, nil, fmt.Errorf("create inbound on %s: %w", server.ID, err)
		}
	}

	if err := s.verifyInbound(ctx, server, remote.ID); err != nil {
		log.Printf("[InboundService] Inbound %d failed health check, rolling back: %v", remote.ID, err)
		if delErr := s.panel.DeleteInbound(ctx, server, remote.ID); delErr != nil {
			log.Printf("[InboundService] Warning: failed to delete unhealthy inbound %d: %v", remote.ID, delErr)
		}
		s.rollbackPlaceholder(ctx, placeholder)
		return nil, nil, fmt.Errorf("inbound health check: %w", err)
	}

	remoteID := remote.ID
	placeholder.RemoteID = &remoteID
	placeholder.Remark = req.Remark
	placeholder.Settings = settings
	placeholder.StreamSettings = stream
	placeholder.Sniffing = protocol.DefaultSniffing()
	placeholder.Allocate = protocol.DefaultAllocate()
	placeholder.Enabled = true
	placeholder.Dedicated = dedicated
	if dedicated {
		placeholder.Capacity = plan.MaxClients
	}
	if bootstrap != nil {
		placeholder.ClientCount = 1
	}

	if err := s.inbounds.Update(ctx, placeholder); err != nil {
		return nil, nil, fmt.Errorf("promote inbound placeholder: %w", err)
	}

	placeholder.JustCreated = true
	log.Printf("[InboundService] Inbound created: local=%s remote=%d port=%d dedicated=%t",
		placeholder.ID, remoteID, placeholder.Port, dedicated)

	return placeholder, bootstrap, nil
}

// verifyInbound confirms the new listener is retrievable and that its
// sniffing/allocate sub-objects deserialize as objects, not arrays.
func (s *InboundService) verifyInbound(ctx context.Context, server *models.Server, remoteID int) error {
	fetched, err := s.panel.GetInbound(ctx, server, remoteID)
	if err != nil {
		return err
	}
	if !protocol.IsJSONObject([]byte(fetched.Sniffing)) {
		return fmt.Errorf("inbound %d sniffing is not a JSON object", remoteID)
	}
	if !protocol.IsJSONObject([]byte(fetched.Allocate)) {
		return fmt.Errorf("inbound %d allocate is not a JSON object", remoteID)
	}
	return nil
}

func (s *InboundService) rollbackPlaceholder(ctx context.Context, placeholder *models.ServerInbound) {
	if err := s.inbounds.Delete(ctx, placeholder.ID); err != nil {
		log.Printf("[InboundService] Warning: failed to delete port placeholder %s: %v", placeholder.ID, err)
	}
}

// inboundRemark names the listener after the server's brand, the order and
// the port, keeping remote state auditable from the panel UI.
func inboundRemark(server *models.Server, order *models.Order, port int) string {
	brand := server.Category
	if brand == "" || brand == models.ServerCategoryStandard {
		brand = server.Name
	}
	return fmt.Sprintf("%s-%s-%d", brand, order.Number, port)
}
