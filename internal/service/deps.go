package service

import (
	"context"

	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// PanelGateway abstracts the remote panel API so orchestration logic never
// cares whether it talks to a real panel or a test double. The HTTP
// implementation lives in internal/client.
type PanelGateway interface {
	ListInbounds(ctx context.Context, server *models.Server) ([]client.RemoteInbound, error)
	CreateInbound(ctx context.Context, server *models.Server, req *client.CreateInboundRequest) (*client.RemoteInbound, error)
	GetInbound(ctx context.Context, server *models.Server, remoteID int) (*client.RemoteInbound, error)
	DeleteInbound(ctx context.Context, server *models.Server, remoteID int) error
	AddClient(ctx context.Context, server *models.Server, inboundRemoteID int, clients []map[string]interface{}) (*client.PanelResult, error)
}

// Store interfaces are satisfied by the pgx repositories; tests supply
// in-memory fakes.

type OrderStore interface {
	GetByID(ctx context.Context, id string) (*models.Order, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateItemSummary(ctx context.Context, itemID string, summary *models.ItemSummary) error
}

type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.ServerPlan, error)
	IncrementProvisioned(ctx context.Context, id string, delta int) error
}

type ServerStore interface {
	GetByID(ctx context.Context, id string) (*models.Server, error)
	MarkHealth(ctx context.Context, id string, healthy bool) error
}

type InboundStore interface {
	GetByID(ctx context.Context, id string) (*models.ServerInbound, error)
	GetBestShared(ctx context.Context, serverID, protocol string) (*models.ServerInbound, error)
	Create(ctx context.Context, in *models.ServerInbound) error
	Update(ctx context.Context, in *models.ServerInbound) error
	Delete(ctx context.Context, id string) error
	IncrementClients(ctx context.Context, id string, delta int) error
	ReservePort(ctx context.Context, serverID string, reservedPorts []int, minPort, maxPort, attempts int) (*models.ServerInbound, error)
}

type ClientStore interface {
	Create(ctx context.Context, sc *models.ServerClient) error
	GetByOrderID(ctx context.Context, orderID string) ([]*models.ServerClient, error)
	GetActiveByCustomer(ctx context.Context, customerID string) ([]*models.ServerClient, error)
}

type AuditStore interface {
	Create(ctx context.Context, row *models.OrderServerClient) error
	GetByOrderID(ctx context.Context, orderID string) ([]*models.OrderServerClient, error)
}

// CustomerCache invalidates customer-keyed read caches after writes.
type CustomerCache interface {
	InvalidateCustomer(ctx context.Context, customerID string) error
	SetOrderStatus(ctx context.Context, orderID, status string) error
}

// EventNotifier delivers the OrderProvisioned event to the storefront.
type EventNotifier interface {
	NotifyOrderProvisioned(ctx context.Context, event *models.OrderProvisionedEvent) error
}
