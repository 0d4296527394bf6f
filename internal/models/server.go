package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server category constants (brand used for naming and branded-plan checks)
const (
	ServerCategoryStandard = "standard"
	ServerCategoryBranded  = "branded"
	ServerCategoryReseller = "reseller"
)

// Server represents a remote panel host owning inbound listeners.
type Server struct {
	ID       string
	Name     string
	Category string

	// Panel connection info
	PanelHost     string
	PanelPort     int
	PanelBasePath string
	PanelUsername string
	PanelPassword string

	// Public endpoint customers connect to
	PublicHost       string
	SubscriptionPort int

	IsHealthy     bool
	LastCheckedAt *time.Time
	Enabled       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsBranded reports whether the server carries its own brand, which gates
// dedicated provisioning for branded plans.
func (s *Server) IsBranded() bool {
	return s.Category == ServerCategoryBranded
}

// PanelURL builds the panel API base URL including the configured base path.
func (s *Server) PanelURL() string {
	base := fmt.Sprintf("http://%s:%d", s.PanelHost, s.PanelPort)
	if s.PanelBasePath != "" {
		base += "/" + s.PanelBasePath
	}
	return base
}

// ServerInbound is the local mirror of one remote listener.
// Invariants: port is unique per server; remote_id, once set, references a
// listener that exists on the panel.
type ServerInbound struct {
	ID       string
	ServerID string

	// RemoteID is the panel-side inbound id, nil while the row is only a
	// port reservation placeholder.
	RemoteID *int

	Port     int
	Protocol string
	Remark   string

	Settings       json.RawMessage
	StreamSettings json.RawMessage
	Sniffing       json.RawMessage
	Allocate       json.RawMessage

	// Capacity caps clients on this listener; zero means unlimited.
	Capacity    int
	ClientCount int

	Enabled   bool
	Dedicated bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// JustCreated marks an inbound created earlier in the same
	// provisioning call, so its bootstrap client can be adopted instead
	// of issuing a second remote add. Never persisted.
	JustCreated bool
}

// HasFreeSlot reports whether another client fits on this listener.
func (in *ServerInbound) HasFreeSlot() bool {
	return in.Capacity == 0 || in.ClientCount < in.Capacity
}

// FreeSlots returns remaining capacity, with unlimited listeners reported
// as a large value so best-inbound ordering still works.
func (in *ServerInbound) FreeSlots() int {
	if in.Capacity == 0 {
		return 1 << 20
	}
	return in.Capacity - in.ClientCount
}

// ServerClient is the local mirror of one provisioned credential.
type ServerClient struct {
	ID         string
	InboundID  string
	PlanID     string
	OrderID    string
	CustomerID string

	// ClientID is the protocol credential (UUID for vless/vmess, password
	// seed for trojan/shadowsocks).
	ClientID string
	Email    string
	SubID    string
	Flow     string

	TotalBytes int64
	ExpiryMS   int64

	ConnectionLink   string
	SubscriptionLink string
	ProxyLink        string

	Active bool

	// Synthesized marks a locally fabricated record written when the
	// remote panel could not confirm the client.
	Synthesized bool
	RemoteError *string

	Reseller bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
