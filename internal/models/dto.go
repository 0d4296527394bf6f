package models

// ==================== Internal API DTOs ====================

// ProvisionOrderRequest is sent by the storefront after payment capture.
type ProvisionOrderRequest struct {
	// SkipPreChecks is honored only for internal replay tooling; normal
	// callers leave it false.
	SkipPreChecks bool `json:"skip_pre_checks,omitempty"`
}

// ProvisionOrderResponse is returned after a provisioning run.
type ProvisionOrderResponse struct {
	OrderID     string                  `json:"order_id"`
	OrderStatus string                  `json:"order_status"`
	Items       map[string]*ItemSummary `json:"items"`
	Message     string                  `json:"message"`
}

// OrderStatusResponse is the order plus per-item summaries.
type OrderStatusResponse struct {
	OrderID    string                  `json:"order_id"`
	Number     string                  `json:"number"`
	CustomerID string                  `json:"customer_id"`
	Status     string                  `json:"status"`
	Items      map[string]*ItemSummary `json:"items"`
	CreatedAt  string                  `json:"created_at"`
}

// ClientResponse is one provisioned credential with its links.
type ClientResponse struct {
	ClientID         string  `json:"client_id"`
	Email            string  `json:"email"`
	Protocol         string  `json:"protocol"`
	ConnectionLink   string  `json:"connection_link"`
	SubscriptionLink string  `json:"subscription_link"`
	ProxyLink        string  `json:"proxy_link"`
	TrafficLimitGB   float64 `json:"traffic_limit_gb"`
	ExpiryMS         int64   `json:"expiry_ms"`
	Active           bool    `json:"active"`
	Synthesized      bool    `json:"synthesized"`
	RemoteError      *string `json:"remote_error,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// AttemptResponse is one audit row for an order.
type AttemptResponse struct {
	ID              string  `json:"id"`
	OrderItemID     string  `json:"order_item_id"`
	ServerClientID  *string `json:"server_client_id,omitempty"`
	ProvisionStatus string  `json:"provision_status"`
	Attempts        int     `json:"attempts"`
	DurationMS      int64   `json:"duration_ms"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	StartedAt       string  `json:"started_at"`
	FinishedAt      string  `json:"finished_at"`
}

// OrderProvisionedEvent is posted to the storefront once per provisioning
// run, regardless of aggregate outcome.
type OrderProvisionedEvent struct {
	OrderID     string                  `json:"order_id"`
	CustomerID  string                  `json:"customer_id"`
	OrderStatus string                  `json:"order_status"`
	Items       map[string]*ItemSummary `json:"items"`
}
