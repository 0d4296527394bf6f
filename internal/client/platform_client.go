package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// PlatformClient handles callbacks to the storefront service so downstream
// collaborators (notifications, analytics) can react to provisioning runs
// without re-deriving order state.
type PlatformClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

func NewPlatformClient(baseURL, internalKey string) *PlatformClient {
	return &PlatformClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NotifyOrderProvisioned posts the OrderProvisioned event. Fired once per
// provisioning run regardless of aggregate outcome.
func (c *PlatformClient) NotifyOrderProvisioned(ctx context.Context, event *models.OrderProvisionedEvent) error {
	url := fmt.Sprintf("%s/api/internal/provisioning/callback", c.baseURL)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("storefront-service returned status %d", resp.StatusCode)
	}

	return nil
}
