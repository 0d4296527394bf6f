package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// Outbound value caps. The panel stores totalGB and expiryTime as signed
// integers; oversized values overflow or get rejected server-side.
const (
	maxTotalBytes = int64(10) << 40 // 10 TiB
)

// PanelClient talks to the remote panel's HTTP API. Panels authenticate
// with a form login that issues a session cookie; the client caches one
// session per panel and re-logs-in when it goes stale.
type PanelClient struct {
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*panelSession
}

type panelSession struct {
	cookie    string
	expiresAt time.Time
}

func NewPanelClient() *PanelClient {
	return &PanelClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		sessions: make(map[string]*panelSession),
	}
}

// RemoteInbound is one listener as the panel reports it. The nested
// settings objects come back JSON-serialized as strings.
type RemoteInbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Remark         string `json:"remark"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Allocate       string `json:"allocate"`
	Enable         bool   `json:"enable"`
	Tag            string `json:"tag"`
}

// CreateInboundRequest is the create-listener payload. All sub-objects
// must be pre-serialized JSON strings, matching what the panel echoes.
type CreateInboundRequest struct {
	Remark         string `json:"remark"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Allocate       string `json:"allocate"`
	Tag            string `json:"tag"`
}

// PanelResult is the panel's response envelope. Success=false with a
// populated Msg is a logical failure, distinct from transport errors.
type PanelResult struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// login performs the form login and caches the session cookie.
func (c *PanelClient) login(ctx context.Context, server *models.Server) (string, error) {
	form := url.Values{}
	form.Set("username", server.PanelUsername)
	form.Set("password", server.PanelPassword)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		server.PanelURL()+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}

	var result PanelResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode login response: %w (body: %s)", err, string(body))
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		return "", fmt.Errorf("panel login failed (status %d): %s", resp.StatusCode, result.Msg)
	}

	var cookie string
	for _, ck := range resp.Cookies() {
		if ck.Value != "" {
			cookie = ck.Name + "=" + ck.Value
			break
		}
	}
	if cookie == "" {
		return "", fmt.Errorf("panel login returned no session cookie")
	}

	return cookie, nil
}

// ensureSession returns a cached session cookie for the server's panel,
// logging in when the cache is empty or stale.
func (c *PanelClient) ensureSession(ctx context.Context, server *models.Server) (string, error) {
	key := server.PanelURL()

	c.mu.Lock()
	sess, ok := c.sessions[key]
	if ok && time.Now().Before(sess.expiresAt) {
		cookie := sess.cookie
		c.mu.Unlock()
		return cookie, nil
	}
	c.mu.Unlock()

	cookie, err := c.login(ctx, server)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[key] = &panelSession{cookie: cookie, expiresAt: time.Now().Add(30 * time.Minute)}
	c.mu.Unlock()

	return cookie, nil
}

// dropSession forgets the cached cookie so the next call re-authenticates.
func (c *PanelClient) dropSession(server *models.Server) {
	c.mu.Lock()
	delete(c.sessions, server.PanelURL())
	c.mu.Unlock()
}

// call performs one authenticated request and decodes the panel envelope.
// A 401 invalidates the cached session and retries once.
func (c *PanelClient) call(ctx context.Context, server *models.Server, method, path string, payload interface{}) (*PanelResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		cookie, err := c.ensureSession(ctx, server)
		if err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if payload != nil {
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			bodyReader = strings.NewReader(string(body))
		}

		req, err := http.NewRequestWithContext(ctx, method, server.PanelURL()+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Cookie", cookie)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.dropSession(server)
			continue
		}

		var result PanelResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("panel returned status %d: %s", resp.StatusCode, result.Msg)
		}

		return &result, nil
	}

	return nil, fmt.Errorf("panel session expired and re-login failed")
}

// ListInbounds fetches all listeners on the panel.
func (c *PanelClient) ListInbounds(ctx context.Context, server *models.Server) ([]RemoteInbound, error) {
	result, err := c.call(ctx, server, http.MethodGet, "/list-inbounds", nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("list inbounds failed: %s", result.Msg)
	}

	var inbounds []RemoteInbound
	if err := json.Unmarshal(result.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}
	return inbounds, nil
}

// CreateInbound creates a listener and returns the panel's echo of it.
func (c *PanelClient) CreateInbound(ctx context.Context, server *models.Server, req *CreateInboundRequest) (*RemoteInbound, error) {
	log.Printf("[PanelClient] Creating inbound on %s (port %d, protocol %s)", server.Name, req.Port, req.Protocol)

	result, err := c.call(ctx, server, http.MethodPost, "/create-inbound", req)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("create inbound rejected: %s", result.Msg)
	}

	var inbound RemoteInbound
	if err := json.Unmarshal(result.Obj, &inbound); err != nil {
		return nil, fmt.Errorf("decode created inbound: %w", err)
	}

	log.Printf("[PanelClient] Inbound created on %s: remote id %d", server.Name, inbound.ID)
	return &inbound, nil
}

// GetInbound fetches one listener, used for the post-create health check.
func (c *PanelClient) GetInbound(ctx context.Context, server *models.Server, remoteID int) (*RemoteInbound, error) {
	result, err := c.call(ctx, server, http.MethodGet, fmt.Sprintf("/inbound/%d", remoteID), nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("get inbound %d failed: %s", remoteID, result.Msg)
	}

	var inbound RemoteInbound
	if err := json.Unmarshal(result.Obj, &inbound); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	return &inbound, nil
}

// DeleteInbound removes a listener, used to roll back failed creates.
func (c *PanelClient) DeleteInbound(ctx context.Context, server *models.Server, remoteID int) error {
	log.Printf("[PanelClient] Deleting inbound %d on %s", remoteID, server.Name)

	result, err := c.call(ctx, server, http.MethodDelete, fmt.Sprintf("/inbound/%d", remoteID), nil)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("delete inbound %d failed: %s", remoteID, result.Msg)
	}
	return nil
}

// AddClient adds credentials to a listener. Client objects are sanitized
// before leaving the process: strings lose non-printable and non-ASCII
// characters, totalGB is capped and expiryTime clamped so the panel never
// sees values it cannot store.
func (c *PanelClient) AddClient(ctx context.Context, server *models.Server, inboundRemoteID int, clients []map[string]interface{}) (*PanelResult, error) {
	sanitized := make([]map[string]interface{}, 0, len(clients))
	for _, cl := range clients {
		sanitized = append(sanitized, sanitizeClientObject(cl))
	}

	settings, err := json.Marshal(map[string]interface{}{"clients": sanitized})
	if err != nil {
		return nil, fmt.Errorf("marshal client settings: %w", err)
	}

	payload := map[string]interface{}{
		"inboundId": inboundRemoteID,
		"settings":  string(settings),
	}

	result, err := c.call(ctx, server, http.MethodPost, "/add-client", payload)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// sanitizeClientObject copies a client payload, clamping numeric limits
// and stripping unsafe characters from string values.
func sanitizeClientObject(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	now := time.Now()
	minExpiry := now.AddDate(-1, 0, 0).UnixMilli()
	maxExpiry := now.AddDate(10, 0, 0).UnixMilli()

	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = StripUnsafe(val)
		case int64:
			out[k] = clampField(k, val, minExpiry, maxExpiry)
		case int:
			out[k] = clampField(k, int64(val), minExpiry, maxExpiry)
		case float64:
			out[k] = clampField(k, int64(val), minExpiry, maxExpiry)
		default:
			out[k] = v
		}
	}
	return out
}

func clampField(key string, v, minExpiry, maxExpiry int64) int64 {
	switch key {
	case "totalGB":
		if v > maxTotalBytes {
			return maxTotalBytes
		}
	case "expiryTime":
		if v != 0 && v < minExpiry {
			return minExpiry
		}
		if v > maxExpiry {
			return maxExpiry
		}
	}
	return v
}

// StripUnsafe removes non-printable and non-ASCII characters from a
// string headed to the panel.
func StripUnsafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return b.String()
}
