package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// Protocol family constants, matching the panel's inbound protocols.
const (
	ProtocolVless       = "vless"
	ProtocolVmess       = "vmess"
	ProtocolTrojan      = "trojan"
	ProtocolShadowsocks = "shadowsocks"
	ProtocolSocks       = "socks"
	ProtocolHTTP        = "http"
	ProtocolDokodemo    = "dokodemo-door"
	ProtocolWireguard   = "wireguard"
)

// maxEmailLen matches the server_clients.email column.
const maxEmailLen = 64

const defaultEmailDomain = "clients.proxy-mail.net"

// ClientConfig is the locally generated credential a provisioning unit is
// built from. It exists before any remote call and survives remote
// failure, which is what makes synthesized clients possible.
type ClientConfig struct {
	ID       string
	Email    string
	SubID    string
	Flow     string
	Protocol string

	TotalBytes int64
	ExpiryMS   int64

	Reseller bool

	serverName  string
	inboundPort int
	orderNumber string
	unitIndex   int
}

// BuildClientConfig derives a fresh client credential from plan and order
// parameters for one provisioning unit.
func BuildClientConfig(plan *models.ServerPlan, server *models.Server, inbound *models.ServerInbound, order *models.Order, unitIndex int, reseller bool) *ClientConfig {
	cfg := &ClientConfig{
		ID:          uuid.New().String(),
		SubID:       NewSubID(),
		Protocol:    inbound.Protocol,
		Flow:        FlowForProtocol(inbound.Protocol),
		TotalBytes:  int64(plan.DataLimitGB * float64(1<<30)),
		ExpiryMS:    time.Now().AddDate(0, 0, plan.DurationDays+plan.TrialDays).UnixMilli(),
		Reseller:    reseller,
		serverName:  server.Name,
		inboundPort: inbound.Port,
		orderNumber: order.Number,
		unitIndex:   unitIndex,
	}
	cfg.Email = BuildEmail(server.Name, inbound.Port, order.Number, unitIndex)
	return cfg
}

// RegenerateIdentity replaces id, subscription id and email, used when the
// panel reports a duplicate email.
func (c *ClientConfig) RegenerateIdentity() {
	c.ID = uuid.New().String()
	c.SubID = NewSubID()
	c.Email = BuildEmail(c.serverName, c.inboundPort, c.orderNumber, c.unitIndex)
}

// RegenerateID replaces only the credential id, used when the panel
// reports an empty/invalid client id.
func (c *ClientConfig) RegenerateID() {
	c.ID = uuid.New().String()
}

// Snapshot returns the audit-friendly view of the config, written into
// order_server_clients.config.
func (c *ClientConfig) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"client_id":   c.ID,
		"email":       c.Email,
		"sub_id":      c.SubID,
		"flow":        c.Flow,
		"protocol":    c.Protocol,
		"total_bytes": c.TotalBytes,
		"expiry_ms":   c.ExpiryMS,
		"reseller":    c.Reseller,
	}
}

// NewSubID returns a compact subscription id, at most 16 characters.
func NewSubID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// FlowForProtocol returns the flow value a protocol expects. Trojan
// dropped flow support upstream, so it never gets one.
func FlowForProtocol(protocol string) string {
	if protocol == ProtocolVless {
		return "xtls-rprx-vision"
	}
	return ""
}

// BuildEmail combines server, listener and order identifiers with a random
// suffix into a panel-safe email: pure ASCII, exactly one '@', bounded by
// the column limit. Identifiers that sanitize to nothing fall back to
// generated tokens.
func BuildEmail(serverName string, inboundPort int, orderNumber string, unitIndex int) string {
	srv := sanitizeToken(serverName)
	if srv == "" {
		srv = "srv"
	}
	ord := sanitizeToken(orderNumber)
	if ord == "" {
		ord = "ord"
	}

	local := fmt.Sprintf("%s-%d-%s-u%d-%s", srv, inboundPort, ord, unitIndex, randomHex(4))

	domain := defaultEmailDomain
	if len(local)+1+len(domain) > maxEmailLen {
		keep := maxEmailLen - 1 - len(domain)
		if keep < 1 {
			keep = 1
		}
		local = local[:keep]
	}

	return local + "@" + domain
}

// sanitizeToken lowercases and strips everything outside [a-z0-9-].
// Unicode never survives into panel emails.
func sanitizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.New().String(), "-", "")[:n*2]
	}
	return hex.EncodeToString(buf)
}

// BuildRemoteClient maps a ClientConfig into the exact field vocabulary
// the panel expects for the listener's protocol family.
func BuildRemoteClient(cfg *ClientConfig, inboundProtocol string) map[string]interface{} {
	obj := map[string]interface{}{
		"email":      cfg.Email,
		"totalGB":    cfg.TotalBytes,
		"expiryTime": cfg.ExpiryMS,
		"enable":     true,
		"subId":      cfg.SubID,
	}

	switch inboundProtocol {
	case ProtocolVless:
		obj["id"] = cfg.ID
		if cfg.Flow != "" {
			obj["flow"] = cfg.Flow
		}
	case ProtocolVmess:
		obj["id"] = cfg.ID
		obj["alterId"] = 0
	case ProtocolTrojan:
		// Trojan authenticates by password and has no flow field.
		obj["password"] = cfg.ID
	case ProtocolShadowsocks:
		obj["method"] = "chacha20-ietf-poly1305"
		obj["password"] = cfg.ID
	case ProtocolSocks, ProtocolHTTP:
		obj["username"] = cfg.Email
		obj["password"] = cfg.ID
	case ProtocolDokodemo:
		obj["id"] = cfg.ID
		obj["target"] = "127.0.0.1"
	case ProtocolWireguard:
		obj["publicKey"] = randomKey()
		obj["presharedKey"] = randomKey()
		obj["allowedIPs"] = []string{"10.0.0.2/32"}
		obj["keepAlive"] = 0
	default:
		obj["id"] = cfg.ID
	}

	return obj
}

func randomKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return base64.StdEncoding.EncodeToString([]byte(uuid.New().String()))[:43] + "="
	}
	return base64.StdEncoding.EncodeToString(buf)
}
