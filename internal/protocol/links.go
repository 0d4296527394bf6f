package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
)

// Links are the three customer-facing URLs every provisioned client gets:
// a direct connection URI plus subscription and proxy JSON endpoints.
type Links struct {
	Direct       string
	Subscription string
	Proxy        string
}

// BuildLinks derives the connection links for one client from the server's
// public endpoint and the subscription id. Links are always produced, even
// for synthesized clients, so a paid purchase stays usable.
func BuildLinks(server *models.Server, inbound *models.ServerInbound, cfg *ClientConfig) Links {
	remark := url.PathEscape(fmt.Sprintf("%s-%d", server.Name, inbound.Port))

	return Links{
		Direct:       buildDirectLink(server, inbound, cfg, remark),
		Subscription: fmt.Sprintf("https://%s:%d/sub/%s", server.PublicHost, server.SubscriptionPort, cfg.SubID),
		Proxy:        fmt.Sprintf("https://%s:%d/json/%s", server.PublicHost, server.SubscriptionPort, cfg.SubID),
	}
}

func buildDirectLink(server *models.Server, inbound *models.ServerInbound, cfg *ClientConfig, remark string) string {
	host := server.PublicHost
	port := inbound.Port

	switch inbound.Protocol {
	case ProtocolVless:
		q := url.Values{}
		q.Set("type", "tcp")
		q.Set("security", "none")
		if cfg.Flow != "" {
			q.Set("flow", cfg.Flow)
		}
		return fmt.Sprintf("vless://%s@%s:%d?%s#%s", cfg.ID, host, port, q.Encode(), remark)
	case ProtocolVmess:
		payload, _ := json.Marshal(map[string]interface{}{
			"v":    "2",
			"ps":   remark,
			"add":  host,
			"port": port,
			"id":   cfg.ID,
			"aid":  0,
			"net":  "tcp",
			"type": "none",
		})
		return "vmess://" + base64.StdEncoding.EncodeToString(payload)
	case ProtocolTrojan:
		return fmt.Sprintf("trojan://%s@%s:%d#%s", cfg.ID, host, port, remark)
	case ProtocolShadowsocks:
		userInfo := base64.StdEncoding.EncodeToString(
			[]byte("chacha20-ietf-poly1305:" + cfg.ID))
		return fmt.Sprintf("ss://%s@%s:%d#%s", userInfo, host, port, remark)
	case ProtocolSocks:
		return fmt.Sprintf("socks://%s:%s@%s:%d#%s", url.QueryEscape(cfg.Email), cfg.ID, host, port, remark)
	case ProtocolHTTP:
		return fmt.Sprintf("http://%s:%s@%s:%d#%s", url.QueryEscape(cfg.Email), cfg.ID, host, port, remark)
	default:
		// Port-forward and wireguard listeners have no URI scheme clients
		// understand; the subscription link carries the full config.
		return fmt.Sprintf("https://%s:%d/sub/%s", host, server.SubscriptionPort, cfg.SubID)
	}
}
