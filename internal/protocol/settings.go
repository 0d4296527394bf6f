package protocol

import (
	"encoding/json"
	"fmt"
)

// Account is a username/password credential entry for socks/http listeners.
type Account struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// WireguardPeer is one peer entry on a wireguard listener.
type WireguardPeer struct {
	PublicKey    string   `json:"publicKey"`
	PresharedKey string   `json:"presharedKey,omitempty"`
	AllowedIPs   []string `json:"allowedIPs"`
	KeepAlive    int      `json:"keepAlive"`
}

// Per-protocol inbound settings variants. Each listener's settings blob is
// one of these shapes, keyed by the inbound protocol, instead of a
// free-form map.

type VlessSettings struct {
	Clients    []map[string]interface{} `json:"clients"`
	Decryption string                   `json:"decryption"`
	Fallbacks  []interface{}            `json:"fallbacks"`
}

type VmessSettings struct {
	Clients []map[string]interface{} `json:"clients"`
}

type TrojanSettings struct {
	Clients   []map[string]interface{} `json:"clients"`
	Fallbacks []interface{}            `json:"fallbacks"`
}

// ShadowsocksSettings always carries a multi-account client list next to
// the listener-level method, which is what the panel's multi-user mode
// requires.
type ShadowsocksSettings struct {
	Method   string                   `json:"method"`
	Password string                   `json:"password"`
	Network  string                   `json:"network"`
	Clients  []map[string]interface{} `json:"clients"`
}

type SocksSettings struct {
	Auth     string    `json:"auth"`
	Accounts []Account `json:"accounts"`
	UDP      bool      `json:"udp"`
	IP       string    `json:"ip"`
}

type HTTPSettings struct {
	Accounts         []Account `json:"accounts"`
	AllowTransparent bool      `json:"allowTransparent"`
}

type DokodemoSettings struct {
	Address        string `json:"address"`
	Port           int    `json:"port"`
	Network        string `json:"network"`
	FollowRedirect bool   `json:"followRedirect"`
}

type WireguardSettings struct {
	SecretKey string          `json:"secretKey"`
	Peers     []WireguardPeer `json:"peers"`
	MTU       int             `json:"mtu"`
}

// BuildInboundSettings produces the settings blob for a fresh listener.
// A non-nil cfg seeds the blob with that bootstrap client so a dedicated
// listener is never created clientless; nil cfg yields an empty client
// list for shared bootstrap listeners. The variant is chosen by protocol;
// unknown protocols are an error rather than a silent empty blob.
func BuildInboundSettings(inboundProtocol string, port int, cfg *ClientConfig) (json.RawMessage, error) {
	clients := []map[string]interface{}{}
	accounts := []Account{}
	ssPassword := randomKey()
	if cfg != nil {
		clients = append(clients, BuildRemoteClient(cfg, inboundProtocol))
		accounts = append(accounts, Account{User: cfg.Email, Pass: cfg.ID})
		ssPassword = cfg.ID
	}

	var settings interface{}
	switch inboundProtocol {
	case ProtocolVless:
		settings = VlessSettings{
			Clients:    clients,
			Decryption: "none",
			Fallbacks:  []interface{}{},
		}
	case ProtocolVmess:
		settings = VmessSettings{
			Clients: clients,
		}
	case ProtocolTrojan:
		settings = TrojanSettings{
			Clients:   clients,
			Fallbacks: []interface{}{},
		}
	case ProtocolShadowsocks:
		settings = ShadowsocksSettings{
			Method:   "chacha20-ietf-poly1305",
			Password: ssPassword,
			Network:  "tcp,udp",
			Clients:  clients,
		}
	case ProtocolSocks:
		settings = SocksSettings{
			Auth:     "password",
			Accounts: accounts,
			UDP:      true,
		}
	case ProtocolHTTP:
		settings = HTTPSettings{
			Accounts: accounts,
		}
	case ProtocolDokodemo:
		settings = DokodemoSettings{
			Address:        "127.0.0.1",
			Port:           port,
			Network:        "tcp,udp",
			FollowRedirect: false,
		}
	case ProtocolWireguard:
		settings = WireguardSettings{
			SecretKey: randomKey(),
			Peers: []WireguardPeer{{
				PublicKey:    randomKey(),
				PresharedKey: randomKey(),
				AllowedIPs:   []string{"10.0.0.2/32"},
				KeepAlive:    0,
			}},
			MTU: 1420,
		}
	default:
		return nil, fmt.Errorf("unsupported inbound protocol %q", inboundProtocol)
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal %s settings: %w", inboundProtocol, err)
	}
	return raw, nil
}

// NormalizeStreamSettings repairs a cloned stream-settings template so the
// panel accepts it: WebSocket headers must be an object map (some panels
// export them as a list), and the network field must not be empty.
func NormalizeStreamSettings(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return DefaultStreamSettings(), nil
	}

	var stream map[string]interface{}
	if err := json.Unmarshal(raw, &stream); err != nil {
		return nil, fmt.Errorf("decode stream settings: %w", err)
	}

	if _, ok := stream["network"].(string); !ok {
		stream["network"] = "tcp"
	}
	if _, ok := stream["security"].(string); !ok {
		stream["security"] = "none"
	}

	if ws, ok := stream["wsSettings"].(map[string]interface{}); ok {
		switch headers := ws["headers"].(type) {
		case map[string]interface{}:
			// already the right shape
		case []interface{}:
			fixed := make(map[string]interface{})
			for _, entry := range headers {
				pair, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				name, _ := pair["name"].(string)
				value, _ := pair["value"].(string)
				if name != "" {
					fixed[name] = value
				}
			}
			ws["headers"] = fixed
		default:
			ws["headers"] = map[string]interface{}{}
		}
	}

	normalized, err := json.Marshal(stream)
	if err != nil {
		return nil, fmt.Errorf("marshal stream settings: %w", err)
	}
	return normalized, nil
}

// DefaultStreamSettings is the minimal transport config, also used as the
// simplified fallback payload when a richer create-inbound is rejected.
func DefaultStreamSettings() json.RawMessage {
	return json.RawMessage(`{"network":"tcp","security":"none","tcpSettings":{"header":{"type":"none"}}}`)
}

// DefaultSniffing is the sniffing sub-object for new listeners.
func DefaultSniffing() json.RawMessage {
	return json.RawMessage(`{"enabled":true,"destOverride":["http","tls"]}`)
}

// DefaultAllocate is the allocate sub-object for new listeners.
func DefaultAllocate() json.RawMessage {
	return json.RawMessage(`{"strategy":"always","refresh":5,"concurrency":3}`)
}

// IsJSONObject reports whether raw decodes to a JSON object. The
// post-create health check requires sniffing and allocate to be objects,
// not arrays; panels that return arrays here are corrupting state.
func IsJSONObject(raw json.RawMessage) bool {
	var probe map[string]interface{}
	return json.Unmarshal(raw, &probe) == nil
}
