package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/glbimr/nexa/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Notify   Notify   `json:"notify"`
	API      API      `json:"api"`
	Profile  Profile  `json:"profile"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs of peers to dial at startup, for networks where mDNS
	// does not reach. Example: /ip4/1.2.3.4/tcp/4001/p2p/<peer-id>.
	Bootstrap []string `json:"bootstrap,omitempty"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Relay struct {
	// URL of the signaling relay, e.g. "ws://host:8942". Empty means
	// the libp2p transport carries signaling instead.
	URL string `json:"url"`

	// Listen address when running in relay mode.
	ListenAddr string `json:"listen_addr"`
}

type Call struct {
	STUNURLs            []string `json:"stun_urls"`
	ConnectTimeoutSec   int      `json:"connect_timeout_seconds"`
	RingTimeoutSec      int      `json:"ring_timeout_seconds"`
	MeshRetryBackoffSec int      `json:"mesh_retry_backoff_seconds"`
	MeshRetryMax        int      `json:"mesh_retry_max"`
}

type Notify struct {
	DBDir string `json:"db_dir"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
}

type Profile struct {
	Label string `json:"label"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "nexa-mdns",
		},
		Presence: Presence{
			Topic:        "nexa.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Relay: Relay{
			URL:        "",
			ListenAddr: "127.0.0.1:8942",
		},
		Call: Call{
			STUNURLs:            []string{"stun:stun.l.google.com:19302"},
			ConnectTimeoutSec:   60,
			RingTimeoutSec:      10,
			MeshRetryBackoffSec: 2,
			MeshRetryMax:        3,
		},
		Notify: Notify{
			DBDir: "data",
		},
		API: API{
			HTTPAddr: "127.0.0.1:8943",
		},
		Profile: Profile{
			Label: "hello",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, addr := range c.P2P.Bootstrap {
		if !strings.HasPrefix(addr, "/") {
			return fmt.Errorf("p2p.bootstrap entry %q is not a multiaddr", addr)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Relay
	if r := strings.TrimSpace(c.Relay.URL); r != "" {
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("relay.url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("relay.url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("relay.url is missing a host")
		}
	}

	// Call
	for _, s := range c.Call.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_urls entry %q must start with stun: or turn:", s)
		}
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec >= c.Call.ConnectTimeoutSec {
		return errors.New("call.ring_timeout_seconds must be < call.connect_timeout_seconds")
	}
	if c.Call.MeshRetryBackoffSec <= 0 {
		return errors.New("call.mesh_retry_backoff_seconds must be > 0")
	}
	if c.Call.MeshRetryMax < 0 {
		return errors.New("call.mesh_retry_max must be >= 0")
	}

	// Notify
	if strings.TrimSpace(c.Notify.DBDir) == "" {
		return errors.New("notify.db_dir is required")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Label) == "" {
		return errors.New("profile.label is required")
	}

	return nil
}

// ConnectTimeout returns call.connect_timeout_seconds as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Call.ConnectTimeoutSec) * time.Second
}

// RingTimeout returns call.ring_timeout_seconds as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// MeshRetryBackoff returns call.mesh_retry_backoff_seconds as a duration.
func (c *Config) MeshRetryBackoff() time.Duration {
	return time.Duration(c.Call.MeshRetryBackoffSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
