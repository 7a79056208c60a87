// Package system wires the daemon together: configuration and secrets,
// component construction in dependency order, and the runtime lifecycle.
package system

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/pnet"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/rules"
)

// Config is the on-disk configuration model (config.json in the working
// directory).
type Config struct {
	Peer    PeerConfig      `json:"peer"`
	Web     WebConfig       `json:"web"`
	Swarm   *SwarmConfig    `json:"swarm,omitempty"`
	Rules   json.RawMessage `json:"rules,omitempty"`
	Secrets *Secrets        `json:"secrets,omitempty"`
}

// PeerConfig names the node and declares its devices.
type PeerConfig struct {
	Name    string                  `json:"name"`
	Devices map[string]DeviceConfig `json:"devices"`
}

// DeviceConfig binds a configured device name to a driver type and its
// driver-specific configuration blob.
type DeviceConfig struct {
	Type   string          `json:"device_type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// WebConfig configures the gateway.
type WebConfig struct {
	Port int `json:"port"`
}

// SwarmConfig configures the libp2p listener. A zero port picks an
// ephemeral one.
type SwarmConfig struct {
	Port int `json:"port,omitempty"`
}

// Secrets carries the node's long-term key material, base64-encoded. Absent
// on first run; the daemon generates and persists it, then exits so the
// operator can propagate the PSK across nodes.
type Secrets struct {
	Keypair string `json:"keypair"`
	PSK     string `json:"psk"`
}

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrMissingConfig, err),
			"Config", "LoadConfig", "file read")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Config", "LoadConfig", "JSON parse")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that must hold before components are built.
func (c *Config) Validate() error {
	if c.Peer.Name == "" {
		return errors.WrapFatal(
			fmt.Errorf("peer.name is required: %w", errors.ErrInvalidConfig),
			"Config", "Validate", "peer name check")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return errors.WrapFatal(
			fmt.Errorf("web.port %d outside 1-65535: %w", c.Web.Port, errors.ErrInvalidConfig),
			"Config", "Validate", "web port check")
	}
	for name, dev := range c.Peer.Devices {
		if name == "" {
			return errors.WrapFatal(
				fmt.Errorf("empty device name: %w", errors.ErrInvalidConfig),
				"Config", "Validate", "device name check")
		}
		if dev.Type == "" {
			return errors.WrapFatal(
				fmt.Errorf("device %q has no device_type: %w", name, errors.ErrInvalidConfig),
				"Config", "Validate", "device type check")
		}
	}
	if _, err := c.ParsedRules(); err != nil {
		return err
	}
	return nil
}

// ParsedRules parses the ruleset. Each call yields rules with fresh ids, so
// parse once and reuse.
func (c *Config) ParsedRules() ([]rules.Rule, error) {
	if len(c.Rules) == 0 {
		return nil, nil
	}
	var out []rules.Rule
	if err := json.Unmarshal(c.Rules, &out); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Config", "ParsedRules", "ruleset parse")
	}
	return out, nil
}

// GenerateSecrets creates a fresh ed25519 keypair and 32-byte PSK.
func GenerateSecrets() (*Secrets, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "GenerateSecrets", "keypair generation")
	}
	keyBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "GenerateSecrets", "keypair encoding")
	}

	psk := make([]byte, 32)
	if _, err := rand.Read(psk); err != nil {
		return nil, errors.WrapFatal(err, "Config", "GenerateSecrets", "PSK generation")
	}

	return &Secrets{
		Keypair: base64.StdEncoding.EncodeToString(keyBytes),
		PSK:     base64.StdEncoding.EncodeToString(psk),
	}, nil
}

// Keys decodes the secrets into usable key material.
func (s *Secrets) Keys() (crypto.PrivKey, pnet.PSK, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(s.Keypair)
	if err != nil {
		return nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Secrets", "Keys", "keypair base64 decode")
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Secrets", "Keys", "keypair unmarshal")
	}

	psk, err := base64.StdEncoding.DecodeString(s.PSK)
	if err != nil {
		return nil, nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Secrets", "Keys", "PSK base64 decode")
	}
	if len(psk) != 32 {
		return nil, nil, errors.WrapFatal(
			fmt.Errorf("PSK must decode to 32 bytes, got %d: %w", len(psk), errors.ErrInvalidConfig),
			"Secrets", "Keys", "PSK length check")
	}
	return priv, pnet.PSK(psk), nil
}

// WriteConfig persists the configuration, secrets included, with owner-only
// permissions.
func WriteConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "Config", "WriteConfig", "JSON encode")
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapFatal(err, "Config", "WriteConfig", "file write")
	}
	return nil
}
