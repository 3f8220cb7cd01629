// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override, e.g. MESHCHAT_PORT.
const EnvPrefix = "MESHCHAT"

// Paths holds XDG-compliant paths for meshchat.
type Paths struct {
	ConfigDir   string // ~/.config/meshchat
	ConfigFile  string // ~/.config/meshchat/agent.toml
	DataDir     string // ~/.local/share/meshchat
	StoreDir    string // ~/.local/share/meshchat/db
	AgentSocket string // ~/.local/share/meshchat/agent.sock
	KeyPath     string // ~/.local/share/meshchat/node.key
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "meshchat")
	dataDir := filepath.Join(home, ".local", "share", "meshchat")

	return Paths{
		ConfigDir:   configDir,
		ConfigFile:  filepath.Join(configDir, "agent.toml"),
		DataDir:     dataDir,
		StoreDir:    filepath.Join(dataDir, "db"),
		AgentSocket: filepath.Join(dataDir, "agent.sock"),
		KeyPath:     filepath.Join(dataDir, "node.key"),
	}
}


// Duration is a time.Duration written as "15s" in TOML and the environment.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig holds configuration for meshchat-agent.
type AgentConfig struct {
	Identity  IdentityConfig    `toml:"identity"`
	Network   NetworkConfig     `toml:"network"`
	Discovery DiscoveryConfig   `toml:"discovery"`
	Session   SessionConfig     `toml:"session"`
	Peers     map[string]string `toml:"peers" validate:"dive,keys,required,endkeys,required,startswith=/"`
	Storage   AgentStorage      `toml:"storage"`
	Control   ControlConfig     `toml:"control"`
	Log       LogConfig         `toml:"log"`
}

// IdentityConfig is the presence registered on the mesh.
type IdentityConfig struct {
	ID          string `toml:"id" validate:"required,max=128,printascii,excludesall=/ "`
	DisplayName string `toml:"display_name" validate:"max=64"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	Port       int    `toml:"port" validate:"gte=0,lte=65535"`
	ListenHost string `toml:"listen_host" validate:"omitempty,ip"`
}

// DiscoveryConfig holds peer discovery settings.
type DiscoveryConfig struct {
	DNSSeeds          []string `toml:"dns_seeds"`
	Bootstrap         []string `toml:"bootstrap" validate:"dive,startswith=/"`
	MDNSEnabled       bool     `toml:"mdns_enabled"`
	RendezvousTimeout Duration `toml:"rendezvous_timeout" validate:"gt=0"`
}

// SessionConfig holds handshake and application timing.
type SessionConfig struct {
	HandshakeTimeout Duration `toml:"handshake_timeout" validate:"gte=0"`
	TypingTimeout    Duration `toml:"typing_timeout" validate:"gt=0"`
	// AutoAccept lists participants whose connection requests are accepted
	// without operator action.
	AutoAccept []string `toml:"auto_accept"`
	// RequestStampBits is the proof-of-work difficulty minted onto outgoing
	// connection requests and required of incoming ones. Zero disables it.
	RequestStampBits int `toml:"request_stamp_bits" validate:"gte=0,lte=32"`
}

// AgentStorage holds agent storage paths.
type AgentStorage struct {
	DataDir string `toml:"data_dir" validate:"required"`
	KeyPath string `toml:"key_path" validate:"required"`
	// Passphrase encrypts the node key. It is only read from the environment.
	Passphrase string `toml:"-"`
}

// ControlConfig holds the local control socket.
type ControlConfig struct {
	Socket string `toml:"socket" validate:"required"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
}

// DefaultAgentConfig returns an AgentConfig with sensible defaults.
func DefaultAgentConfig() AgentConfig {
	paths := DefaultPaths()
	return AgentConfig{
		Network: NetworkConfig{
			Port:       4001,
			ListenHost: "0.0.0.0",
		},
		Discovery: DiscoveryConfig{
			DNSSeeds:          []string{},
			Bootstrap:         []string{},
			MDNSEnabled:       true,
			RendezvousTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			HandshakeTimeout: Duration(30 * time.Second),
			TypingTimeout:    Duration(5 * time.Second),
			RequestStampBits: 16,
		},
		Peers: map[string]string{},
		Storage: AgentStorage{
			DataDir: paths.StoreDir,
			KeyPath: paths.KeyPath,
		},
		Control: ControlConfig{
			Socket: paths.AgentSocket,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadAgentConfig loads an AgentConfig from a TOML file on top of the
// defaults. Paths with ~ are expanded to the user's home directory.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	cfg.expandPaths()
	return &cfg, nil
}

// envOverrides are the settings that can come from MESHCHAT_* variables.
type envOverrides struct {
	ID          string   `envconfig:"ID"`
	DisplayName string   `envconfig:"DISPLAY_NAME"`
	Port        *int     `envconfig:"PORT"`
	ListenHost  string   `envconfig:"LISTEN_HOST"`
	Bootstrap   []string `envconfig:"BOOTSTRAP"`
	DNSSeeds    []string `envconfig:"DNS_SEEDS"`
	MDNS        *bool    `envconfig:"MDNS"`
	DataDir     string   `envconfig:"DATA_DIR"`
	KeyPath     string   `envconfig:"KEY_PATH"`
	Passphrase  string   `envconfig:"KEY_PASSPHRASE"`
	Socket      string   `envconfig:"SOCKET"`
	LogLevel    string   `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays MESHCHAT_* environment variables onto cfg. Unset
// variables leave the current value alone.
func (c *AgentConfig) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Identity.ID, env.ID)
	setString(&c.Identity.DisplayName, env.DisplayName)
	setString(&c.Network.ListenHost, env.ListenHost)
	setString(&c.Storage.DataDir, ExpandPath(env.DataDir))
	setString(&c.Storage.KeyPath, ExpandPath(env.KeyPath))
	setString(&c.Storage.Passphrase, env.Passphrase)
	setString(&c.Control.Socket, ExpandPath(env.Socket))
	setString(&c.Log.Level, env.LogLevel)
	if env.Port != nil {
		c.Network.Port = *env.Port
	}
	if env.MDNS != nil {
		c.Discovery.MDNSEnabled = *env.MDNS
	}
	if len(env.Bootstrap) > 0 {
		c.Discovery.Bootstrap = env.Bootstrap
	}
	if len(env.DNSSeeds) > 0 {
		c.Discovery.DNSSeeds = env.DNSSeeds
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration.
func (c *AgentConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *AgentConfig) expandPaths() {
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Storage.KeyPath = ExpandPath(c.Storage.KeyPath)
	c.Control.Socket = ExpandPath(c.Control.Socket)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// EnsureDirectories creates the store directory and the parent directories of
// the key file and the control socket.
func (c *AgentConfig) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.DataDir, filepath.Dir(c.Storage.KeyPath), filepath.Dir(c.Control.Socket)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
