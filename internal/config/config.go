// Package config loads node configuration from defaults, an optional config
// file, MESHWIRE_ environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/constants"
	"github.com/WebFirstLanguage/meshwire/pkg/identity"
)

// EnvPrefix prefixes every environment override, e.g. MESHWIRE_MESH_WORKERS
const EnvPrefix = "MESHWIRE"

// Config is the complete node configuration
type Config struct {
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Control  ControlConfig  `mapstructure:"control"`
}

type IdentityConfig struct {
	Path     string `mapstructure:"path"`
	Nickname string `mapstructure:"nickname"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MeshConfig struct {
	ProtocolVersion        int           `mapstructure:"protocol_version"`
	DefaultTTL             int           `mapstructure:"default_ttl"`
	Workers                int           `mapstructure:"workers"`
	InboxSize              int           `mapstructure:"inbox_size"`
	MaxInboxes             int           `mapstructure:"max_inboxes"`
	InboxIdleTimeout       time.Duration `mapstructure:"inbox_idle_timeout"`
	AnnounceInterval       time.Duration `mapstructure:"announce_interval"`
	RekeyCheckInterval     time.Duration `mapstructure:"rekey_check_interval"`
	PeerSweepInterval      time.Duration `mapstructure:"peer_sweep_interval"`
	StalePeerTimeout       time.Duration `mapstructure:"stale_peer_timeout"`
	FragmentTimeout        time.Duration `mapstructure:"fragment_timeout"`
	MessageCleanupInterval time.Duration `mapstructure:"message_cleanup_interval"`
}

type RelayConfig struct {
	Listen    string   `mapstructure:"listen"`
	Peers     []string `mapstructure:"peers"`
	Transport string   `mapstructure:"transport"`
}

type ControlConfig struct {
	Listen string `mapstructure:"listen"`
}

// DefaultControlAddr is where the ctl command finds a local node
const DefaultControlAddr = "127.0.0.1:27491"

// DefaultIdentityPath returns the identity file location used when none is
// configured
func DefaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".meshwire", "identity.cbor")
	}
	return filepath.Join(dir, "meshwire", "identity.cbor")
}

// BindFlags registers the configuration flags on fs
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file")
	fs.String("identity", "", "identity file (default "+DefaultIdentityPath()+")")
	fs.String("nickname", "", "nickname announced to peers")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", string(logging.FormatText), "log format (text, json)")
	fs.Int("protocol-version", constants.ProtocolVersion1, "wire protocol version for outgoing packets (1 or 2)")
	fs.Int("ttl", constants.DefaultTTL, "hop budget for originated packets")
	fs.Int("workers", constants.DefaultWorkers, "crypto worker count")
	fs.String("listen", "", "relay listen address (host:port)")
	fs.StringSlice("peer", nil, "relay peer to dial (repeatable)")
	fs.String("transport", "quic", "relay transport (quic, tcp)")
	fs.String("control", "", "control API listen address (empty disables it)")
}

var flagKeys = map[string]string{
	"identity":         "identity.path",
	"nickname":         "identity.nickname",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"protocol-version": "mesh.protocol_version",
	"ttl":              "mesh.default_ttl",
	"workers":          "mesh.workers",
	"listen":           "relay.listen",
	"peer":             "relay.peers",
	"transport":        "relay.transport",
	"control":          "control.listen",
}

// Load builds the configuration. fs may be nil; when it carries a --config
// value that file must exist, otherwise meshwire.yaml is looked up in the
// working directory and ~/.meshwire.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("meshwire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.meshwire")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Identity.Path == "" {
		cfg.Identity.Path = DefaultIdentityPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.path", "")
	v.SetDefault("identity.nickname", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logging.FormatText))

	v.SetDefault("mesh.protocol_version", constants.ProtocolVersion1)
	v.SetDefault("mesh.default_ttl", constants.DefaultTTL)
	v.SetDefault("mesh.workers", constants.DefaultWorkers)
	v.SetDefault("mesh.inbox_size", constants.PeerInboxSize)
	v.SetDefault("mesh.max_inboxes", constants.MaxPeerInboxes)
	v.SetDefault("mesh.inbox_idle_timeout", constants.PeerInboxIdleTimeout)
	v.SetDefault("mesh.announce_interval", constants.AnnounceInterval)
	v.SetDefault("mesh.rekey_check_interval", constants.RekeyCheckInterval)
	v.SetDefault("mesh.peer_sweep_interval", constants.PeerSweepInterval)
	v.SetDefault("mesh.stale_peer_timeout", constants.StalePeerTimeout)
	v.SetDefault("mesh.fragment_timeout", constants.FragmentTimeout)
	v.SetDefault("mesh.message_cleanup_interval", constants.MessageCleanupInterval)

	v.SetDefault("relay.listen", "")
	v.SetDefault("relay.peers", []string{})
	v.SetDefault("relay.transport", "quic")

	v.SetDefault("control.listen", "")
}

// Validate checks value ranges and normalizes the nickname
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch logging.Format(strings.ToLower(c.Log.Format)) {
	case logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log.format %q (use text or json)", c.Log.Format)
	}

	if c.Identity.Nickname != "" {
		nick, err := identity.NormalizeNickname(c.Identity.Nickname)
		if err != nil {
			return fmt.Errorf("invalid identity.nickname: %w", err)
		}
		c.Identity.Nickname = nick
	}

	m := c.Mesh
	if m.ProtocolVersion != constants.ProtocolVersion1 && m.ProtocolVersion != constants.ProtocolVersion2 {
		return fmt.Errorf("invalid mesh.protocol_version %d (use 1 or 2)", m.ProtocolVersion)
	}
	if m.DefaultTTL < 1 || m.DefaultTTL > 255 {
		return fmt.Errorf("mesh.default_ttl must be between 1 and 255, got %d", m.DefaultTTL)
	}
	if m.Workers < 1 {
		return fmt.Errorf("mesh.workers must be positive, got %d", m.Workers)
	}
	if m.InboxSize < 1 {
		return fmt.Errorf("mesh.inbox_size must be positive, got %d", m.InboxSize)
	}
	if m.MaxInboxes < 1 {
		return fmt.Errorf("mesh.max_inboxes must be positive, got %d", m.MaxInboxes)
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"mesh.inbox_idle_timeout", m.InboxIdleTimeout},
		{"mesh.announce_interval", m.AnnounceInterval},
		{"mesh.rekey_check_interval", m.RekeyCheckInterval},
		{"mesh.peer_sweep_interval", m.PeerSweepInterval},
		{"mesh.stale_peer_timeout", m.StalePeerTimeout},
		{"mesh.fragment_timeout", m.FragmentTimeout},
		{"mesh.message_cleanup_interval", m.MessageCleanupInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}

	switch c.Relay.Transport {
	case "quic", "tcp":
	default:
		return fmt.Errorf("invalid relay.transport %q (use quic or tcp)", c.Relay.Transport)
	}
	return nil
}

// Logging returns the logger options for this configuration
func (c *Config) Logging() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: logging.Format(c.Log.Format)}
}
