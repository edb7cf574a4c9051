package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultIdentityPath(), cfg.Identity.Path)
	assert.Empty(t, cfg.Identity.Nickname)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, constants.ProtocolVersion1, cfg.Mesh.ProtocolVersion)
	assert.Equal(t, constants.DefaultTTL, cfg.Mesh.DefaultTTL)
	assert.Equal(t, constants.DefaultWorkers, cfg.Mesh.Workers)
	assert.Equal(t, constants.PeerInboxSize, cfg.Mesh.InboxSize)
	assert.Equal(t, constants.MaxPeerInboxes, cfg.Mesh.MaxInboxes)
	assert.Equal(t, constants.PeerInboxIdleTimeout, cfg.Mesh.InboxIdleTimeout)
	assert.Equal(t, constants.AnnounceInterval, cfg.Mesh.AnnounceInterval)
	assert.Equal(t, constants.PeerSweepInterval, cfg.Mesh.PeerSweepInterval)
	assert.Equal(t, constants.StalePeerTimeout, cfg.Mesh.StalePeerTimeout)
	assert.Equal(t, constants.FragmentTimeout, cfg.Mesh.FragmentTimeout)

	assert.Equal(t, "quic", cfg.Relay.Transport)
	assert.Empty(t, cfg.Relay.Listen)
	assert.Empty(t, cfg.Relay.Peers)
	assert.Empty(t, cfg.Control.Listen)
}

func TestLoad_DefaultsWithUnsetFlags(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultWorkers, cfg.Mesh.Workers)
	assert.Equal(t, "quic", cfg.Relay.Transport)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  path: /tmp/node.cbor
  nickname: "  alice  "
log:
  level: debug
  format: json
mesh:
  protocol_version: 2
  default_ttl: 3
  stale_peer_timeout: 90s
relay:
  listen: 127.0.0.1:9000
  transport: tcp
  peers:
    - 10.0.0.1:27490
    - 10.0.0.2:27490
`)

	cfg, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/node.cbor", cfg.Identity.Path)
	assert.Equal(t, "alice", cfg.Identity.Nickname, "nickname is normalized")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Mesh.ProtocolVersion)
	assert.Equal(t, 3, cfg.Mesh.DefaultTTL)
	assert.Equal(t, 90*time.Second, cfg.Mesh.StalePeerTimeout)
	assert.Equal(t, constants.FragmentTimeout, cfg.Mesh.FragmentTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Relay.Listen)
	assert.Equal(t, "tcp", cfg.Relay.Transport)
	assert.Equal(t, []string{"10.0.0.1:27490", "10.0.0.2:27490"}, cfg.Relay.Peers)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("MESHWIRE_MESH_WORKERS", "9")
	t.Setenv("MESHWIRE_MESH_FRAGMENT_TIMEOUT", "45s")
	t.Setenv("MESHWIRE_RELAY_TRANSPORT", "tcp")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Mesh.Workers)
	assert.Equal(t, 45*time.Second, cfg.Mesh.FragmentTimeout)
	assert.Equal(t, "tcp", cfg.Relay.Transport)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, "mesh:\n  workers: 2\n  default_ttl: 5\n")
	t.Setenv("MESHWIRE_MESH_WORKERS", "3")
	t.Setenv("MESHWIRE_MESH_DEFAULT_TTL", "6")

	cfg, err := Load(newFlags(t, "--config", path, "--workers", "8"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Mesh.Workers, "flag beats environment")
	assert.Equal(t, 6, cfg.Mesh.DefaultTTL, "environment beats file")
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load(newFlags(t,
		"--identity", "/var/lib/meshwire/id.cbor",
		"--nickname", "bob",
		"--log-level", "warn",
		"--protocol-version", "2",
		"--listen", ":27490",
		"--peer", "a.example:27490",
		"--peer", "b.example:27490",
		"--transport", "tcp",
		"--control", DefaultControlAddr,
	))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meshwire/id.cbor", cfg.Identity.Path)
	assert.Equal(t, "bob", cfg.Identity.Nickname)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Mesh.ProtocolVersion)
	assert.Equal(t, ":27490", cfg.Relay.Listen)
	assert.Equal(t, []string{"a.example:27490", "b.example:27490"}, cfg.Relay.Peers)
	assert.Equal(t, "tcp", cfg.Relay.Transport)
	assert.Equal(t, DefaultControlAddr, cfg.Control.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"protocol version", []string{"--protocol-version", "3"}},
		{"ttl zero", []string{"--ttl", "0"}},
		{"ttl too large", []string{"--ttl", "256"}},
		{"workers", []string{"--workers", "0"}},
		{"transport", []string{"--transport", "udp"}},
		{"log level", []string{"--log-level", "loud"}},
		{"log format", []string{"--log-format", "xml"}},
		{"nickname", []string{"--nickname", "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestValidate_Durations(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Mesh.PeerSweepInterval = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mesh.peer_sweep_interval")
}

func TestValidate_InboxLimits(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Mesh.MaxInboxes = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mesh.max_inboxes")

	cfg.Mesh.MaxInboxes = constants.MaxPeerInboxes
	cfg.Mesh.InboxIdleTimeout = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mesh.inbox_idle_timeout")
}

func TestLogging(t *testing.T) {
	cfg, err := Load(newFlags(t, "--log-format", "json", "--log-level", "debug"))
	require.NoError(t, err)

	opts := cfg.Logging()
	assert.Equal(t, "debug", opts.Level)
	assert.Equal(t, "json", string(opts.Format))
}
