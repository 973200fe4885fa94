package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	a, err := Parse([]byte("auth:\n  secret: s3cret\n"))
	require.NoError(t, err)

	assert.Equal(t, ":3000", a.Server.Addr)
	assert.Equal(t, "memory", a.Registry.Backend)
	assert.Equal(t, "memory", a.Orders.Backend)
	assert.True(t, a.Orders.EnforceTransitions)
	assert.Equal(t, 5*time.Second, a.Router.CallTimeout)
	assert.False(t, a.Shared())
}

func TestParseFullFile(t *testing.T) {
	raw := `
server:
  addr: ":8080"
  instance_id: "node-a"
  ping_interval: 10s
database:
  host: db
  user: kitchen
  password: pw
  database: kitchen
rabbitmq:
  enabled: true
  host: mq
  user: guest
  password: guest
registry:
  backend: postgres
  stale_after: 2m
orders:
  backend: postgres
  enforce_transitions: false
auth:
  secret: s3cret
  issuer: live-kitchen
router:
  call_timeout: 750ms
`
	a, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, ":8080", a.Server.Addr)
	assert.Equal(t, "node-a", a.Server.InstanceID)
	assert.Equal(t, 10*time.Second, a.Server.PingInterval)
	assert.Equal(t, 5432, a.Database.Port)
	assert.Equal(t, "/", a.Rabbit.VHost)
	assert.Equal(t, 2*time.Minute, a.Registry.StaleAfter)
	assert.False(t, a.Orders.EnforceTransitions)
	assert.Equal(t, 750*time.Millisecond, a.Router.CallTimeout)
	assert.True(t, a.Shared())
	assert.False(t, a.SplitOrders())
}

func TestSplitOrders(t *testing.T) {
	a, err := Parse([]byte("auth:\n  secret: x\nregistry:\n  backend: redis\n"))
	require.NoError(t, err)
	assert.True(t, a.SplitOrders())

	a, err = Parse([]byte("auth:\n  secret: x\n"))
	require.NoError(t, err)
	assert.False(t, a.SplitOrders())
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing secret", "registry:\n  backend: memory\n"},
		{"unknown backend", "auth:\n  secret: x\nregistry:\n  backend: etcd\n"},
		{"postgres without database", "auth:\n  secret: x\norders:\n  backend: postgres\n"},
		{"relay without host", "auth:\n  secret: x\nrabbitmq:\n  enabled: true\n"},
		{"unknown key", "auth:\n  secret: x\n  sekret: y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestSecretFromEnvironment(t *testing.T) {
	t.Setenv(envAuthSecret, "from-env")
	a, err := Parse([]byte("log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", a.Auth.Secret)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: s\n"), 0o600))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s", a.Auth.Secret)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
