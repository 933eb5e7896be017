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
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Distribution.Mode)
	assert.Equal(t, MembersAuto, cfg.Distribution.Members.Policy)
	assert.Equal(t, 5*time.Minute, cfg.Defaults.InactivityTimeout.Std())
	assert.Equal(t, 50, cfg.Defaults.MaxRuns)
	assert.Equal(t, 5*time.Second, cfg.Defaults.PresenceGrace.Std())
	assert.Equal(t, 5*time.Second, cfg.Defaults.StartTimeout.Std())
	assert.False(t, cfg.Clustered())
}

func TestParseClustered(t *testing.T) {
	cfg, err := Parse([]byte(`
distribution:
  mode: clustered
  node: node-1
  redis:
    addr: localhost:6379
    db: 2
  members:
    policy: static
    list: [node-1, node-2]
defaults:
  inactivity_timeout: 10m
  max_runs: 25
  presence_grace: 2s
  start_timeout: 1s
`))
	require.NoError(t, err)
	assert.True(t, cfg.Clustered())
	assert.Equal(t, "node-1", cfg.Distribution.Node)
	assert.Equal(t, "localhost:6379", cfg.Distribution.Redis.Addr)
	assert.Equal(t, 2, cfg.Distribution.Redis.DB)
	assert.Equal(t, []string{"node-1", "node-2"}, cfg.Distribution.Members.List)
	assert.Equal(t, 10*time.Minute, cfg.Defaults.InactivityTimeout.Std())
	assert.Equal(t, 25, cfg.Defaults.MaxRuns)
	assert.Equal(t, 2*time.Second, cfg.Defaults.PresenceGrace.Std())
	assert.Equal(t, time.Second, cfg.Defaults.StartTimeout.Std())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"unknown mode",
			"distribution:\n  mode: hybrid\n",
			`unknown distribution mode "hybrid"`,
		},
		{
			"clustered without redis",
			"distribution:\n  mode: clustered\n  node: node-1\n",
			"requires a redis address",
		},
		{
			"clustered without node",
			"distribution:\n  mode: clustered\n  redis:\n    addr: localhost:6379\n",
			"requires a node name",
		},
		{
			"static without members",
			"distribution:\n  members:\n    policy: static\n",
			"requires a member list",
		},
		{
			"static with empty member",
			"distribution:\n  members:\n    policy: static\n    list: ['']\n",
			"empty name",
		},
		{
			"region without region",
			"distribution:\n  members:\n    policy: region\n",
			"requires a region",
		},
		{
			"unknown policy",
			"distribution:\n  members:\n    policy: gossip\n",
			`unknown member policy "gossip"`,
		},
		{
			"bad duration",
			"defaults:\n  inactivity_timeout: soon\n",
			`parse duration "soon"`,
		},
		{
			"unknown field",
			"distrubution:\n  mode: local\n",
			"parse config",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sagents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("distribution:\n  mode: local\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Distribution.Mode)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
