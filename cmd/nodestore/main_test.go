package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nodestore/config"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "tint", ""} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(config.LogConfig{Level: "debug", Format: format}, &buf)
			require.NoError(t, err)
			logger.Debug("hello", "id", "n1")
			assert.Contains(t, buf.String(), "hello")
		})
	}

	_, err := newLogger(config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = newLogger(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNewApp_LoadsConfigAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("primary:\n  driver: bolt\n  url: /tmp/primary.db\nlog:\n  level: warn\n"), 0o600))

	a, err := newApp(&CLI{Config: path, LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, config.DriverBolt, a.cfg.Primary.Driver)
	assert.Equal(t, "debug", a.cfg.Log.Level)
}

func TestNewApp_AppliesCredentials(t *testing.T) {
	t.Setenv("NODESTORE_TEST_TOKEN", "s3cr3t")

	path := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": {{ env "NODESTORE_TEST_TOKEN" | json }}}`), 0o600))

	a, err := newApp(&CLI{Credentials: path})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", a.cfg.Server.AuthToken)
}

func TestNewApp_CredentialsMissing(t *testing.T) {
	_, err := newApp(&CLI{Credentials: filepath.Join(t.TempDir(), "missing.tmpl")})
	require.ErrorContains(t, err, "resolving credentials")
}

func TestCLI_Parse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("nodestore"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"get-multi", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cli.GetMulti.IDs)

	_, err = parser.Parse([]string{"set", "--id", "n1", "--ttl", "1h"})
	require.NoError(t, err)
	assert.Equal(t, "n1", cli.Set.ID)
	assert.Equal(t, time.Hour, cli.Set.TTL)

	_, err = parser.Parse([]string{"ensure-ttl", "30"})
	require.NoError(t, err)
	assert.Equal(t, 30, cli.EnsureTTL.Days)
}
