package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nodestore/archive"
	"github.com/wolfeidau/nodestore/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boltConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Primary.Driver = config.DriverBolt
	cfg.Primary.URL = filepath.Join(t.TempDir(), "primary.db")
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestNew_Bolt(t *testing.T) {
	ctx := context.Background()
	cfg := boltConfig(t)
	cfg.Primary.TTLDays = 30

	svc := newTestService(t, cfg)
	engine := svc.Engine()
	assert.False(t, engine.ArchiveEnabled())

	require.NoError(t, engine.Set(ctx, "n1", []byte("value"), 0))
	got, ok, err := engine.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	deleted, err := svc.ReapNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestNew_BoltWithFilesystemArchive(t *testing.T) {
	ctx := context.Background()
	cfg := boltConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Driver = config.DriverFilesystem
	cfg.Archive.Path = t.TempDir()
	cfg.Archive.Prefix = "nodes"

	fs, err := archive.NewFilesystem(cfg.Archive.Path)
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, "nodes/e2", &archive.Object{Body: []byte("archived")}))

	var logs bytes.Buffer
	svc, err := New(ctx, cfg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	require.True(t, svc.Engine().ArchiveEnabled())
	assert.Contains(t, logs.String(), "root="+fs.Root())

	got, ok, err := svc.Engine().Get(ctx, "e2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("archived"), got)

	exists, err := fs.Exists(ctx, "nodes/e2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNew_Redis(t *testing.T) {
	mini, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mini.Close)

	ctx := context.Background()
	cfg := config.Default()
	cfg.Primary.Driver = config.DriverRedis
	cfg.Primary.URL = "redis://" + mini.Addr()
	cfg.Primary.Namespace = "test"
	cfg.Primary.TTLDays = 7

	svc := newTestService(t, cfg)
	require.NoError(t, svc.Engine().Set(ctx, "n1", []byte("value"), 0))

	assert.True(t, mini.Exists("test:entry:n1"))
	ttl, err := mini.Get("test:index:created_day_ttl")
	require.NoError(t, err)
	assert.Equal(t, "604800", ttl)

	_, err = svc.ReapNow(ctx)
	require.ErrorIs(t, err, ErrNoReaper)
}

func TestNew_S3Archive(t *testing.T) {
	// The S3 client is built lazily; no request is made during construction.
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	cfg := boltConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = "nodes"
	cfg.Archive.Endpoint = srv.URL
	cfg.Archive.AccessKeyID = "minio"
	cfg.Archive.SecretAccessKey = "minio123"

	var logs bytes.Buffer
	svc, err := New(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	assert.True(t, svc.Engine().ArchiveEnabled())
	assert.Contains(t, logs.String(), "bucket=nodes")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Compression = "brotli"

	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Primary.Driver = config.DriverRedis
	cfg.Primary.URL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
}

func TestStartReaper_StopsWithContext(t *testing.T) {
	cfg := boltConfig(t)
	cfg.Primary.TTLDays = 1
	svc := newTestService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	svc.StartReaper(ctx)
	cancel()
}
