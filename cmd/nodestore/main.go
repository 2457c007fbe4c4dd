// Command nodestore operates a tiered node store: a primary document tier with
// an optional archival object tier behind it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/nodestore/config"
	"github.com/wolfeidau/nodestore/credentials"
	"github.com/wolfeidau/nodestore/credentials/opprovider"
	"github.com/wolfeidau/nodestore/server"
	"github.com/wolfeidau/nodestore/service"
	"github.com/wolfeidau/nodestore/telemetry"
)

var version = "dev"

// CLI is the command line grammar.
type CLI struct {
	Config    string `help:"Path to the YAML config file." type:"path" env:"NODESTORE_CONFIG"`
	LogLevel  string `help:"Override log level (debug, info, warn, error)." env:"NODESTORE_LOG_LEVEL"`
	LogFormat string `help:"Override log format (text, json, tint)." env:"NODESTORE_LOG_FORMAT"`

	Credentials string `help:"Path to a credentials template (JSON with env, file and op functions)." type:"path" env:"NODESTORE_CREDENTIALS"`

	Serve     ServeCmd     `cmd:"" help:"Serve the node API over HTTP."`
	Get       GetCmd       `cmd:"" help:"Read a value and write it to stdout."`
	GetMulti  GetMultiCmd  `cmd:"" name:"get-multi" help:"Read several values and print them as JSON."`
	Set       SetCmd       `cmd:"" help:"Store a value read from a file or stdin."`
	Delete    DeleteCmd    `cmd:"" help:"Delete values from the primary tier."`
	EnsureTTL EnsureTTLCmd `cmd:"" name:"ensure-ttl" help:"Create or update the primary tier TTL index."`
	Cleanup   CleanupCmd   `cmd:"" help:"Run the cleanup hook."`
	Reap      ReapCmd      `cmd:"" help:"Run one expiry reaper cycle (bolt driver)."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

// app is bound into every command's Run method.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("nodestore"),
		kong.Description("Tiered node storage with archival fallback."),
		kong.UsageOnError(),
	)

	a, err := newApp(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(a); err != nil {
		a.logger.Error("command failed", "command", kctx.Command(), "error", err)
		stop()
		os.Exit(1)
	}
}

func newApp(cli *CLI) (*app, error) {
	cfg := config.Default()
	if cli.Config != "" {
		var err error
		if cfg, err = config.Load(cli.Config); err != nil {
			return nil, err
		}
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if cli.Credentials != "" {
		r := credentials.NewResolver(credentials.WithLogger(logger), opprovider.WithOnePassword())
		if err := r.ApplyFile(context.Background(), cli.Credentials, cfg); err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
	}

	return &app{cfg: cfg, logger: logger}, nil
}

// newLogger builds the process logger for the configured level and format.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", lc.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case config.FormatText, "":
		handler = slog.NewTextHandler(w, opts)
	case config.FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	case config.FormatTint:
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", lc.Format)
	}
	return slog.New(handler), nil
}

// open starts metrics and builds the service. The returned func releases both.
func (a *app) open(ctx context.Context) (*service.Service, func(), error) {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "nodestore",
		ServiceVersion:   version,
		OTLPEndpoint:     a.cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: a.cfg.Metrics.PrometheusListen != "",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var promSrv *http.Server
	if addr := a.cfg.Metrics.PrometheusListen; addr != "" {
		promSrv = &http.Server{
			Addr:              addr,
			Handler:           telemetry.PrometheusHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener failed", "address", addr, "error", err)
			}
		}()
	}

	svc, err := service.New(ctx, a.cfg, service.WithLogger(a.logger))
	if err != nil {
		_ = shutdownMetrics(context.Background())
		return nil, nil, err
	}

	release := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			a.logger.Warn("closing service", "error", err)
		}
		if promSrv != nil {
			_ = promSrv.Shutdown(shutdownCtx)
		}
		_ = shutdownMetrics(shutdownCtx)
	}
	return svc, release, nil
}

// ServeCmd serves the node API until interrupted.
type ServeCmd struct {
	Address string `help:"Address to listen on; overrides server.address."`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	svc.StartReaper(ctx)

	sc := a.cfg.Server
	if c.Address != "" {
		sc.Address = c.Address
	}
	srv, err := server.New(server.Config{
		Address:      sc.Address,
		AuthToken:    sc.AuthToken,
		EnableH2C:    sc.H2C,
		MaxValueSize: sc.MaxValueSize,
		Logger:       a.logger.With("component", "server"),
	}, svc.Engine())
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// GetCmd reads one value.
type GetCmd struct {
	ID string `arg:"" help:"Node id."`
}

func (c *GetCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	value, ok, err := svc.Engine().Get(ctx, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %s not found", c.ID)
	}
	_, err = os.Stdout.Write(value)
	return err
}

// GetMultiCmd reads several values.
type GetMultiCmd struct {
	IDs []string `arg:"" name:"id" help:"Node ids."`
}

func (c *GetMultiCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	nodes, err := svc.Engine().GetMulti(ctx, c.IDs)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(nodes)
}

// SetCmd stores one value.
type SetCmd struct {
	ID   string        `help:"Node id; a random UUID is used when empty."`
	File string        `arg:"" optional:"" type:"existingfile" help:"File holding the value; stdin when omitted."`
	TTL  time.Duration `help:"Per-call TTL. Accepted but expiry follows the TTL index."`
}

func (c *SetCmd) Run(ctx context.Context, a *app) error {
	var (
		value []byte
		err   error
	)
	if c.File != "" {
		value, err = os.ReadFile(c.File)
	} else {
		value, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading value: %w", err)
	}

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}

	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := svc.Engine().Set(ctx, id, value, c.TTL); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// DeleteCmd removes values from the primary tier.
type DeleteCmd struct {
	IDs []string `arg:"" name:"id" help:"Node ids."`
}

func (c *DeleteCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if len(c.IDs) == 1 {
		return svc.Engine().Delete(ctx, c.IDs[0])
	}
	return svc.Engine().DeleteMulti(ctx, c.IDs)
}

// EnsureTTLCmd provisions the TTL index.
type EnsureTTLCmd struct {
	Days int `arg:"" help:"TTL in days."`
}

func (c *EnsureTTLCmd) Run(ctx context.Context, a *app) error {
	if c.Days <= 0 {
		return fmt.Errorf("ttl days must be positive, got %d", c.Days)
	}
	// Skip the configured index so only the requested one is applied.
	a.cfg.Primary.TTLDays = 0

	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := svc.Engine().EnsureTTLIndex(ctx, c.Days); err != nil {
		return err
	}
	a.logger.Info("ttl index ensured", "days", c.Days)
	return nil
}

// CleanupCmd calls the cleanup hook.
type CleanupCmd struct {
	Before time.Duration `help:"Cutoff age." default:"720h"`
}

func (c *CleanupCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	return svc.Engine().Cleanup(ctx, time.Now().Add(-c.Before))
}

// ReapCmd runs one reaper cycle.
type ReapCmd struct{}

func (c *ReapCmd) Run(ctx context.Context, a *app) error {
	svc, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	deleted, err := svc.ReapNow(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("reaped expired entries", "deleted", deleted)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}
