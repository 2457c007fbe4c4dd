// Package service assembles the tiered node store from configuration and owns
// the lifecycle of the clients it creates.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/nodestore"
	"github.com/wolfeidau/nodestore/archive"
	"github.com/wolfeidau/nodestore/archive/s3store"
	"github.com/wolfeidau/nodestore/codec"
	"github.com/wolfeidau/nodestore/config"
	"github.com/wolfeidau/nodestore/primary"
	"github.com/wolfeidau/nodestore/primary/boltstore"
	"github.com/wolfeidau/nodestore/primary/mongostore"
	"github.com/wolfeidau/nodestore/primary/redisstore"
)

// ErrNoReaper is returned by ReapNow when the primary tier expires entries itself.
var ErrNoReaper = errors.New("service: primary driver has no reaper")

// Service holds a configured engine and the resources behind it.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *nodestore.Engine
	primary primary.Store
	reaper  *boltstore.ExpiryReaper

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New connects to the configured tiers and builds the engine. When
// primary.ttl_days is set the TTL index is ensured before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	codecs, err := codec.NewRegistry(s.cfg.Compression)
	if err != nil {
		return err
	}

	store, err := s.openPrimary(ctx)
	if err != nil {
		return err
	}
	s.primary = primary.NewInstrumented(store, s.cfg.Primary.Driver)

	if days := s.cfg.Primary.TTLDays; days > 0 {
		if err := s.primary.EnsureTTLIndex(ctx, days); err != nil {
			return fmt.Errorf("ensuring ttl index: %w", err)
		}
		s.logger.Info("ttl index ensured", "index", primary.TTLIndexName, "ttlDays", days)
	}

	engineOpts := []nodestore.Option{
		nodestore.WithLogger(s.logger.With("component", "engine")),
	}
	if s.cfg.Archive.Enabled {
		arch, err := s.openArchive(ctx)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, nodestore.WithArchive(
			archive.NewInstrumented(arch, s.cfg.Archive.Driver),
			s.cfg.Archive.Prefix,
		))
	}

	s.engine, err = nodestore.NewEngine(s.primary, codecs, engineOpts...)
	if err != nil {
		return err
	}

	s.logger.Debug("node store ready",
		"primary", s.cfg.Primary.Driver,
		"compression", codecs.Selected(),
		"archive", s.engine.ArchiveEnabled())
	return nil
}

func (s *Service) openPrimary(ctx context.Context) (primary.Store, error) {
	pc := s.cfg.Primary
	logger := s.logger.With("component", "primary", "driver", pc.Driver)

	switch pc.Driver {
	case config.DriverMongo:
		client, err := mongostore.Connect(ctx, pc.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Disconnect)
		coll := client.Database(pc.Database).Collection(pc.Collection)
		return mongostore.New(coll, mongostore.WithLogger(logger)), nil

	case config.DriverRedis:
		client, err := redisstore.Connect(ctx, pc.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if pc.Namespace != "" {
			opts = append(opts, redisstore.WithNamespace(pc.Namespace))
		}
		return redisstore.New(client, opts...), nil

	case config.DriverBolt:
		store := boltstore.New(boltstore.WithLogger(logger))
		if err := store.Open(pc.URL); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
		s.reaper = boltstore.NewExpiryReaper(store,
			boltstore.WithReaperInterval(pc.ReapInterval),
			boltstore.WithReaperLogger(s.logger.With("component", "reaper")),
		)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown primary driver %q", pc.Driver)
	}
}

func (s *Service) openArchive(ctx context.Context) (archive.Store, error) {
	ac := s.cfg.Archive

	switch ac.Driver {
	case config.DriverS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:          ac.Bucket,
			Region:          ac.Region,
			Endpoint:        ac.Endpoint,
			AccessKeyID:     ac.AccessKeyID,
			SecretAccessKey: ac.SecretAccessKey,
			RetryAttempts:   ac.RetryAttempts,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("archive tier enabled", "driver", ac.Driver, "bucket", store.Bucket(), "prefix", ac.Prefix)
		return store, nil
	case config.DriverFilesystem:
		fs, err := archive.NewFilesystem(ac.Path)
		if err != nil {
			return nil, err
		}
		s.logger.Info("archive tier enabled", "driver", ac.Driver, "root", fs.Root(), "prefix", ac.Prefix)
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", ac.Driver)
	}
}

// Engine returns the configured engine.
func (s *Service) Engine() *nodestore.Engine {
	return s.engine
}

// StartReaper runs the bolt expiry reaper until ctx is done. Other drivers
// expire entries server side and this returns immediately.
func (s *Service) StartReaper(ctx context.Context) {
	if s.reaper == nil || s.cfg.Primary.TTLDays <= 0 {
		return
	}
	go s.reaper.Run(ctx)
}

// ReapNow runs one reaper cycle and returns the number of entries deleted.
func (s *Service) ReapNow(ctx context.Context) (int, error) {
	if s.reaper == nil {
		return 0, ErrNoReaper
	}
	return s.reaper.ReapNow(ctx), nil
}

// Close releases every client opened by New.
func (s *Service) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
