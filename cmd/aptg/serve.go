package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wolfeidau/aptg/audit"
	"github.com/wolfeidau/aptg/backend"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/config"
	"github.com/wolfeidau/aptg/credentials"
	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/pipeline"
	"github.com/wolfeidau/aptg/server"
	"github.com/wolfeidau/aptg/store"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/telemetry"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

const shutdownTimeout = 15 * time.Second

type serveCmd struct{}

func (s *serveCmd) Run(ctx context.Context, g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "aptg",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds := &credentials.Credentials{}
	if cfg.CredentialsFile != "" {
		creds, err = credentials.NewResolver(credentials.WithLogger(logger)).ResolveFile(ctx, cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
	}
	logger.Info("credentials", "credentials", creds)

	keyring, err := loadKeyring(cfg)
	if err != nil {
		return err
	}
	logger.Info("loaded keyring", "keys", keyring.Len())

	st, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	up, err := upstream.New(cfg.Upstream.URL,
		upstream.WithAuth(creds.Upstream),
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithMaxAttempts(cfg.Upstream.MaxAttempts),
		upstream.WithTempDir(cfg.TempDir()),
		upstream.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	auditLog, fileSink, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Warn("closing audit log failed", "error", err)
		}
	}()

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	orchOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithAudit(auditLog),
		pipeline.WithSettings(settings),
		pipeline.WithFillTimeout(cfg.Upstream.FillTimeout),
	}
	if cfg.GeoIP.Enabled {
		geodb, err := geoip.Open(cfg.GeoIP.Database)
		if err != nil {
			return err
		}
		defer func() { _ = geodb.Close() }()
		logger.Info("loaded geoip database", "path", geodb.Path(), "rules", settings.Geo.Rules())
		orchOpts = append(orchOpts, pipeline.WithLocator(geodb))
	}
	orch := pipeline.New(st.cache, verify.NewRegistry(st.db, verify.WithRegistryLogger(logger)), keyring, up, orchOpts...)

	reaper := cache.NewReaper(st.cache, cfg.ReaperConfig())
	reaper.Start(ctx)
	defer reaper.Stop()

	srv := server.New(server.Config{
		Address:   cfg.Listen,
		AuthToken: creds.AuthToken,
		Logger:    logger,
	}, orch, st.cache, auditLog)

	go handleSignals(ctx, g, cfg, orch, fileSink, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("aptg started",
		"address", srv.Address(),
		"upstream", cfg.Upstream.URL,
		"storage", cfg.Storage.Dir,
		"sources_list", fmt.Sprintf("deb http://localhost%s%s bookworm main", srv.Address(), strings.TrimSuffix(server.RepoPrefix, "/")),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := st.cache.FlushTouches(sctx); err != nil {
		logger.Warn("flushing access times failed", "error", err)
	}
	return nil
}

// handleSignals reloads policy and TTLs on SIGHUP and rotates the audit file
// on SIGUSR1.
func handleSignals(ctx context.Context, g *Globals, running *config.Config, orch *pipeline.Orchestrator, fileSink *audit.FileSink, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				if fileSink == nil {
					continue
				}
				if err := fileSink.Rotate(); err != nil {
					logger.Error("rotating audit file failed", "error", err)
				}
				continue
			}
			reload(g, running, orch, logger)
		}
	}
}

func reload(g *Globals, running *config.Config, orch *pipeline.Orchestrator, logger *slog.Logger) {
	next, err := config.Load(g.Config)
	if err != nil {
		logger.Error("reload failed, keeping current config", "error", err)
		return
	}
	settings, err := next.Settings()
	if err != nil {
		logger.Error("reload failed, keeping current config", "error", err)
		return
	}
	orch.Reload(settings)
	if changed := running.Changed(next); len(changed) > 0 {
		logger.Warn("config changes need a restart to take effect", "sections", changed)
	}
}

func loadKeyring(cfg *config.Config) (*verify.Keyring, error) {
	keyring, err := verify.LoadKeyring(cfg.Keyring.Paths...)
	if err != nil {
		return nil, fmt.Errorf("loading keyring: %w", err)
	}
	if keyring.Len() == 0 {
		return nil, fmt.Errorf("no trusted keys found in %v", cfg.Keyring.Paths)
	}
	return keyring, nil
}

// storage is the on-disk cache: the bbolt index and the blob store.
type storage struct {
	db    *metadb.BoltDB
	cache *cache.Manager
}

func openStorage(cfg *config.Config, logger *slog.Logger) (*storage, error) {
	for _, dir := range []string{cfg.Storage.Dir, cfg.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger), metadb.WithNoSync(cfg.Storage.NoSync))
	if err := db.Open(cfg.MetadbPath()); err != nil {
		return nil, fmt.Errorf("opening %s (is another aptg running?): %w", cfg.MetadbPath(), err)
	}

	fs, err := backend.NewFilesystem(cfg.BlobDir(), backend.WithNoSync(cfg.Storage.NoSync))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	blobs := store.NewCAFS(backend.NewInstrumentedBackend(fs, "filesystem"), store.WithTempDir(cfg.TempDir()))

	return &storage{
		db: db,
		cache: cache.New(db, blobs,
			cache.WithLogger(logger),
			cache.WithTTLPolicy(cfg.TTLPolicy()),
		),
	}, nil
}

func (s *storage) Close() {
	_ = s.db.Close()
}

// openAudit builds the audit sinks. Without a file or stdout sink events go
// to the process log.
func openAudit(cfg *config.Config, logger *slog.Logger) (*audit.Log, *audit.FileSink, error) {
	var (
		sinks    []audit.Sink
		fileSink *audit.FileSink
	)
	if cfg.Audit.RingSize > 0 {
		sinks = append(sinks, audit.NewRing(cfg.Audit.RingSize))
	}
	if cfg.Audit.File != "" {
		fs, err := audit.NewFileSink(cfg.AuditFileConfig())
		if err != nil {
			return nil, nil, err
		}
		fileSink = fs
		sinks = append(sinks, fs)
	}
	if cfg.Audit.Stdout {
		sinks = append(sinks, audit.NewWriterSink(os.Stdout))
	}
	if fileSink == nil && !cfg.Audit.Stdout {
		sinks = append(sinks, audit.NewSlogSink(logger))
	}
	return audit.NewLog(sinks, audit.WithLogger(logger)), fileSink, nil
}
