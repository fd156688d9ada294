// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/api"
	"github.com/voslund/fetchd/internal/config"
	"github.com/voslund/fetchd/internal/dispatch"
	"github.com/voslund/fetchd/internal/journal"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/ratelimit"
	"github.com/voslund/fetchd/internal/recovery"
	"github.com/voslund/fetchd/internal/request"
	"github.com/voslund/fetchd/internal/sched"
	"github.com/voslund/fetchd/internal/secrets"
	"github.com/voslund/fetchd/internal/store"
	"github.com/voslund/fetchd/internal/telemetry"
)

// Build assembles the daemon from the boot configuration. runCtx scopes the
// engine's detached walkers.
func Build(runCtx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := log.WithComponent("daemon")

	for _, dir := range []string{cfg.DataDir, cfg.JournalDir, cfg.DownloadDir, cfg.DeliveryDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("daemon: create %s: %w", dir, err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	jn, err := journal.Open(cfg.JournalDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tel, err := telemetry.NewProvider(runCtx, telemetry.Config{
		Enabled:        cfg.OTLPEnabled,
		ServiceName:    "fetchd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.OTLPExporter,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRate:   cfg.OTLPSampling,
	})
	if err != nil {
		return nil, err
	}

	var records ratelimit.RecordStore
	if cfg.RedisAddr != "" {
		records = ratelimit.NewRedisRecords(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("rate-limit records on redis")
	} else {
		records = ratelimit.NewMemoryRecords()
	}
	limiter := ratelimit.New(records, nil)

	var box *secrets.Box
	if cfg.SecretsPass != "" {
		box, err = secrets.Open(st.DB, []byte(cfg.SecretsPass))
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("no secrets passphrase configured; secret-backed indexer keys unavailable")
	}

	dispatcher := dispatch.New(st, jn, dispatch.Config{
		AssignedTimeout:      cfg.AssignedTimeout,
		StallTimeout:         cfg.StallTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatMisses:      cfg.HeartbeatMisses,
		ShortBlock:           cfg.ShortBlock,
		DefaultMaxConcurrent: cfg.DefaultMaxConcurrent,
		DefaultMaxAttempts:   cfg.DefaultMaxAttempts,
		AuthToken:            cfg.APIToken,
		PathMaps:             pathMaps(cfg.PathMappings),
	})

	multi := adapters.NewMultiIndexer()
	downloader := adapters.NewQBittorrentClient(
		config.ParseString("FETCHD_QBT_URL", "http://127.0.0.1:8080"),
		config.ParseString("FETCHD_QBT_USER", "admin"),
		config.ParseString("FETCHD_QBT_PASSWORD", ""),
	)
	targets := map[string]adapters.DeliveryTarget{
		"library": adapters.NewLocalTarget("library", cfg.DeliveryDir),
	}
	var notifiers []adapters.Notifier
	if url := config.ParseString("FETCHD_WEBHOOK_URL", ""); url != "" {
		notifiers = append(notifiers, adapters.NewWebhookNotifier(
			"webhook", url, config.ParseString("FETCHD_WEBHOOK_TOKEN", "")))
	}

	registry := pipeline.NewRegistry()
	engine := pipeline.NewEngine(runCtx, st, registry)
	pipeline.RegisterDefaults(registry, pipeline.Deps{
		Store:      st,
		Indexers:   []adapters.Indexer{multi},
		Downloader: downloader,
		Targets:    targets,
		Notifiers:  notifiers,
		Encoder:    dispatcher,
	})
	dispatcher.Events = &pipeline.EncodeBridge{Engine: engine}

	requests := request.NewService(st, engine)
	sweeper := recovery.NewSweeper(st, engine, targets)
	watcher := recovery.NewDownloadWatcher(st, engine, downloader)

	indexers := NewIndexerManager(filepath.Join(cfg.DataDir, "indexers.json"), multi, limiter, box)

	apiServer := &api.Server{
		Store:       st,
		Requests:    requests,
		Engine:      engine,
		Dispatcher:  dispatcher,
		EncoderPath: cfg.EncoderPath,
		APIToken:    cfg.APIToken,
	}

	return &App{
		Cfg:               cfg,
		Store:             st,
		Journal:           jn,
		Engine:            engine,
		Dispatcher:        dispatcher,
		Scheduler:         sched.New(),
		Sweeper:           sweeper,
		Watcher:           watcher,
		Requests:          requests,
		Indexers:          indexers,
		API:               apiServer,
		Limiter:           limiter,
		TelemetryShutdown: tel.Shutdown,
		logger:            logger,
	}, nil
}

func pathMaps(entries []config.PathMapEntry) map[string][]dispatch.PathMapping {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string][]dispatch.PathMapping)
	for _, e := range entries {
		out[e.EncoderID] = append(out[e.EncoderID], dispatch.PathMapping{
			ServerPrefix:  e.ServerPrefix,
			EncoderPrefix: e.EncoderPrefix,
		})
	}
	return out
}
