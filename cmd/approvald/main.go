// Command approvald serves the approval engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/petrijr/approvalflow"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/archive"
	"github.com/petrijr/approvalflow/pkg/audit"
	"github.com/petrijr/approvalflow/pkg/config"
	"github.com/petrijr/approvalflow/pkg/directory"
	"github.com/petrijr/approvalflow/pkg/httpapi"
	"github.com/petrijr/approvalflow/pkg/notify"
)

func main() {
	configPath := flag.String("config", os.Getenv("APPROVALFLOW_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug("maxprocs", slog.String("detail", fmt.Sprintf(format, args...)))
	})); err != nil {
		logger.Warn("maxprocs_failed", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("approvald_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	collab, closeCollab, err := collaborators(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCollab()

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	metrics := &api.BasicMetrics{}
	opts.Observer = api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics)

	b, err := openBackend(ctx, cfg.Storage, collab, opts)
	if err != nil {
		return err
	}
	defer b.close()
	eng := b.engine

	n, err := approvalflow.Recover(ctx, eng)
	if err != nil {
		// Instances that failed to load are retried lazily on first use.
		logger.Error("recover_incomplete", slog.Int("resumed", n), slog.Any("error", err))
	} else {
		logger.Info("recovered", slog.Int("resumed", n))
	}

	if cfg.Archive.Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		})
		if err != nil {
			return err
		}
		go archiveLoop(ctx, eng, a, cfg.Archive, logger)
	}

	srv := httpapi.New(eng, logger)
	srv.Ready = b.ping
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", slog.String("addr", cfg.HTTP.Addr), slog.String("backend", cfg.Storage.Backend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeout))
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown", slog.Any("error", err))
	}
	if err := eng.Drain(shutdownCtx); err != nil {
		logger.Warn("drain_incomplete", slog.Any("error", err))
	}
	snap := metrics.Snapshot()
	logger.Info("stopped",
		slog.Int64("instances_started", snap.InstancesStarted),
		slog.Int64("activities_completed", snap.ActivitiesCompleted),
		slog.Int64("activities_failed", snap.ActivitiesFailed),
	)
	return eng.Close()
}

func collaborators(cfg config.Config, logger *slog.Logger) (api.Collaborators, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Directory.EntitiesURL == "" {
		return api.Collaborators{}, nil, errors.New("directory.entities_url (APPROVALFLOW_ENTITIES_URL) is required")
	}
	entities, err := directory.NewHTTPEntities(cfg.Directory.EntitiesURL, time.Duration(cfg.Directory.EntitiesTimeout))
	if err != nil {
		return api.Collaborators{}, nil, err
	}
	c := api.Collaborators{
		Entities:  entities,
		Approvers: directory.StaticApprovers{Levels: cfg.Directory.Approvers, Escalation: cfg.Directory.Escalation},
		Notifier:  notify.NewLogNotifier(logger),
		Audit:     audit.NewLogSink(logger),
	}

	if cfg.NATS.URL != "" {
		n, closeNATS, err := notify.Connect(notify.NATSConfig{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix, Name: "approvald"})
		if err != nil {
			return api.Collaborators{}, nil, err
		}
		closers = append(closers, closeNATS)
		c.Notifier = n
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			closeAll()
			return api.Collaborators{}, nil, err
		}
		closers = append(closers, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("kafka_close", slog.Any("error", err))
			}
		})
		c.Audit = sink
	}
	return c, closeAll, nil
}

func archiveLoop(ctx context.Context, eng api.Engine, a archive.Archiver, cfg config.Archive, logger *slog.Logger) {
	interval := time.Duration(cfg.Interval)
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-time.Duration(cfg.OlderThan))
		res, err := approvalflow.Archive(ctx, eng, a, cutoff)
		if err != nil {
			logger.Warn("archive_incomplete", slog.Int("archived", len(res.Archived)), slog.Any("error", err))
			continue
		}
		if len(res.Archived) > 0 {
			logger.Info("archived", slog.Int("count", len(res.Archived)), slog.Time("cutoff", cutoff))
		}
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
}
