package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/api"
	"github.com/lovelumine/rnaqueue/broker"
	"github.com/lovelumine/rnaqueue/config"
	"github.com/lovelumine/rnaqueue/history"
	"github.com/lovelumine/rnaqueue/kinds"
	"github.com/lovelumine/rnaqueue/redis"
	"github.com/lovelumine/rnaqueue/remote"
	"github.com/lovelumine/rnaqueue/storage"
	"github.com/lovelumine/rnaqueue/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runOptions struct {
	serveAPI bool
	dispatch bool
}

// app holds everything built from the config. close releases it in reverse
// order of construction.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	redis    *redis.Client
	store    *storage.MinIO
	history  *history.Store
	registry *kinds.Registry
	metrics  http.Handler
	closers  []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.Log)}
	slog.SetDefault(a.logger)
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(shutdownTracing)

	a.redis = redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	a.onClose(func(context.Context) error { return a.redis.Close() })
	if err := a.redis.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	b, err := a.newBroker()
	if err != nil {
		return nil, err
	}

	a.store, err = storage.NewMinIO(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		BaseURL:   cfg.Storage.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := a.store.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	var recorder rnaqueue.Recorder = rnaqueue.NopRecorder
	if cfg.Mongo.URI != "" {
		client, err := history.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		a.onClose(client.Disconnect)
		a.history = history.NewStore(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
		if err := a.history.EnsureIndexes(ctx); err != nil {
			a.logger.Warn("history index not created", "error", err)
		}
		recorder = a.history
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	deps := rnaqueue.Deps{
		Broker:      b,
		Coordinator: redis.NewCoordinator(a.redis),
		Notifier:    redis.NewNotifier(a.redis, a.logger),
		Store:       a.store,
		Recorder:    recorder,
		Metrics:     rnaqueue.NewMetrics(reg),
		Logger:      a.logger,
	}
	a.registry, err = kinds.Build(cfg, kinds.Env{
		Files: a.store,
		Compute: remote.New(remote.Config{
			BaseURL:  cfg.Remote.BaseURL,
			Timeout:  cfg.Remote.Timeout,
			Attempts: cfg.Remote.Attempts,
		}, a.logger),
		CmbuildBinary:  cfg.Cmbuild.Binary,
		CmbuildTempDir: cfg.Cmbuild.TempDir,
		Logger:         a.logger,
	}, deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) newBroker() (rnaqueue.Broker, error) {
	switch a.cfg.Broker.Type {
	case "redis":
		return redis.NewBroker(a.redis, a.logger), nil
	case "nats":
		js, err := broker.DialJetStream(broker.JetStreamConfig{
			URL:           a.cfg.Broker.NATSURL,
			SubjectPrefix: a.cfg.Broker.SubjectPrefix,
			AckWait:       a.cfg.Broker.AckWait,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { js.Close(); return nil })
		return js, nil
	case "memory":
		a.logger.Warn("memory broker selected, queued tasks are lost on restart")
		mem := broker.NewMemory()
		a.onClose(func(context.Context) error { mem.Close(); return nil })
		return mem, nil
	}
	return nil, fmt.Errorf("unknown broker type %q", a.cfg.Broker.Type)
}

func (a *app) health(ctx context.Context) error {
	return a.redis.Ping(ctx)
}

func (a *app) handler(withRoutes bool) http.Handler {
	opts := api.Options{
		Metrics: a.metrics,
		Health:  a.health,
		Logger:  a.logger,
	}
	if withRoutes {
		opts.Routes = a.registry.Routes
		opts.Auth = redis.NewTokenAuthenticator(a.redis)
		opts.Uploads = a.store
		opts.Subscriber = redis.NewNotifier(a.redis, a.logger)
		opts.MaxUploadMB = a.cfg.HTTP.MaxUploadMB
		opts.AllowedOrigins = a.cfg.HTTP.AllowedOrigins
		if a.history != nil {
			opts.History = a.history
		}
	}
	return api.NewServer(opts).Handler()
}

func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting", "version", Version, "broker", cfg.Broker.Type, "api", opts.serveAPI, "dispatch", opts.dispatch)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.dispatch {
		for _, r := range a.registry.Runners {
			wg.Add(1)
			go func(r kinds.Runner) {
				defer wg.Done()
				if err := r.Run(runCtx); err != nil {
					fail(fmt.Errorf("%s dispatcher: %w", r.Kind(), err))
					cancel()
				}
			}(r)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler(opts.serveAPI),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serveHTTP(runCtx, srv, a.logger); err != nil {
			fail(err)
			cancel()
		}
	}()

	wg.Wait()
	a.logger.Info("stopped")
	return errors.Join(errs...)
}
