package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packgrant/packgrant/core/catalog"
	"github.com/packgrant/packgrant/core/configsvc"
	"github.com/packgrant/packgrant/core/controlplane/gateway"
	"github.com/packgrant/packgrant/core/infra/attempts"
	"github.com/packgrant/packgrant/core/infra/buildinfo"
	"github.com/packgrant/packgrant/core/infra/bus"
	"github.com/packgrant/packgrant/core/infra/config"
	"github.com/packgrant/packgrant/core/infra/logging"
	infraMetrics "github.com/packgrant/packgrant/core/infra/metrics"
	"github.com/packgrant/packgrant/core/infra/storage"
	"github.com/packgrant/packgrant/core/infra/storage/oss"
	"github.com/packgrant/packgrant/core/infra/storage/selfhost"
	"github.com/packgrant/packgrant/core/packs"
	"golang.org/x/sync/errgroup"
)

const (
	catalogPollInterval = 30 * time.Second
	drainTimeout        = 10 * time.Second
	metricsNamespace    = "packgrant"
)

func main() {
	buildinfo.Resolve()
	buildinfo.Log("packgrant")

	if err := run(); err != nil {
		log.Fatalf("packgrant: %v", err)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	packsCfg := cat.Config()

	if cfg.HashBackend == config.BackendRedis {
		svc, err := configsvc.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer svc.Close()
		cat.UseHashes(configsvc.NewHashStore(svc))
		logging.Info("packgrant", "hash registry", "backend", config.BackendRedis)
	}

	var attemptStore packs.AttemptStore = packs.NewMemoryAttemptStore()
	if cfg.AttemptBackend == config.BackendRedis {
		rs, err := attempts.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()
		attemptStore = rs
	}
	limiter := packs.NewLimiter(attemptStore, packs.LimiterConfig{
		MaxFailures: packsCfg.Limits.MaxFailedAttempts,
		Window:      packsCfg.Limits.AttemptWindow.Std(),
	})

	router := storage.NewRouter()
	var bucket *oss.Store
	if cfg.OSS.Configured() {
		bucket, err = oss.New(ctx, oss.Config{
			Endpoint:        cfg.OSS.Endpoint,
			Bucket:          cfg.OSS.Bucket,
			AccessKeyID:     cfg.OSS.AccessKeyID,
			AccessKeySecret: cfg.OSS.AccessKeySecret,
			PresignExpiry:   packsCfg.OSS.PresignExpiry.Std(),
			PresignReuse:    packsCfg.OSS.PresignReuse.Std(),
			RequireZip:      packsCfg.OSS.ZipRequired(),
		})
		if err != nil {
			return err
		}
		defer bucket.Close()
		router.Register(storage.DefaultStore, bucket)
	} else {
		logging.Warn("packgrant", "oss not configured, oss packs will fail to resolve")
	}

	var selfHost *selfhost.Handler
	if sh := packsCfg.SelfHosting; sh.Enabled {
		files, err := selfhost.New(sh.Root, sh.BaseURL)
		if err != nil {
			return err
		}
		router.Register(config.StoreSelfHost, files)
		selfHost = selfhost.NewHandler(files, sh.ValidOnly)
	}
	logging.Info("packgrant", "asset stores ready", "stores", router.Names())

	hub := gateway.NewHub()
	var events packs.EventSink = hub
	var natsBus *bus.NatsBus
	if nb, err := bus.NewNatsBus(cfg.NatsURL); err != nil {
		logging.Warn("packgrant", "nats unavailable, host reports disabled", "url", cfg.NatsURL, "error", err)
	} else {
		natsBus = nb
		defer natsBus.Close()
		events = packs.MultiSink(hub, bus.NewEventPublisher(natsBus))
	}

	resolver, err := packs.NewResolver(packs.Options{
		Store:   router,
		Limiter: limiter,
		Catalog: cat,
		Metrics: infraMetrics.NewProm(metricsNamespace),
		Events:  events,
	})
	if err != nil {
		return err
	}

	invalidate := func(asset packs.Asset) {
		if bucket != nil {
			bucket.Invalidate(asset)
		}
	}
	cat.OnChange(func(changed []string) {
		for _, name := range changed {
			resolver.Hashes().Invalidate(name)
			if asset, ok := cat.Asset(name); ok {
				invalidate(asset)
			}
		}
		logging.Info("packgrant", "catalog changed", "packs", changed)
	})

	if natsBus != nil {
		if err := bus.Listen(ctx, natsBus, resolver); err != nil {
			return err
		}
	}

	auth, err := gateway.APIKeyAuthFromEnv()
	if err != nil {
		return err
	}
	opts := gateway.Options{
		Resolver:     resolver,
		Catalog:      cat,
		Hub:          hub,
		Metrics:      infraMetrics.NewGatewayProm(metricsNamespace),
		Auth:         auth,
		OnInvalidate: invalidate,
	}
	if selfHost != nil {
		opts.SelfHost = selfHost
	}
	srv, err := gateway.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cat.Watch(gctx, catalogPollInterval)
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, cat)
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return gateway.ServeMetrics(gctx, cfg.MetricsAddr) })

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if serr := resolver.Shutdown(drainCtx); serr != nil {
		logging.Warn("packgrant", "shutdown drain failed", "error", serr)
	}
	logging.Info("packgrant", "stopped")
	return err
}

// reloadOnHangup reloads the catalog whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, cat *catalog.Catalog) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := cat.Reload(); err != nil {
				logging.Error("packgrant", "catalog reload failed", "error", err)
			}
		}
	}
}
