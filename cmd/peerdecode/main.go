package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/health"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/receive"
	"github.com/zsiec/peerdecode/internal/receive/registry"
	"github.com/zsiec/peerdecode/internal/receive/transport"
	"github.com/zsiec/peerdecode/internal/retry"
	"github.com/zsiec/peerdecode/internal/server"
	"github.com/zsiec/peerdecode/pkg/version"
)

// Heap size above which the service reports itself degraded
const memoryLimit = 2 << 30

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logrusLogger, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.FromLogrus(logrusLogger)

	log.WithField("version", version.GetInfo().Short()).Info("Starting peerdecode")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	if err := run(cfg, log); err != nil {
		logrusLogger.WithError(err).Fatal("Service error")
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := receive.NewManager(receive.Options{Decode: cfg.Decode, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create decode manager: %w", err)
	}

	var (
		reg         registry.Registry
		syncer      *registry.Syncer
		redisClient *redis.Client
	)

	// Runs after every group member has returned: decode state goes
	// first, then the Redis connection.
	defer func() {
		if err := manager.Close(); err != nil {
			log.WithError(err).Error("Failed to close decode manager")
		}
		if redisClient != nil {
			if err := reg.Close(); err != nil {
				log.WithError(err).Error("Failed to close Redis connection")
			}
		}
	}()

	healthMgr := health.NewManager(log)
	healthMgr.Register(health.NewMemoryChecker(memoryLimit))
	healthMgr.Register(health.NewPipelineChecker(manager, 0))

	if cfg.Registry.Enabled {
		redisClient, err = connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		log.Info("Connected to Redis successfully")

		reg = registry.NewRedisRegistry(redisClient, log, cfg.Registry.Prefix, cfg.Registry.TTL)
		syncer = registry.NewSyncer(reg, manager, instanceID(), cfg.Registry.HeartbeatInterval, log)
		healthMgr.Register(health.NewRedisChecker(redisClient))
	} else {
		reg = registry.NewMemoryRegistry()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		return nil
	})

	if cfg.Ingest.RTP.Enabled {
		rtpListener := transport.NewRTPListener(cfg.Ingest.RTP, manager, log)
		if err := rtpListener.Listen(); err != nil {
			return fmt.Errorf("failed to start RTP listener: %w", err)
		}
		g.Go(func() error { return rtpListener.Serve(gctx) })
	}

	if cfg.Ingest.QUIC.Enabled {
		tlsConf, err := transport.LoadTLSConfig(cfg.Ingest.QUIC.TLSCertFile, cfg.Ingest.QUIC.TLSKeyFile)
		if err != nil {
			return err
		}
		quicListener := transport.NewQUICListener(cfg.Ingest.QUIC, tlsConf, manager, log)
		if err := quicListener.Listen(); err != nil {
			return fmt.Errorf("failed to start QUIC listener: %w", err)
		}
		g.Go(func() error { return quicListener.Serve(gctx) })
	}

	if syncer != nil {
		g.Go(func() error { return syncer.Run(gctx) })
	}

	if cfg.Server.Enabled {
		srv := server.New(&cfg.Server, log, manager, healthMgr, reg)
		g.Go(func() error { return srv.Start(gctx) })
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, log) })
	}

	return g.Wait()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addresses[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	backoff := retry.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2, 5)
	err := retry.Do(ctx, backoff, log, "redis_connect", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.New().String()
	}
	return host + "-" + uuid.New().String()[:8]
}

// serveMetrics runs the Prometheus metrics server until ctx is cancelled
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
