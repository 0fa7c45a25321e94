package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/demux"
	"github.com/zsiec/rcvbuf/internal/health"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"github.com/zsiec/rcvbuf/internal/registry"
	"github.com/zsiec/rcvbuf/internal/server"
	"github.com/zsiec/rcvbuf/internal/transport/udp"
	"github.com/zsiec/rcvbuf/pkg/version"
)

const healthCheckInterval = 10 * time.Second

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

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting rcvbuf receiver")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Receiver failed")
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	base := logger.NewLogrusAdapter(logrus.NewEntry(log))

	receiver := udp.NewReceiver(&cfg.Receiver, &cfg.Buffer, base)
	if err := receiver.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := receiver.Stop(); err != nil {
			log.WithError(err).Error("Failed to stop UDP receiver")
		}
	}()

	dispatcher := demux.NewDispatcher(&cfg.Demux, receiver.Buffer(), base)

	healthMgr := health.NewManager(base)
	healthMgr.Register(health.NewBufferChecker(receiver.Buffer(), cfg.Buffer.PressureThreshold))

	sources := server.Sources{
		Buffer:   receiver.Buffer().Stats,
		Receiver: receiver.Stats,
		Streams:  dispatcher.Snapshot,
	}

	var (
		redisClient redis.UniversalClient
		publisher   *registry.Publisher
	)
	if cfg.Registry.Enabled {
		client, err := registry.Connect(ctx, &cfg.Redis, cfg.Registry.ConnectAttempts, base)
		if err != nil {
			return err
		}
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("Failed to close Redis connection")
			}
		}()

		healthMgr.Register(health.NewRedisChecker(redisClient))

		reg := registry.NewRedisRegistry(redisClient, base, cfg.Registry.TTL)
		publisher = registry.NewPublisher(reg, &cfg.Registry, receiver.LocalAddr().String(),
			func() (rcvbuf.Stats, udp.Stats) {
				return receiver.Buffer().Stats(), receiver.Stats()
			}, base)
		sources.Receivers = reg.List
	}

	srv := server.New(&cfg.Server, log, healthMgr, sources)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(dispatcher.Run)
	p.Go(srv.Start)
	p.Go(func(ctx context.Context) error {
		healthMgr.StartPeriodicChecks(ctx, healthCheckInterval)
		return nil
	})
	if publisher != nil {
		p.Go(publisher.Run)
	}
	if cfg.Metrics.Enabled {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics, base)
		})
	}

	return p.Wait()
}

// serveMetrics exposes the default Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", srv.Addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
