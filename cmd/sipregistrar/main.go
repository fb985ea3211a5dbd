// Command sipregistrar runs a SIP registrar. Without an upstream it keeps
// registrations in memory and routes calls itself; with one it relays every
// request upstream and mirrors accepted registrations locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-sip/config"
	"mini-sip/discovery"
	"mini-sip/loadbalance"
	"mini-sip/logging"
	"mini-sip/metrics"
	"mini-sip/middleware"
	"mini-sip/registry"
	"mini-sip/server"
	"mini-sip/sweeper"
	"mini-sip/transport"
	"mini-sip/upstream"
)

const (
	userAgent       = "mini-sip"
	shutdownTimeout = 5 * time.Second
	retryBaseDelay  = 100 * time.Millisecond
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "sipregistrar:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var etcd *discovery.EtcdRegistry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err = discovery.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()
	}

	t, err := transport.NewSIPTransport(userAgent,
		transport.WithLogger(logger.Named("transport")),
		transport.WithHoldTimeout(cfg.RelayTimeout))
	if err != nil {
		return err
	}
	defer t.Close()

	store := registry.NewMemoryRegistry()
	opts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(m),
		server.WithDefaultExpires(cfg.DefaultExpires),
	}

	up, err := newUpstream(ctx, cfg, etcd, logger)
	if err != nil {
		return err
	}
	if up != nil {
		opts = append(opts, server.WithUpstream(up))
	}
	if cfg.Etcd.Service != "" {
		opts = append(opts, server.WithAnnouncer(etcd, cfg.Etcd.Service, cfg.Etcd.AdvertiseAddr, cfg.Etcd.TTL))
	}

	srv := server.New(t, store, opts...)
	srv.Use(middleware.Logging(logger.Named("sip")))
	srv.Use(middleware.Metrics(m))
	if cfg.RateLimit.PerSecond > 0 {
		srv.Use(middleware.RateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.RelayRetries > 0 {
		srv.Use(middleware.Retry(cfg.RelayRetries, retryBaseDelay, logger.Named("retry")))
	}
	srv.Use(middleware.Timeout(cfg.RelayTimeout))

	sw := sweeper.New(store,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithLogger(logger.Named("sweeper")),
		sweeper.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := t.Listen(gctx, cfg.Network, cfg.ListenAddr()); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Serve(gctx, t.Requests()) })
	g.Go(func() error { return sw.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg) })
	}

	logger.Info(fmt.Sprintf("Started sip registrar on %s:%d", cfg.Host, cfg.Port),
		zap.String("network", cfg.Network),
		zap.Stringer("mode", srv.Mode()))

	<-gctx.Done()
	logger.Info("shutting down")
	shutdownErr := srv.Shutdown(shutdownTimeout)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, shutdownErr)
}

func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("sipregistrar", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "Path to a YAML config file.")
	// 先只解析 --config，再让命令行覆盖文件中的值
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return cfg, err
		}
	}

	fs = pflag.NewFlagSet("sipregistrar", pflag.ContinueOnError)
	fs.StringP("config", "c", *path, "Path to a YAML config file.")
	cfg.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// newUpstream returns nil in standalone mode.
func newUpstream(ctx context.Context, cfg config.Config, etcd *discovery.EtcdRegistry, logger *zap.Logger) (upstream.Resolver, error) {
	switch {
	case cfg.Up.Host != "":
		return upstream.NewStatic(cfg.Up.Host, cfg.Up.Port), nil
	case cfg.Up.Service != "":
		bal, err := loadbalance.New(cfg.Up.Balancer)
		if err != nil {
			return nil, err
		}
		return upstream.NewDiscovered(ctx, etcd, cfg.Up.Service, bal, logger.Named("upstream")), nil
	}
	return nil, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hs.Shutdown(sctx) //nolint:errcheck
	}()

	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
