package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nenya-go/nenya/internal/config"
	"github.com/nenya-go/nenya/internal/telemetry"
	"github.com/nenya-go/nenya/pidctl"
	"github.com/nenya-go/nenya/sentinel"
	"github.com/nenya-go/nenya/sentinelpb"
)

// Run loads configuration from configPath, starts the gRPC and metrics
// servers, and runs the peer-exchange loop until ctx is canceled.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting nenya-sentinel", "hostname", cfg.Hostname, "listen_addr", cfg.ListenAddr, "peers", cfg.Peers)

	collector := telemetry.NewCollector(prometheus.DefaultRegisterer)

	segments := make(map[string]sentinel.SegmentConfig, len(cfg.Segments))
	for name, seg := range cfg.Segments {
		segments[name] = sentinel.SegmentConfig{TargetRate: seg.TargetRate, MinRate: seg.MinRate, MaxRate: seg.MaxRate}
	}
	defaultSegment := sentinel.SegmentConfig{
		TargetRate: cfg.DefaultSegment.TargetRate,
		MinRate:    cfg.DefaultSegment.MinRate,
		MaxRate:    cfg.DefaultSegment.MaxRate,
	}

	svc := sentinel.New(
		cfg.Hostname,
		segments,
		defaultSegment,
		pidTemplateFrom(cfg.PID),
		sentinel.WithUpdateInterval(cfg.UpdateInterval),
		sentinel.WithWindow(cfg.Window),
		sentinel.WithLogger(logger),
		sentinel.WithMetrics(collector),
		sentinel.WithPeers(peerIDs(cfg.Peers)...),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serveGRPC(ctx, cfg.ListenAddr, svc, logger) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}
	if len(cfg.Peers) > 0 {
		g.Go(func() error { return pushLoop(ctx, cfg, svc, logger) })
	}

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch config.ParseLevel(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func pidTemplateFrom(cfg config.PIDConfig) *pidctl.Controller {
	b := pidctl.NewBuilder(0).Kp(cfg.Kp).Ki(cfg.Ki).Kd(cfg.Kd).ErrorBias(cfg.ErrorBias)
	if cfg.ErrorLimit != nil {
		b = b.ErrorLimit(*cfg.ErrorLimit)
	}
	if cfg.OutputLimit != nil {
		b = b.OutputLimit(*cfg.OutputLimit)
	}
	return b.Build()
}

func serveGRPC(ctx context.Context, addr string, svc *sentinel.Service, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", addr, err)
	}

	srv := grpc.NewServer()
	sentinelpb.RegisterSentinelServer(srv, svc)

	errc := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", addr)
		errc <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gRPC server", "addr", addr)
		srv.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// pushLoop periodically calls ExchangeMetrics on every configured peer,
// sending this node's local snapshot and feeding the peer's response back
// into this node's own peer store. A peer that is unreachable is logged and
// retried next tick; it never blocks admission.
func pushLoop(ctx context.Context, cfg *config.Config, svc *sentinel.Service, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.ExchangeInterval)
	defer ticker.Stop()

	clients := make(map[string]sentinelpb.SentinelClient, len(cfg.Peers))
	var conns []*grpc.ClientConn
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	for _, peer := range cfg.Peers {
		conn, err := grpc.NewClient(peer, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Warn("cannot create peer client", "peer", peer, "error", err)
			continue
		}
		conns = append(conns, conn)
		clients[peer] = sentinelpb.NewSentinelClient(conn)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pushOnce(ctx, cfg, svc, clients, logger)
		}
	}
}

func pushOnce(ctx context.Context, cfg *config.Config, svc *sentinel.Service, clients map[string]sentinelpb.SentinelClient, logger *slog.Logger) {
	outgoing := svc.LocalSnapshot()

	var wg errgroup.Group
	for peer, client := range clients {
		peer, client := peer, client
		wg.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, cfg.ExchangeInterval)
			defer cancel()

			incoming, err := client.ExchangeMetrics(callCtx, outgoing)
			if err != nil {
				logger.Warn("peer exchange failed", "peer", peer, "error", err)
				return nil
			}

			if _, err := svc.ExchangeMetrics(callCtx, incoming); err != nil {
				logger.Warn("cannot fold peer response", "peer", peer, "error", err)
			}
			return nil
		})
	}
	_ = wg.Wait()
}

// peerIDs maps the configured peer dial addresses to the hostnames peers will
// report as their exchange source, so the peer table can be seeded before
// first contact.
func peerIDs(peers []string) []string {
	ids := make([]string, 0, len(peers))
	for _, peer := range peers {
		if host, _, err := net.SplitHostPort(peer); err == nil {
			ids = append(ids, host)
			continue
		}
		ids = append(ids, peer)
	}
	return ids
}
