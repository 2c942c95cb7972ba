// Command rendezd runs the rendezvous daemon: it binds a UDP socket on
// the given port, loads the fingerprint allow-list, and serves
// matchmaking traffic until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	systemdDaemon "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/kessler-dev/rendez/internal/config"
	"github.com/kessler-dev/rendez/internal/dispatch"
	"github.com/kessler-dev/rendez/internal/metrics"
	"github.com/kessler-dev/rendez/internal/netio"
	"github.com/kessler-dev/rendez/internal/rendezvous"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("rendezd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to an optional YAML config file")
	fingerprintsPath := fs.String("fingerprints", "", "override path to the fingerprint allow-list (default ./hashes.txt)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fmt.Println("usage: rendezd <port>")
		return nil
	}
	port, err := strconv.ParseUint(fs.Arg(0), 10, 16)
	if err != nil {
		fmt.Println("usage: rendezd <port>: port must be an integer 0-65535")
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)

	fpPath := cfg.Fingerprints.Path
	if *fingerprintsPath != "" {
		fpPath = *fingerprintsPath
	}
	fingerprints, err := rendezvous.LoadFingerprints(fpPath)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}
	logger.Info("loaded fingerprint allow-list", slog.Int("count", len(fingerprints)), slog.String("path", fpPath))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	conn, err := netio.Listen(uint16(port))
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", port, err)
	}
	defer conn.Close()
	logger.Info("listening", slog.Uint64("port", port))

	d := dispatch.New(conn, fingerprints, logger, collector, dispatch.Config{
		MaxSilence:      cfg.Tick.MaxSilence,
		MaxPingPongRate: cfg.Tick.MaxPingPongRate,
		TickInterval:    cfg.Tick.Interval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan dispatch.Event, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		return netio.ListenLoop(gctx, conn, events, logger, collector)
	})
	g.Go(func() error {
		netio.TickLoop(gctx, cfg.Tick.Interval(), events)
		return nil
	})
	g.Go(func() error {
		return d.Run(gctx, events)
	})
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(reg)}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if _, err := systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyReady); err != nil {
		logger.Debug("systemd notify skipped", slog.String("error", err.Error()))
	}

	return g.Wait()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
