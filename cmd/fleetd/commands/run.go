package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pochtmanr/dopplerland-sub001/internal/api"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
	"github.com/pochtmanr/dopplerland-sub001/internal/telegram"
)

const logo = `
   __ _           _      _
  / _| | ___  ___| |_ __| |
 | |_| |/ _ \/ _ \ __/ _' |
 |  _| |  __/  __/ || (_| |
 |_| |_|\___|\___|\__\__,_|
   ~~ vpn fleet control ~~`

func Run(args []string, logger *slog.Logger, version string, dirty bool) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	fmt.Println(logo)
	logger.Info("starting fleetd", "version", version, "dirty", dirty)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	if obs := cfg.ObservabilityHTTP; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// net/http/pprof registers on DefaultServeMux.
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := api.New(a.rec, a.query, a.registry, a.store, a.syncer, api.Options{
		Listen:       cfg.HTTP.Listen,
		ReadTimeout:  secondsToDuration(cfg.HTTP.ReadTimeout),
		WriteTimeout: secondsToDuration(cfg.HTTP.WriteTimeout),
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		Issuer:       cfg.Auth.Issuer,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	if a.geo != nil {
		a.geo.StartRefresh(gctx)
	}
	if hc := cfg.Registry.HealthCheck; hc.Enabled {
		g.Go(func() error {
			a.registry.RunHealthChecks(gctx, secondsToDuration(hc.Interval))
			return nil
		})
		g.Go(func() error {
			logHealthEvents(gctx, a.registry.Events(), a.bot, logger)
			return nil
		})
	}
	if sc := cfg.Sync; sc.Enabled {
		g.Go(func() error {
			a.syncer.Run(gctx, secondsToDuration(sc.Interval))
			return nil
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("fleetd error", "err", err)
		os.Exit(1)
	}
	logger.Info("fleetd stopped")
}

// logHealthEvents logs health transitions and forwards them to bot when
// alerts are enabled.
func logHealthEvents(ctx context.Context, events <-chan registry.Event, bot *telegram.Bot, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			attrs := []any{"server_id", ev.ServerID, "server", ev.Name, "from", ev.OldState, "to", ev.NewState}
			if ev.Error != "" {
				attrs = append(attrs, "err", ev.Error)
			}
			if ev.NewState == registry.StateHealthy {
				logger.Info("server health changed", attrs...)
			} else {
				logger.Warn("server health changed", attrs...)
			}
			// The first probe moves every server out of unknown; only
			// alert on real transitions.
			if bot != nil && ev.OldState != registry.StateUnknown {
				if err := bot.NotifyHealth(ctx, ev); err != nil {
					logger.Warn("failed to send health alert", "server_id", ev.ServerID, "err", err)
				}
			}
		}
	}
}
