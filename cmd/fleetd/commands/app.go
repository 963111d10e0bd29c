package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/backend"
	"github.com/pochtmanr/dopplerland-sub001/internal/backend/account"
	"github.com/pochtmanr/dopplerland-sub001/internal/backend/peer"
	"github.com/pochtmanr/dopplerland-sub001/internal/config"
	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/geoip"
	"github.com/pochtmanr/dopplerland-sub001/internal/objectstore"
	"github.com/pochtmanr/dopplerland-sub001/internal/query"
	"github.com/pochtmanr/dopplerland-sub001/internal/reconciler"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
	"github.com/pochtmanr/dopplerland-sub001/internal/store"
	"github.com/pochtmanr/dopplerland-sub001/internal/syncer"
	"github.com/pochtmanr/dopplerland-sub001/internal/telegram"
)

const defaultConfigPath = "configs/fleetd.yaml"

// app holds the wired services shared by the commands.
type app struct {
	cfg      *config.Config
	store    *store.Store
	geo      *geoip.Manager
	registry *registry.Registry
	rec      *reconciler.Reconciler
	query    *query.Service
	syncer   *syncer.Syncer
	bot      *telegram.Bot
}

func loadConfig(path string, logger *slog.Logger) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	return cfg
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}

	regOpts := registry.Options{
		FallbackUnknownSelector: cfg.Registry.FallbackUnknownSelector,
		BackendTimeout:          cfg.Backend.Timeout(),
	}
	if len(cfg.GeoIP) > 0 {
		srcs := make([]geoip.Source, len(cfg.GeoIP))
		for i, g := range cfg.GeoIP {
			srcs[i] = geoip.Source{Name: g.Name, Path: g.Path, Refresh: secondsToDuration(g.Refresh)}
		}
		geo, err := geoip.NewManager(ctx, srcs, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("loading geoip databases: %w", err)
		}
		a.geo = geo
		regOpts.GeoIP = geo
	}

	factories := backend.NewFactories(
		peer.Factory{DNS: cfg.Provision.DefaultDNS, ExcludeCIDRs: cfg.Provision.ExcludeCIDRs},
		account.Factory{},
	)
	a.registry = registry.New(st, factories, regOpts, logger)

	var publisher reconciler.Publisher
	if oc := cfg.ObjectStore; oc.Enabled() {
		objs, err := objectstore.New(ctx, objectstore.Options{
			Bucket:          oc.Bucket,
			Region:          oc.Region,
			Endpoint:        oc.Endpoint,
			PathStyle:       oc.PathStyle,
			PublicBaseURL:   oc.PublicBaseURL,
			AccessKeyID:     oc.AccessKeyID,
			SecretAccessKey: oc.SecretAccessKey,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = objs
	}

	var onPartial func(*fleet.PartialFailure)
	if tc := cfg.Telegram; tc.Enabled {
		a.bot = telegram.NewBot(tc.Token, tc.ChatID, tc.APIURL)
		onPartial = func(pf *fleet.PartialFailure) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := a.bot.NotifyPartialFailure(ctx, pf); err != nil {
					logger.Warn("failed to send partial failure alert", "err", err)
				}
			}()
		}
	}

	a.rec = reconciler.New(st, a.registry, publisher, reconciler.Options{
		BackendTimeout:    cfg.Backend.Timeout(),
		RetryDelay:        cfg.Backend.Delay(),
		FreeTTL:           cfg.Provision.FreeTTLDuration(),
		PaidTTL:           cfg.Provision.PaidTTLDuration(),
		DefaultMaxDevices: cfg.Provision.DefaultMaxDevices,
		DefaultProtocol:   cfg.Provision.DefaultProtocol,
		HandlePrefix:      cfg.Provision.HandlePrefix,
		ConfigPrefix:      cfg.ObjectStore.Prefix,
		OnPartialFailure:  onPartial,
	}, logger)
	a.query = query.New(st, a.registry, logger)
	a.syncer = syncer.New(st, a.registry, cfg.Sync.PageSize, logger)
	return a, nil
}

func (a *app) Close() {
	if a.geo != nil {
		a.geo.Close()
	}
	a.store.Close()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
