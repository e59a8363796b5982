package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/bridge/config"
	"github.com/sebas/agibridge/internal/events"
	"github.com/sebas/agibridge/internal/logger"
	"github.com/sebas/agibridge/internal/media"
	"github.com/sebas/agibridge/internal/sipcall"
	"github.com/sebas/agibridge/internal/sounds"
	"github.com/sebas/agibridge/internal/store"
)

// soundsRefresh re-fetches a remote sound manifest.
const soundsRefresh = 5 * time.Minute

// App wires the SIP front end, the bridge and its collaborators.
type App struct {
	cfg *config.Config

	publisher events.Publisher
	store     store.Store
	sounds    *sounds.Resolver
	loader    *media.Loader
	sip       *sipcall.Server
	bridge    *Bridge
	health    *HealthServer
	watcher   *config.Watcher
}

// NewApp builds every component from cfg. The configuration file, if any,
// is watched and re-parsed with the process arguments and environment.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	if cfg.Bridge.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.Bridge.NATSURL
		pub, err := events.NewNATSPublisher(ctx, natsCfg, slog.Default())
		if err != nil {
			return nil, err
		}
		a.publisher = events.NewMultiPublisher(pub, events.NewLoggingPublisher(slog.Default()))
	} else {
		a.publisher = events.NewLoggingPublisher(slog.Default())
	}

	if cfg.Bridge.StorePath != "" {
		st, err := store.OpenSQLite(cfg.Bridge.StorePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = st
		slog.Info("[Store] SQLite session store opened", "path", cfg.Bridge.StorePath)
	} else {
		a.store = store.NewMemoryStore(0)
	}

	// A nil *Resolver must not reach the dispatcher as a non-nil interface.
	var resolver agi.SoundResolver
	if s := cfg.Asterisk.Sounds; s.Enabled {
		a.sounds = sounds.New(sounds.Config{
			Source:          s.AvailableFiles,
			BaseURI:         s.BaseURI,
			Language:        s.Language,
			RefreshInterval: soundsRefresh,
		}, slog.Default())
		if err := a.sounds.Load(ctx); err != nil {
			// Calls still work; sound names are then spoken as text.
			slog.Warn("[Sounds] Initial manifest load failed", "source", s.AvailableFiles, "error", err)
		}
		resolver = a.sounds
	}

	b, err := New(Config{
		Settings:     settingsFrom(cfg),
		MaxSessions:  cfg.Bridge.MaxSessions,
		DialTimeout:  cfg.Bridge.DialTimeout,
		DrainTimeout: cfg.Bridge.DrainTimeout,
		NodeID:       cfg.Bridge.NodeID,
		Publisher:    a.publisher,
		Store:        a.store,
		Sounds:       resolver,
		Logger:       slog.Default(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.bridge = b

	a.loader = media.NewLoader(media.LoaderConfig{TTSURL: cfg.Bridge.TTSURL}, slog.Default())
	a.sip, err = sipcall.NewServer(sipcall.Config{
		BindAddr:      cfg.Bridge.BindAddr,
		AdvertiseAddr: cfg.Bridge.AdvertiseAddr,
		Port:          cfg.Bridge.SIPPort,
		RTPPortMin:    cfg.Bridge.RTPPortMin,
		RTPPortMax:    cfg.Bridge.RTPPortMax,
		RecordingsDir: cfg.Bridge.RecordingsDir,
		Prompts:       a.loader,
		Logger:        slog.Default(),
	}, func(ctx context.Context, call *sipcall.Call) {
		a.bridge.Handle(ctx, call)
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Bridge.HealthAddr != "" {
		a.health = NewHealthServer(cfg.Bridge.HealthAddr, slog.Default())
	}
	a.watcher = config.NewWatcher(cfg, os.Args[1:], os.LookupEnv, a.reconfigure, slog.Default())
	return a, nil
}

// Run serves until ctx is done or a listener fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sip.ListenAndServe(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	if a.sounds != nil {
		g.Go(func() error { return a.sounds.Watch(gctx) })
	}
	if a.health != nil {
		g.Go(func() error { return a.health.Serve(gctx) })
		a.health.SetServing(true)
		defer a.health.SetServing(false)
	}

	slog.Info("[Bridge] Running", "agi", a.cfg.AGI.URI, "max_sessions", a.cfg.Bridge.MaxSessions)
	return g.Wait()
}

// reconfigure applies a reloaded configuration. Listener addresses need a
// restart; per-call settings and the log level apply to the next call.
func (a *App) reconfigure(cfg *config.Config) {
	if err := a.bridge.Update(settingsFrom(cfg)); err != nil {
		slog.Warn("[Bridge] Reloaded settings rejected", "error", err)
		return
	}
	logger.SetLevel(cfg.Bridge.LogLevel)
	slog.Info("[Bridge] Settings updated", "agi", cfg.AGI.URI, "voice", cfg.Tropo.Voice, "next_sip_uri", cfg.Tropo.NextSIPURI)
}

// Close hangs up remaining calls and releases every component.
func (a *App) Close() error {
	if a.sip != nil {
		if err := a.sip.Close(); err != nil {
			slog.Warn("[SIP] Close failed", "error", err)
		}
	}
	if a.loader != nil {
		a.loader.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Warn("[Events] Close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

func settingsFrom(cfg *config.Config) Settings {
	return Settings{
		AGIURI:      cfg.AGI.URI,
		Voice:       cfg.Tropo.Voice,
		Recognizer:  cfg.Tropo.Recognizer,
		NextSIPURI:  cfg.Tropo.NextSIPURI,
		Settle:      cfg.Bridge.Settle,
		DTMFToneURI: cfg.Bridge.DTMFToneURI,
	}
}
