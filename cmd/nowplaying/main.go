package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nowplaying/nowplaying/internal/artwork"
	"github.com/nowplaying/nowplaying/internal/config"
	"github.com/nowplaying/nowplaying/internal/history"
	"github.com/nowplaying/nowplaying/internal/host"
	"github.com/nowplaying/nowplaying/internal/logging"
	"github.com/nowplaying/nowplaying/internal/misskey"
	"github.com/nowplaying/nowplaying/internal/mpris"
	"github.com/nowplaying/nowplaying/internal/player"
	"github.com/nowplaying/nowplaying/internal/scrobble"
	"github.com/nowplaying/nowplaying/internal/settings"
	"github.com/nowplaying/nowplaying/internal/setup"
)

var version = "0.1.0"

// shutdownGrace bounds how long in-flight posts may take to unwind.
const shutdownGrace = 5 * time.Second

var errPlayerGone = errors.New("player connection closed")

// backend is a player adapter the daemon can drive.
type backend interface {
	host.Host
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nowplaying - post finished tracks to Misskey

Usage: nowplaying [options]

Options:
  -config string
        Path to config file (default: ~/.config/nowplaying/config.toml)
  -version
        Print version and exit

Setup:
  -configure
        Edit instance, token and posting options
  -reset
        Delete the storage directory (settings, upload cache, logs, history)
  -yes
        Do not ask for confirmation (with -reset)

Diagnostics:
  -doctor
        Check configuration, settings and player reachability
  -history
        Print recent post attempts
  -limit int
        Number of entries for -history (default 20)
  -clear
        Delete all history entries (with -history)

Examples:
  nowplaying                       # Watch the player and post
  nowplaying -configure            # Set up the Misskey account
  nowplaying -doctor               # Check setup
  kill -HUP $(pidof nowplaying)    # Reload settings in a running daemon

`)
	}

	cfgPath := flag.String("config", "", "")
	showVersion := flag.Bool("version", false, "")
	configure := flag.Bool("configure", false, "")
	reset := flag.Bool("reset", false, "")
	assumeYes := flag.Bool("yes", false, "")
	doctor := flag.Bool("doctor", false, "")
	showHistory := flag.Bool("history", false, "")
	limit := flag.Int("limit", 20, "")
	clearHistory := flag.Bool("clear", false, "")
	flag.Parse()

	if *showVersion {
		fmt.Println("nowplaying", version)
		return
	}

	cfg, resolvedPath, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *reset {
		if err := runReset(cfg, *assumeYes, os.Stdin); err != nil {
			log.Fatalf("reset: %v", err)
		}
		return
	}

	if *configure {
		s, saved, err := setup.Run(cfg.StorageDir)
		if err != nil {
			log.Fatalf("configure: %v", err)
		}
		if saved {
			fmt.Printf("Saved settings to %s (posting every %d track(s)).\n", settings.Path(cfg.StorageDir), s.Frequency())
			fmt.Println("A running nowplaying picks them up on SIGHUP.")
		}
		return
	}

	if *showHistory {
		if err := runHistory(cfg, *limit, *clearHistory, os.Stdout); err != nil {
			log.Fatalf("history: %v", err)
		}
		return
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger, logFile, err := logging.Setup(cfg.StorageDir, level, cfg.Logging.Stderr)
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer logFile.Close()
	logger.Info("starting nowplaying", slog.String("version", version), slog.String("config", resolvedPath), slog.String("backend", cfg.Player.Backend))

	if *doctor {
		runDoctor(cfg, resolvedPath, os.Stdout)
		logger.Info("doctor complete")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("nowplaying stopped", slog.Any("err", err))
		log.Fatalf("nowplaying: %v", err)
	}
	logger.Info("nowplaying stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := settings.Load(cfg.StorageDir)
	if err != nil {
		logger.Warn("settings unreadable, posting disabled until reload", slog.Any("err", err))
		s = settings.Default()
	}
	if !s.IsConfigured() {
		logger.Info("posting not configured; run nowplaying -configure")
	}
	store := settings.NewStore(s)

	cache, err := artwork.NewUploadCache(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("open upload cache: %w", err)
	}
	logger.Debug("upload cache loaded", slog.String("path", cache.Path()), slog.Int("entries", cache.Len()))

	var recorder misskey.Recorder
	if cfg.History.Enabled {
		hist, err := history.Open(history.Path(cfg.StorageDir))
		if err != nil {
			logger.Warn("post history unavailable", slog.Any("err", err))
		} else {
			defer hist.Close()
			recorder = hist
		}
	}

	// The adapter needs a listener before it starts and the watcher needs the
	// adapter, so notifications go through this indirection.
	var watcher *scrobble.Watcher
	listener := host.ListenerFunc(func(n host.Notification) { watcher.ReceiveNotification(n) })

	h := buildBackend(cfg, logger, listener)
	publisher := misskey.NewPublisher(misskey.PublisherOptions{
		Client:      misskey.NewClient(&http.Client{Timeout: cfg.NetworkTimeout()}, logger),
		Cache:       cache,
		Resolver:    artwork.NewResolver(h, logger),
		History:     recorder,
		MinInterval: cfg.MinPostInterval(),
		Logger:      logger,
	})
	watcher = scrobble.NewWatcher(scrobble.Options{
		Host:      h,
		Publisher: publisher,
		Settings:  store,
		Logger:    logger,
	})

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start %s backend: %w", cfg.Player.Backend, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.Done():
			return errPlayerGone
		}
	})
	g.Go(func() error {
		return reloadOnHangup(gctx, cfg.StorageDir, watcher, logger)
	})
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if cerr := watcher.Close(closeCtx); cerr != nil {
		logger.Warn("posts still running at shutdown", slog.Int("in_flight", watcher.InFlight()), slog.Any("err", cerr))
	}
	if cerr := h.Close(); cerr != nil {
		logger.Debug("close backend", slog.Any("err", cerr))
	}

	if errors.Is(err, errPlayerGone) {
		logger.Info("player went away, exiting")
		return nil
	}
	return err
}

func buildBackend(cfg *config.Config, logger *slog.Logger, listener host.Listener) backend {
	if cfg.Player.Backend == config.BackendMPRIS {
		return mpris.New(mpris.Options{
			BusName:      cfg.Player.MPRISName,
			PollInterval: cfg.PollInterval(),
			Logger:       logger,
			Listener:     listener,
		})
	}
	return player.New(player.Options{
		MPVPath:        cfg.Player.MPVPath,
		IPCPath:        cfg.Player.IPC,
		DisableProcess: !cfg.Player.Spawn,
		ExtraArgs:      cfg.Player.ExtraArgs,
		Logger:         logger,
		Listener:       listener,
	})
}

// reloadOnHangup re-reads the settings file on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, dir string, watcher *scrobble.Watcher, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			s, err := settings.Load(dir)
			if err != nil {
				logger.Warn("reload settings", slog.Any("err", err))
				continue
			}
			watcher.Reconfigure(s)
		}
	}
}
