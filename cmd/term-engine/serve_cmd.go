package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/term-engine/internal/agent"
	"github.com/asheshgoplani/term-engine/internal/classify"
	"github.com/asheshgoplani/term-engine/internal/logging"
	"github.com/asheshgoplani/term-engine/internal/proctree"
	"github.com/asheshgoplani/term-engine/internal/session"
	"github.com/asheshgoplani/term-engine/internal/web"
)

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", session.DefaultConfigPath(), "config file path")
	listen := fs.String("listen", "", "listen address (overrides config)")
	token := fs.String("token", "", "bearer token for the API (overrides config)")
	readOnly := fs.Bool("read-only", false, "disable input, spawn, and kill over the API")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Web.ListenAddr = *listen
	}
	if *token != "" {
		cfg.Web.Token = *token
	}

	logging.Init(logging.Config{
		LogDir: cfg.LogDir,
		Level:  cfg.LogLevel,
		Debug:  *debug,
	})
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompSession)

	// SIGUSR1 dumps the in-memory log ring for post-mortem debugging.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpPath := filepath.Join(os.TempDir(),
				fmt.Sprintf("term-engine-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("log_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("log_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	cache := proctree.NewCache()
	collector := proctree.NewCollector()

	mgr := session.NewManager(cfg, nil, cache)
	defer mgr.Close()

	var classifier classify.Classifier
	if cfg.Classifier.Endpoint != "" {
		classifier = classify.NewHTTPClassifier(classify.HTTPConfig{
			Endpoint:       cfg.Classifier.Endpoint,
			APIKey:         os.Getenv(cfg.Classifier.APIKeyEnv),
			Model:          cfg.Classifier.Model,
			RequestTimeout: time.Duration(cfg.Classifier.RequestTimeoutMs) * time.Millisecond,
		})
	}

	obs := session.NewObserver(mgr, cfg, classifier)
	obs.Start()
	defer obs.Stop()

	srv := web.NewServer(web.Config{
		ListenAddr:          cfg.Web.ListenAddr,
		Token:               cfg.Web.Token,
		ReadOnly:            *readOnly,
		PushVAPIDPublicKey:  os.Getenv("TERMENGINE_VAPID_PUBLIC"),
		PushVAPIDPrivateKey: os.Getenv("TERMENGINE_VAPID_PRIVATE"),
		PushVAPIDSubject:    os.Getenv("TERMENGINE_VAPID_SUBJECT"),
	}, mgr)

	// Hot-reload pattern overrides on config edits; sessions keep running.
	stopWatch, err := session.WatchConfig(*configPath, func(next *session.Config) {
		obs.SetDetector(agent.NewDetector(next.Observer.ScanWindowLines, next.PatternOverrides()))
	})
	if err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	refresh := time.Duration(cfg.Proc.RefreshIntervalMs) * time.Millisecond

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				snap, err := collector.Snapshot()
				if err != nil {
					log.Warn("proc_snapshot_failed", slog.String("error", err.Error()))
					continue
				}
				cache.Replace(snap)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	log.Info("engine_started", slog.String("listen", cfg.Web.ListenAddr))
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
