// Command livetail joins one live session, prints its events and sends
// lines read from stdin as chat messages.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/livesession/internal/bridge"
	"github.com/rickgao/livesession/internal/config"
	"github.com/rickgao/livesession/internal/database"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/journal"
	"github.com/rickgao/livesession/internal/session"
	"github.com/rickgao/livesession/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; LIVESESSION_* env vars override it)")
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	statusAddr := flag.String("status-addr", "", "serve connection status on this address (e.g. :8080)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *verbose || cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	logger.Info("starting livetail",
		"version", version.Version,
		"commit", version.Commit,
		"session", cfg.Endpoint.ResourceID,
	)

	// Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *statusAddr, logger); err != nil {
		logger.Error("livetail failed", "error", err)
		os.Exit(1)
	}
	logger.Info("livetail stopped")
}

func run(ctx context.Context, cfg *config.Config, statusAddr string, logger *slog.Logger) error {
	registry := session.NewRegistry(session.ConfigFactory(sessionConfig(cfg, logger), logger), logger)
	client, err := registry.Open(cfg.Endpoint.ResourceID)
	if err != nil {
		return err
	}
	id := client.ResourceID()

	// Shutdown runs in reverse: sessions first so their final events reach
	// the sinks, then the sinks.
	var shutdown []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.CloseAll(shutdownCtx); err != nil {
			logger.Warn("session close", "error", err)
		}
		for i := len(shutdown) - 1; i >= 0; i-- {
			if err := shutdown[i](shutdownCtx); err != nil {
				logger.Warn("shutdown", "error", err)
			}
		}
	}()

	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database, logger)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		shutdown = append(shutdown, func(context.Context) error { pool.Close(); return nil })

		if err := journal.Migrate(ctx, pool); err != nil {
			return err
		}
		w := journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, pool, logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
		shutdown = append(shutdown, w.Stop)
		client.Subscribe(dispatch.Wildcard, w.Handler(id))
	}

	if cfg.Bridge.Enabled {
		bcfg := bridge.Config{
			Brokers:       cfg.Bridge.Brokers,
			Topic:         cfg.Bridge.Topic,
			BatchSize:     cfg.Bridge.BatchSize,
			FlushInterval: cfg.Bridge.FlushInterval,
		}
		f := bridge.NewForwarder(bcfg, bridge.NewKafkaWriter(bcfg), logger)
		f.Start(ctx)
		shutdown = append(shutdown, f.Stop)
		client.Subscribe(dispatch.Wildcard, f.Handler(id))
	}

	client.Subscribe(dispatch.Wildcard, printEvents(os.Stdout))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := client.Connect(ctx); err != nil && ctx.Err() == nil {
			// Not fatal: the user can /reconnect.
			logger.Error("connect failed", "error", err)
		}
		return nil
	})

	lines := readLines(os.Stdin)
	g.Go(func() error {
		return runConsole(ctx, client, lines, os.Stdout)
	})

	if statusAddr != "" {
		srv := &http.Server{
			Addr:              statusAddr,
			Handler:           statusHandler(client),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting status server", "addr", statusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// sessionConfig maps loaded configuration onto a session.Config.
func sessionConfig(cfg *config.Config, logger *slog.Logger) session.Config {
	sc := session.DefaultConfig()
	sc.Endpoint = session.Endpoint{BaseURL: cfg.Endpoint.BaseURL}
	sc.Connection = cfg.ConnectionConfig()
	sc.Connection.Header = http.Header{"User-Agent": []string{version.UserAgent()}}
	sc.Notifier = session.LogNotifier{Logger: logger}
	if cfg.Endpoint.AuthToken != "" {
		sc.Token = session.StaticToken(cfg.Endpoint.AuthToken)
	}
	return sc
}

// readLines feeds stdin lines into a channel that closes at EOF. The
// scanner cannot be interrupted, so it runs outside the errgroup.
func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
