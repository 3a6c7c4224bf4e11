package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/marketcalls/feedmux/internal/adapter"
	_ "github.com/marketcalls/feedmux/internal/adapter/angelone"
	_ "github.com/marketcalls/feedmux/internal/adapter/flattrade"
	"github.com/marketcalls/feedmux/internal/config"
	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/pool"
	"github.com/marketcalls/feedmux/internal/publish"
	"github.com/marketcalls/feedmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/feedmux.yaml", "path to config file")
	flag.Parse()

	// Local .env files carry broker credentials that the config file
	// references through ${VAR} expansion.
	_ = godotenv.Load()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedmux",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if level := parseLogLevel(cfg.Log.Level); level != slog.LevelInfo {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"brokers", len(cfg.Brokers),
		"registered_dialects", adapter.Brokers(),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Bind the shared publisher before any broker traffic exists.
	pub := publish.New(publish.Config{
		BindHost:      cfg.Publisher.BindHost,
		BindPort:      cfg.Publisher.BindPort,
		PortScanLimit: cfg.Publisher.PortScanLimit,
		QueueSize:     cfg.Publisher.QueueSize,
	}, logger)

	port, err := pub.Bind(0)
	if err != nil {
		logger.Error("failed to bind publisher", "error", err)
		os.Exit(1)
	}
	logger.Info("publisher ready", "port", port)

	// One pool per configured broker. Connections open lazily with the
	// first subscription.
	pools := make(map[string]*pool.Pool, len(cfg.Brokers))
	for _, bcfg := range cfg.Brokers {
		bcfg := bcfg // per-iteration copy; the factory closure below outlives the iteration
		dialect, err := adapter.NewDialect(bcfg)
		if err != nil {
			logger.Error("failed to create broker dialect", "broker", bcfg.Name, "error", err)
			os.Exit(1)
		}

		factory := func(connID int) (adapter.Adapter, error) {
			// Every adapter the pool creates needs somewhere to publish.
			// Bind is idempotent, so this is a no-op once the port is up.
			if _, err := pub.Bind(0); err != nil {
				return nil, fmt.Errorf("bind publisher: %w", err)
			}
			return adapter.New(adapter.Config{
				ConnID:             connID,
				UserID:             bcfg.UserID,
				Endpoints:          bcfg.Endpoints,
				MaxConnectAttempts: cfg.Adapter.MaxConnectAttempts,
				BackoffMin:         cfg.Adapter.BackoffMin,
				BackoffMax:         cfg.Adapter.BackoffMax,
				PingInterval:       cfg.Adapter.PingInterval,
				StaleAfter:         cfg.Adapter.StaleAfter,
				MessageBuffer:      cfg.Adapter.MessageBuffer,
			}, dialect, pub, logger)
		}

		p, err := pool.New(pool.Config{
			Broker:                  bcfg.Name,
			UserID:                  bcfg.UserID,
			MaxConnections:          cfg.Pool.MaxConnections,
			MaxSymbolsPerConnection: cfg.Pool.MaxSymbolsPerConnection,
		}, factory, logger)
		if err != nil {
			logger.Error("failed to create pool", "broker", bcfg.Name, "error", err)
			os.Exit(1)
		}
		pools[bcfg.Name] = p
	}

	// Start ops server early so startup progress is observable.
	opsServer := &http.Server{
		Addr:    cfg.Ops.ListenAddr,
		Handler: createOpsHandler(pub, pools),
	}
	go func() {
		logger.Info("starting ops server", "addr", cfg.Ops.ListenAddr)
		if err := opsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()

	// Place startup subscriptions. A broker that cannot come up is logged
	// and skipped so the remaining feeds still flow.
	for _, bcfg := range cfg.Brokers {
		if len(bcfg.Subscriptions) == 0 {
			continue
		}
		keys := make([]model.SubscriptionKey, 0, len(bcfg.Subscriptions))
		for _, s := range bcfg.Subscriptions {
			key, err := model.ParseKey(s)
			if err != nil {
				logger.Error("bad startup subscription", "broker", bcfg.Name, "error", err)
				os.Exit(1)
			}
			keys = append(keys, key)
		}
		placements, err := pools[bcfg.Name].Subscribe(ctx, keys...)
		if err != nil {
			logger.Error("startup subscriptions failed", "broker", bcfg.Name, "error", err)
			continue
		}
		conns := 0
		for _, pl := range placements {
			if pl.Conn >= conns {
				conns = pl.Conn + 1
			}
		}
		logger.Info("startup subscriptions placed",
			"broker", bcfg.Name,
			"keys", len(placements),
			"connections", conns,
		)
	}

	logger.Info("feedmux running",
		"instance_id", cfg.Instance.ID,
		"publish_port", port,
		"ops_addr", cfg.Ops.ListenAddr,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	opsServer.Shutdown(shutdownCtx)

	var g errgroup.Group
	for name, p := range pools {
		name, p := name, p // per-iteration copies; required for go <1.22 loop semantics
		g.Go(func() error {
			if err := p.Disconnect(); err != nil {
				logger.Warn("pool disconnect", "broker", name, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	if err := pub.Cleanup(); err != nil {
		logger.Warn("publisher cleanup", "error", err)
	}

	logger.Info("feedmux stopped")
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// createOpsHandler creates the HTTP handler for health and stats.
func createOpsHandler(pub *publish.Publisher, pools map[string]*pool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		ps := pub.Stats()
		if !ps.Bound {
			health.Status = "unhealthy"
			health.Components["publisher"] = "unbound"
		} else {
			health.Components["publisher"] = map[string]interface{}{
				"port":        ps.Port,
				"subscribers": ps.Subscribers,
			}
		}

		for name, p := range pools {
			s := p.Stats()
			health.Components[name] = map[string]interface{}{
				"connections":   len(s.Connections),
				"subscriptions": s.Total,
			}
			for _, cs := range s.Connections {
				if cs.State == adapter.StateFailed.String() && health.Status == "healthy" {
					health.Status = "degraded"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			Publisher publish.Stats         `json:"publisher"`
			Pools     map[string]pool.Stats `json:"pools"`
		}{
			Publisher: pub.Stats(),
			Pools:     make(map[string]pool.Stats, len(pools)),
		}
		for name, p := range pools {
			out.Pools[name] = p.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]map[string]int, len(pools))
		for name, p := range pools {
			out[name] = p.Subscriptions()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	return mux
}
