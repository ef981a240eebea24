package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devblac/event-listener/internal/config"
	"github.com/devblac/event-listener/internal/decoder"
	"github.com/devblac/event-listener/internal/dispatch"
	"github.com/devblac/event-listener/internal/health"
	"github.com/devblac/event-listener/internal/listener"
	"github.com/devblac/event-listener/internal/logging"
	"github.com/devblac/event-listener/internal/metrics"
	"github.com/devblac/event-listener/internal/sink"
	"github.com/devblac/event-listener/internal/storage"
	"github.com/devblac/event-listener/internal/transport"
	"github.com/spf13/cobra"
)

var (
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Decode and enrich events but do not send to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Listen for contract events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrEnv(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logging.NewWithLevel(logLevel(cfg))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var store *storage.Store
		if cfg.DBPath != "" {
			store, err = storage.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
		}

		dec, err := decoder.New(cfg.EventSignature)
		if err != nil {
			return fmt.Errorf("event signature: %w", err)
		}
		endpoint := cfg.Endpoint()
		endpoint.EventSignature = dec.Signature()
		node := transport.New(endpoint,
			transport.WithLogger(log),
			transport.WithReconnectDelay(cfg.ReconnectInterval()),
		)

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		routes, err := buildRoutes(cfg, store, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		disp, err := dispatch.New(routes,
			dispatch.WithLogger(log),
			dispatch.WithMetrics(mtr),
			dispatch.WithDryRun(flagDryRun),
		)
		if err != nil {
			return err
		}

		opts := []listener.Option{
			listener.WithLogger(log),
			listener.WithMetrics(mtr),
			listener.WithQueryTimeout(cfg.QueryDeadline()),
		}
		if store != nil {
			opts = append(opts, listener.WithCheckpoints(store))
		}
		if cfg.Replay.Enabled {
			opts = append(opts, listener.WithReplay(cfg.Replay.LookbackBlocks))
		}
		l := listener.New(node, dec, disp, opts...)

		if flagHealth != "" {
			checker := health.Checker{
				NodePing: health.ListenerProbe(l),
				State:    health.ListenerState(l),
			}
			if store != nil {
				checker.DBPing = store.Ping
			}
			healthSrv := health.Serve(flagHealth, checker)
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		log.Info("event listener starting",
			"node", logging.RedactURL(endpoint.NodeURL),
			"contract", endpoint.Contract.Hex(),
			"dry_run", flagDryRun)
		return l.Run(ctx)
	},
}

func logLevel(cfg *config.Config) string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	if cfg.LogLevel != "" {
		return cfg.LogLevel
	}
	return "info"
}

// buildRoutes turns configured sinks into dispatch routes. console output
// goes to out.
func buildRoutes(cfg *config.Config, store *storage.Store, out io.Writer) ([]dispatch.Route, error) {
	routes := make([]dispatch.Route, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "console":
			sender, err = sink.NewConsoleSender(out, s.Template)
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, nil)
		case "store":
			if store == nil {
				return nil, fmt.Errorf("sink %s: db_path is required", s.ID)
			}
			sender, err = sink.NewStoreSender(store)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}

		r := dispatch.Route{Name: s.ID, Sender: sender, Where: s.Where}
		if s.RateLimit != nil {
			r.Limiter = dispatch.NewTokenBucket(s.RateLimit.Capacity, s.RateLimit.PerSecond)
		}
		routes = append(routes, r)
	}
	return routes, nil
}
