// Command cartrules serves the shipping rule engine over HTTP and checks or
// evaluates rule files offline.
//
// Usage:
//
//	# Start the server
//	cartrules serve --config cartrules.yaml
//
//	# Compile a rules file against the built-in types
//	cartrules validate rules.yaml
//
//	# Evaluate a rules file against a cart
//	cartrules evaluate rules.yaml cart.json
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/cartrules/internal/config"
	"github.com/liamcoop/cartrules/internal/logger"
	"github.com/liamcoop/cartrules/internal/metrics"
	"github.com/liamcoop/cartrules/multistore"
	"github.com/liamcoop/cartrules/rules"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cartrules",
		Short:         "Shipping rule engine for shop carts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (environment and defaults otherwise)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "validate FILE",
			Short: "Compile every rule of a YAML rules file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return validateFile(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "evaluate FILE CART.json",
			Short: "Evaluate a YAML rules file against a JSON cart and print the outcome",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return evaluateFile(cmd, args[0], args[1])
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.ErrorSampleRate); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := logger.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
		}
	}()

	m := metrics.New()
	opts := multistore.Options{CacheTTL: cfg.Cache.TTL}

	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts.Redis = client
	}

	var db *sql.DB
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err = sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		opts.Factory = multistore.PostgresStoreFactory{DB: db}
	case config.DriverFile:
		opts.Factory = multistore.FileStoreFactory{Dir: cfg.Storage.RulesDir}
	}

	manager, err := newManager(opts, m)
	if err != nil {
		return err
	}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		err = manager.LoadAllStores(db)
	case config.DriverFile:
		err = manager.LoadFileStores(cfg.Storage.RulesDir)
	}
	if err != nil {
		return err
	}
	logger.Info("stores loaded", "driver", cfg.Storage.Driver, "stores", len(manager.ListStores()))

	httpServer := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: NewServer(ServerDeps{
			Manager: manager,
			Metrics: m,
			Limits:  cfg.Evaluation,
			DB:      db,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if cfg.Storage.Driver == config.DriverFile && cfg.Storage.Watch {
		g.Go(func() error { return manager.Watch(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newManager creates the store manager whose engines report every
// evaluation to m, the same Metrics the server exposes on /metrics.
func newManager(opts multistore.Options, m *metrics.Metrics) (*multistore.Manager, error) {
	if m != nil {
		opts.EvaluatorOptions = append(slices.Clip(opts.EvaluatorOptions), rules.WithObserver(m))
	}
	return multistore.NewManager(opts)
}

// validateFile checks every rule of path and prints one line per rule.
func validateFile(cmd *cobra.Command, path string) error {
	loaded, err := rules.LoadRulesFile(path)
	if err != nil {
		return err
	}
	reg, err := rules.NewDefaultRegistry()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var errs []error
	for _, rule := range loaded {
		err := multistore.ValidateRule(rule)
		if err == nil {
			_, err = reg.Compile(rule)
		}
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", rule.ID, err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", rule.ID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d rules invalid: %w", len(errs), len(loaded), errors.Join(errs...))
	}
	return nil
}

// evaluateFile runs the rules of rulesPath against the cart in cartPath and
// prints the evaluation as JSON.
func evaluateFile(cmd *cobra.Command, rulesPath, cartPath string) error {
	loaded, err := rules.LoadRulesFile(rulesPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(cartPath)
	if err != nil {
		return fmt.Errorf("failed to read cart: %w", err)
	}
	var cart rules.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return fmt.Errorf("failed to parse cart: %w", err)
	}
	reg, err := rules.NewDefaultRegistry()
	if err != nil {
		return err
	}

	start := time.Now()
	eval := rules.NewEvaluator(reg).EvaluateAll(loaded, &cart)
	resp := newEvaluateResponse(eval)
	resp.EvaluationTime = time.Since(start).String()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
