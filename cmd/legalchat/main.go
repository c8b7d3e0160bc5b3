// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command legalchat serves the legal research router and inspects its routing
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/legal-research-assistant/internal/complexity"
	"github.com/your-org/legal-research-assistant/internal/config"
	"github.com/your-org/legal-research-assistant/internal/keybalancer"
	"github.com/your-org/legal-research-assistant/internal/router"
)

// version is set at build time
var version = "dev"

const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "legalchat",
		Short:        "Legal research assistant with complexity-based routing",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (default ./configs/config.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(newServeCmd(opts), newClassifyCmd(opts), newKeysCmd(opts))
	return root
}

// loadEnvFile loads a dotenv file when it exists. Variables already set in the
// environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := initializeLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.configPath, watch, logger)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload routing rules when the config file changes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string, watch bool, logger *zap.Logger) error {
	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("cerebras_keys", masked.Cerebras.APIKeys),
		zap.Strings("tavily_keys", masked.Tavily.APIKeys),
		zap.String("model", cfg.Cerebras.Model),
		zap.Bool("workflows_enabled", cfg.Workflows.Enabled),
		zap.String("database_url", masked.Database.URL),
		zap.String("redis_url", masked.Redis.URL))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close resources", zap.Error(err))
		}
	}()

	if watch {
		if path, err := config.WatchConfig(configPath, logger, a.reload); err != nil {
			logger.Info("Config hot reload disabled", zap.Error(err))
		} else {
			logger.Info("Watching config for routing rule changes", zap.String("file", path))
		}
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newServer(a).engine(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting legalchat service",
			zap.String("addr", srv.Addr),
			zap.Bool("legal_documents", a.documents))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var mode, model string
	var workflows bool
	cmd := &cobra.Command{
		Use:   "classify <query>",
		Short: "Print the complexity analysis and selected agent for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithOptions(config.LoadOptions{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("workflows") {
				workflows = cfg.Workflows.Enabled
			}
			return classify(cmd.OutOrStdout(), cfg.RoutingRules(), workflows, strings.Join(args, " "), mode, model)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override mode: auto, deep or comprehensive")
	cmd.Flags().StringVar(&model, "model", "", "chat model selection, e.g. chat-model-reasoning")
	cmd.Flags().BoolVar(&workflows, "workflows", true, "route workflow tiers to their workflows")
	return cmd
}

func classify(w io.Writer, rules []complexity.Rule, workflows bool, query, mode, model string) error {
	detector, err := complexity.NewDetector(rules)
	if err != nil {
		return fmt.Errorf("routing rules: %w", err)
	}
	override, err := router.ResolveMode(mode, model)
	if err != nil {
		return err
	}
	r := router.New(detector, nil, router.Options{WorkflowsEnabled: workflows})
	decision, err := r.Classify(query, override)
	if err != nil {
		return err
	}
	return writeJSON(w, decision)
}

func newKeysCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print configured API key counts and shared usage totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithOptions(config.LoadOptions{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return reportKeys(ctx, cmd.OutOrStdout(), cfg)
		},
	}
}

// KeyReport is one vendor in the keys command output
type KeyReport struct {
	Vendor     string                          `json:"vendor"`
	Configured int                             `json:"configured"`
	Totals     map[string]keybalancer.Counters `json:"totals,omitempty"`
	Error      string                          `json:"error,omitempty"`
}

func reportKeys(ctx context.Context, w io.Writer, cfg *config.Config) error {
	var store keybalancer.CounterStore = keybalancer.NopStore{}
	if cfg.Redis.URL != "" {
		redisStore, err := keybalancer.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() { _ = redisStore.Close() }()
		store = redisStore
	}

	pools := []struct {
		policy keybalancer.Policy
		keys   []string
	}{
		{keybalancer.CerebrasPolicy(), cfg.Cerebras.APIKeys},
		{keybalancer.TavilyPolicy(), cfg.Tavily.APIKeys},
	}
	reports := make([]KeyReport, 0, len(pools))
	for _, pool := range pools {
		report := KeyReport{Vendor: pool.policy.Vendor}
		b, err := keybalancer.New(pool.policy, pool.keys, keybalancer.Options{Store: store})
		if err != nil {
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		report.Configured = b.Len()
		if totals, err := b.Totals(ctx); err != nil {
			report.Error = err.Error()
		} else {
			report.Totals = totals
		}
		reports = append(reports, report)
	}
	return writeJSON(w, reports)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
