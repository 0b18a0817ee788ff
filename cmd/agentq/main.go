// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agentq runs the task broker and the inference worker.
//
// Usage:
//
//	agentq serve --config config.yaml
//	agentq worker --config config.yaml
//	agentq validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/agentq"
	"github.com/kadirpekel/agentq/pkg/artifacts"
	"github.com/kadirpekel/agentq/pkg/broker"
	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/config/provider"
	"github.com/kadirpekel/agentq/pkg/logger"
	"github.com/kadirpekel/agentq/pkg/metrics"
	"github.com/kadirpekel/agentq/pkg/queue"
	"github.com/kadirpekel/agentq/pkg/registry"
	"github.com/kadirpekel/agentq/pkg/task"
	"github.com/kadirpekel/agentq/pkg/toolset"
	"github.com/kadirpekel/agentq/pkg/worker"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the task broker."`
	Worker   WorkerCmd   `cmd:"" help:"Start an inference worker."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration."`

	Config    string   `short:"c" help:"Config path (file path, or key path for remote providers)." type:"path"`
	Provider  string   `help:"Config provider (file, consul, etcd)." default:"file"`
	Endpoints []string `help:"Endpoints for remote config providers."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, text, json)." default:"simple"`
}

// loadConfig loads configuration from the configured provider, or returns
// a defaulted config when no path is given.
func (cli *CLI) loadConfig(ctx context.Context) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return cfg, nil, nil
	}

	ptype, err := provider.ParseType(cli.Provider)
	if err != nil {
		return nil, nil, err
	}
	return config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      ptype,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
	})
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(agentq.GetVersion().String())
	return nil
}

// ValidateCmd validates the configuration and exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	_, loader, err := cli.loadConfig(context.Background())
	if loader != nil {
		defer loader.Close()
	}
	if err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}

// ServeCmd starts the broker: HTTP API, SQL stores, and queue publisher.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch config source for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	tasks, err := task.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer tasks.Close()

	entities, err := registry.NewSQLStore(tasks.DB(), cfg.Storage.Driver)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}

	pub, err := queue.NewPublisher(ctx, &cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer pub.Close()

	var blobs artifacts.ObjectStore
	if cfg.ObjectStore.Enabled() {
		store, err := artifacts.NewS3Store(ctx, &cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("failed to connect to object store: %w", err)
		}
		blobs = store
	}

	svc := broker.NewService(tasks, entities, pub)
	agg := toolset.NewAggregator(cfg.ToolServers, entities)
	handler := broker.NewServer(svc, entities, agg, blobs, metrics.New())

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Broker listening", "address", cfg.Server.Address())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WorkerCmd starts a worker: queue consumer, workspace syncer, and the
// reasoning graph runtime.
type WorkerCmd struct {
	MetricsPort int `help:"Port for the worker metrics endpoint (0 = disabled)." default:"0"`
}

func (c *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	client := broker.NewClient(cfg.Worker.BrokerURL)

	var sync worker.Syncer
	if cfg.ObjectStore.Enabled() {
		store, err := artifacts.NewS3Store(ctx, &cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("failed to connect to object store: %w", err)
		}
		sync = artifacts.NewSyncer(store, cfg.Worker.WorkDir, artifacts.SyncLimits{
			MaxFiles: cfg.Worker.MaxSyncFiles,
			MaxBytes: cfg.Worker.MaxSyncBytes,
		})
	} else {
		slog.Warn("No object store configured; workspace sync disabled")
	}

	m := metrics.New()
	if c.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			addr := fmt.Sprintf(":%d", c.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	w := worker.New(cfg.Worker, client, sync, worker.NewGraphFactory(cfg.Model), m)

	// Passive stream lookup: a missing stream is a deployment error and
	// the process exits non-zero instead of creating its own queue.
	consumer, err := queue.NewConsumer(ctx, &cfg.Queue)
	if err != nil {
		return err
	}
	defer consumer.Close()

	slog.Info("Worker started", "broker", cfg.Worker.BrokerURL, "stream", cfg.Queue.Stream)
	if err := consumer.Run(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agentq"),
		kong.Description("Agentic task execution platform: broker and workers."),
		kong.UsageOnError(),
	)

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load env files: %v\n", err)
	}

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		kctx.FatalIfErrorf(err)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			kctx.FatalIfErrorf(fmt.Errorf("failed to open log file: %w", err))
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	kctx.FatalIfErrorf(kctx.Run(&cli))
}
