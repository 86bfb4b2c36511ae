// Command makerd is the process entry point for the multi-agent
// code-assistant orchestrator: it loads configuration,
// wires every component the Pipeline Engine touches, and serves the
// OpenAI-compatible HTTP API until signaled to stop.
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
	"github.com/joho/godotenv"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/maker"
	"github.com/makerforge/orchestrator/internal/melody"
	"github.com/makerforge/orchestrator/internal/observability"
	"github.com/makerforge/orchestrator/internal/obslog"
	"github.com/makerforge/orchestrator/internal/pipeline"
	"github.com/makerforge/orchestrator/internal/server"
	"github.com/makerforge/orchestrator/internal/taskstate"
	"github.com/makerforge/orchestrator/internal/toolclient"
)

// CLI is the top-level command tree.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Start the orchestrator's HTTP server."`

	Config     string `short:"c" help:"Path to YAML config file." default:"config.yaml" type:"path"`
	LogLevel   string `help:"Log level (debug, info, warn, error); overrides the config file's log_level." `
	TraceAddr  string `help:"OTLP/HTTP trace collector endpoint (empty disables tracing)."`
	MetricsOff bool   `help:"Disable the /metrics endpoint."`
}

// ServeCmd starts the HTTP server and blocks until an interrupt signal.
type ServeCmd struct {
	Addr string `help:"Override server.addr from the config file."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, loader, err := config.LoadFromEnvOrFile(cli.Config, godotenv.Load)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if s.Addr != "" {
		cfg.Server.Addr = s.Addr
	}

	level := cli.LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger := obslog.New(obslog.ParseLevel(level), os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "maker-orchestrator", cli.TraceAddr)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	var metrics *observability.Metrics
	if !cli.MetricsOff {
		metrics = observability.NewMetrics()
	}

	agents := agentclient.New(cfg.Agents).WithMetrics(metrics)
	voter := maker.New(agents, cfg.MAKER, metrics)
	melodyStore := melody.NewStore(cfg.Melody)

	tasks, err := taskstate.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}

	tools := toolclient.NewFromConfig(cfg.Server)

	engine := pipeline.New(*cfg, agents, voter, melodyStore, tasks, tools, metrics, loader)
	srv := server.New(cfg.Server, engine, tasks, melodyStore, metrics, logger)

	if loader != nil {
		loader.OnChange(func(newCfg *config.Config) {
			logger.Info("config reloaded; tasks created from now on will use the new agent/MAKER settings", "generation", loader.Generation())
		})
	}

	httpSrv := srv.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("makerd: listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("makerd: shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("makerd"),
		kong.Description("Multi-agent code-assistant orchestrator: preprocess -> plan -> generate -> vote -> validate -> iterate."),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
