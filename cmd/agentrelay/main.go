// Command agentrelay runs the multi-agent orchestrator.
//
// Usage:
//
//	agentrelay serve                         # HTTP on 127.0.0.1:8787, admin gRPC on :8788
//	agentrelay ask "show me README.md"       # one prompt, answer on stdout
//	agentrelay --config agentrelay.toml serve --no-grpc
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/grpc"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/httpapi"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/output"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/ratelimit"
	"github.com/jeeves-cluster-organization/agentrelay/settings"
)

const limiterCleanupInterval = 5 * time.Minute

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentrelay"),
		kong.Description("Multi-agent orchestrator with an A2A side channel."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func loadSettings(g *Globals) (settings.Settings, error) {
	return settings.Load(settings.Options{Path: g.Config, EnvFile: g.EnvFile})
}

// Run serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}
	if c.HTTPAddr != "" {
		s.Server.HTTPAddr = c.HTTPAddr
	}
	if c.GRPCAddr != "" {
		s.Server.GRPCAddr = c.GRPCAddr
	}
	if c.NoGRPC {
		s.Server.GRPCAddr = ""
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, s, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeoutDuration())
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			app.Logger.Warn("shutdown_incomplete", "error", err.Error())
		}
	}()

	return serve(ctx, app)
}

// serve runs the HTTP server and, when configured, the admin gRPC server
// with its health watcher. The first failure stops the rest.
func serve(ctx context.Context, app *App) error {
	s := app.Settings
	app.Logger.Info("agentrelay_starting",
		"version", version,
		"commit", commit,
		"http_address", s.Server.HTTPAddr,
		"grpc_address", s.Server.GRPCAddr,
		"tools", len(app.Registry.List()),
	)
	app.Logger.Debug("orchestrator_config", s.Orchestrator.LogFields()...)

	var limiter *ratelimit.Limiter
	if s.Server.RateLimit.Enabled() {
		limiter = ratelimit.New(s.Server.RateLimit)
	}

	httpServer, err := httpapi.NewServer(httpapi.Options{
		Addr:           s.Server.HTTPAddr,
		Runner:         app.Runtime,
		Deliverer:      app.Deliverer,
		Bus:            app.Bus,
		Logger:         app.Logger,
		Limiter:        limiter,
		ObserverBuffer: s.Orchestrator.EmitBufferSize,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(gctx, s.ShutdownTimeoutDuration())
	})

	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx, limiterCleanupInterval)
			return nil
		})
	}

	if s.Server.GRPCAddr != "" {
		admin := grpc.NewGracefulServer(app.Logger, s.Server.GRPCAddr, grpc.WithShutdownTimeout(s.ShutdownTimeoutDuration()))
		g.Go(func() error {
			return admin.Start(gctx)
		})
		g.Go(func() error {
			admin.WatchHealth(gctx, s.HealthIntervalDuration(), grpc.BusHealthCheck(app.Bus))
			return nil
		})
	}

	err = g.Wait()
	app.Logger.Info("agentrelay_stopped")
	return err
}

// Run answers one prompt on stdout.
func (c *AskCmd) Run(g *Globals) error {
	s, err := loadSettings(g)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, s, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeoutDuration())
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	return c.run(ctx, app, os.Stdout, os.Stderr)
}

func (c *AskCmd) run(ctx context.Context, app *App, stdout, stderr io.Writer) error {
	var observe a2a.Emitter
	if c.Envelopes {
		enc := json.NewEncoder(stderr)
		observe = a2a.EmitterFunc(func(env a2a.Envelope) {
			_ = enc.Encode(env)
		})
	}

	req := orchestration.Request{
		Prompt:        strings.Join(c.Prompt, " "),
		LocalEndpoint: c.Endpoint,
	}
	start := time.Now()
	err := app.Ask(ctx, req, output.NewTextSink(stdout), observe)
	app.Logger.Debug("ask_completed", "duration_ms", time.Since(start).Milliseconds())
	return err
}

// Run prints the version.
func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("agentrelay %s (%s)\n", version, commit)
	return nil
}
