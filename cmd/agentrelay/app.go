package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/manifest"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/mcp"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/output"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/tools"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/workflow"
	"github.com/jeeves-cluster-organization/agentrelay/settings"
)

// Bus tuning.
const (
	busQueryTimeout        = 5 * time.Second
	breakerFailures        = 5
	breakerResetTimeout    = 30 * time.Second
	healthCheckMessage     = "HealthCheckRequest"
	envelopeEmittedEvent   = "EnvelopeEmitted"
	orchestrationDoneEvent = "OrchestrationCompleted"
)

// App holds the wired process components.
type App struct {
	Settings  settings.Settings
	Logger    logging.Logger
	Bus       *commbus.InMemoryCommBus
	Registry  *tools.Registry
	LLM       *llm.Client
	Runtime   *orchestration.Runtime
	Deliverer *output.Deliverer

	observer       *a2a.Buffered
	unsubscribe    []func()
	shutdownTracer func(context.Context) error
}

// NewApp wires every component from settings. logOut receives the logs.
func NewApp(ctx context.Context, s settings.Settings, logOut io.Writer) (*App, error) {
	logger := logging.New(logging.Options{
		Level:  s.Orchestrator.LogLevel,
		Format: s.Logging.Format,
		Output: logOut,
	})

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerOptions{
		ServiceName:    s.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    s.Telemetry.Environment,
		Endpoint:       s.Telemetry.Endpoint,
		SampleRatio:    s.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		Settings:       s,
		Logger:         logger,
		shutdownTracer: shutdownTracer,
	}

	app.Bus = commbus.NewInMemoryCommBus(busQueryTimeout, commbus.WithLogger(logger.Bind("component", "commbus")))
	app.Bus.AddMiddleware(commbus.NewLoggingMiddleware(logger.Bind("component", "commbus")))
	app.Bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(breakerFailures, breakerResetTimeout, []string{healthCheckMessage}, logger))
	app.subscribe()
	app.observer = a2a.NewBuffered(a2a.NewBusEmitter(context.Background(), app.Bus), s.Orchestrator.EmitBufferSize)

	app.Registry = tools.NewRegistry()
	if !s.Tools.DisableBuiltins {
		if err := tools.RegisterBuiltins(app.Registry, s.Tools.Workspace, tools.WithMaxReadBytes(s.Tools.MaxReadBytes)); err != nil {
			return nil, fmt.Errorf("register builtin tools: %w", err)
		}
	}

	app.LLM, err = llm.New(llm.Options{
		BaseURL:     s.LLM.BaseURL,
		APIKey:      s.LLM.APIKey,
		Model:       s.LLM.Model,
		Temperature: s.LLM.Temperature,
		Timeout:     s.Orchestrator.LLMTimeoutDuration(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	toolClient := &http.Client{Timeout: s.Orchestrator.ToolTimeoutDuration()}
	remote := mcp.NewClient(mcp.ClientOptions{HTTPClient: toolClient, Logger: logger})

	sources := []manifest.Source{manifest.HTTPSource{Client: toolClient}}
	if s.Tools.ManifestFile != "" {
		sources = append(sources, manifest.FileSource{Path: s.Tools.ManifestFile})
	}
	sources = append(sources, manifest.RegistrySource{Registry: app.Registry})

	app.Runtime, err = orchestration.NewRuntime(s.Orchestrator, orchestration.Dependencies{
		Generator: app.LLM,
		Tools:     mcp.NewRouter(app.Registry, remote, logger),
		Manifest:  manifest.NewPlanner(logger, sources...),
		Readiness: workflow.GitHubPRReadiness{AllowDefaultBranch: s.Tools.AllowDefaultBranch},
		Retry:     workflow.PathRetryPolicy{},
		Bus:       app.Bus,
	}, logger)
	if err != nil {
		return nil, err
	}

	app.Deliverer = output.NewDeliverer(s.Orchestrator.StreamChunkSize, logger)
	return app, nil
}

// subscribe installs the process-wide bus observers and the health handler.
func (a *App) subscribe() {
	a.unsubscribe = append(a.unsubscribe,
		a.Bus.Subscribe(envelopeEmittedEvent, func(ctx context.Context, msg commbus.Message) (any, error) {
			if evt, ok := msg.(*commbus.EnvelopeEmitted); ok {
				observability.RecordEnvelope(evt.Type)
			}
			return nil, nil
		}),
		a.Bus.Subscribe(orchestrationDoneEvent, func(ctx context.Context, msg commbus.Message) (any, error) {
			if evt, ok := msg.(*commbus.OrchestrationCompleted); ok {
				a.Logger.Debug("orchestration_event",
					"request_id", evt.RequestID,
					"status", evt.Status,
					"workflow", evt.Workflow,
				)
			}
			return nil, nil
		}),
	)

	// Registration only fails on a duplicate, which cannot happen on a fresh bus.
	_ = a.Bus.RegisterHandler(healthCheckMessage, func(ctx context.Context, msg commbus.Message) (any, error) {
		return a.health(), nil
	})
}

// health reports degraded when no model key is configured: chat still
// fails but the tool path and the admin surface work.
func (a *App) health() *commbus.HealthCheckResponse {
	components := map[string]commbus.HealthStatus{
		"orchestrator": commbus.HealthStatusHealthy,
		"tools":        commbus.HealthStatusHealthy,
		"llm":          commbus.HealthStatusHealthy,
	}
	status := commbus.HealthStatusHealthy
	if strings.TrimSpace(a.Settings.LLM.APIKey) == "" && strings.Contains(a.Settings.LLM.BaseURL, "api.openai.com") {
		components["llm"] = commbus.HealthStatusDegraded
		status = commbus.HealthStatusDegraded
	}
	if len(a.Registry.List()) == 0 && a.Settings.Orchestrator.LocalEndpoint == "" {
		components["tools"] = commbus.HealthStatusUnhealthy
		status = commbus.HealthStatusUnhealthy
	}
	return &commbus.HealthCheckResponse{Status: status, Components: components, Version: version}
}

// Ask runs one prompt and delivers it to sink. Envelopes go to observe and,
// through the buffered observer, to the bus.
func (a *App) Ask(ctx context.Context, req orchestration.Request, sink output.Sink, observe a2a.Emitter) error {
	emit := a2a.Multi(observe, a.observer)
	result, err := a.Runtime.Run(ctx, req, emit)
	if err != nil {
		_ = a.Deliverer.DeliverError(ctx, sink, err, "")
		return err
	}
	return a.Deliverer.Deliver(ctx, sink, result.Response, result.RequestID, emit)
}

// Close drains queued envelopes, releases observers and flushes traces.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.observer != nil {
		err = a.observer.Close(ctx)
	}
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	if a.shutdownTracer != nil {
		if terr := a.shutdownTracer(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
