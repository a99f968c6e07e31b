// Vigil orchestration core — watches the alert index, drives incident
// pipelines through the specialist agents, and serves the webhook API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/analyst"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/coordinator"
	"github.com/vigil-soc/vigil/pkg/discovery"
	"github.com/vigil-soc/vigil/pkg/executor"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/integrations"
	"github.com/vigil-soc/vigil/pkg/resilience"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/telemetry"
	"github.com/vigil-soc/vigil/pkg/tools"
	"github.com/vigil-soc/vigil/pkg/verifier"
	"github.com/vigil-soc/vigil/pkg/version"
	"github.com/vigil-soc/vigil/pkg/webhook"
)

// knownAgents are discovered eagerly at startup so the first incident does
// not pay the discovery cost. Undiscovered agents resolve lazily later.
var knownAgents = []string{
	"triage", "investigator", "threat-hunter", "commander", "sentinel",
	"analyst", "workflow-approval", "workflow-notification",
	"workflow-reporting", "workflow-kubernetes", "workflow-communication",
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// agentDispatcher routes executor/verifier tasks to the in-process sub-cores
// and everything else over the A2A wire.
type agentDispatcher struct {
	router   *a2a.Router
	executor *executor.Executor
	verifier *verifier.Verifier
}

func (d *agentDispatcher) Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error) {
	switch agentID {
	case "executor":
		resp, err := d.executor.HandleExecutePlan(ctx, env, 0)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	case "verifier":
		resp, err := d.verifier.HandleVerifyResolution(ctx, env)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	default:
		return d.router.Send(ctx, agentID, env, opts)
	}
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"),
		"Path to the environment file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting Vigil", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Storage engine
	store, err := storage.NewClient(storage.ClientConfig{
		URL:    cfg.ElasticsearchURL,
		APIKey: cfg.ElasticAPIKey,
	})
	if err != nil {
		slog.Error("Failed to create storage client", "error", err)
		os.Exit(1)
	}
	if err := store.Ping(ctx); err != nil {
		slog.Error("Storage engine unreachable", "url", cfg.ElasticsearchURL, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to storage engine", "url", cfg.ElasticsearchURL)

	// 3. Agent discovery and the A2A transport
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	registry := discovery.NewRegistry(cfg.KibanaURL, httpClient)
	registry.OnAgentUp(func(agentID string) {
		slog.Info("Agent available", "agent_id", agentID)
	})
	registry.OnAgentDown(func(agentID string) {
		slog.Warn("Agent unavailable", "agent_id", agentID)
	})
	snapshot := registry.DiscoverAll(ctx, knownAgents)
	slog.Info("Agent discovery complete",
		"available", len(snapshot.Available), "unavailable", len(snapshot.Unavailable))

	breakers := resilience.NewRegistry(resilience.WindowBreakerConfig{},
		resilience.ConsecutiveBreakerConfig{})
	tele := telemetry.NewWriter(store)
	router := a2a.NewRouter(registry, breakers, tele, httpClient)

	// 4. In-process sub-cores behind the same envelope interface
	toolRunner := tools.NewExecutor(store, tools.NewLoader(cfg.ToolDefinitionsDir),
		tools.NewBaselineJoinFallback(store))
	dispatcher := &agentDispatcher{
		router:   router,
		executor: executor.New(cfg, store, router),
		verifier: verifier.New(cfg, store, toolRunner),
	}

	// 5. Outbound notifications
	var slackNotifier *integrations.SlackNotifier
	if cfg.SlackBotToken != "" {
		slackNotifier = integrations.NewSlackNotifier(cfg, breakers)
	}
	var pagerduty *integrations.PagerDuty
	if cfg.PagerDutyRoutingKey != "" {
		pagerduty = integrations.NewPagerDuty(cfg, breakers)
	}
	notifier := integrations.NewNotifier(slackNotifier, pagerduty)

	// 6. Analyst scheduler (retrospectives on resolution, daily batch reports)
	scheduler := analyst.New(cfg, store, dispatcher)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("Failed to start analyst scheduler", "error", err)
		os.Exit(1)
	}

	// 7. Incident pipeline
	machine := incident.NewMachine(store, cfg.MaxReflections)
	coord := coordinator.New(cfg, store, machine, dispatcher, tele, notifier)
	coord.OnResolved(scheduler.OnIncidentResolved)
	watcher := coordinator.NewWatcher(cfg, store, coord, tele)
	watcher.Start(ctx)
	slog.Info("Alert watcher started",
		"poll_interval", cfg.WatcherPollInterval, "batch_size", cfg.WatcherBatchSize)

	// 8. Webhook server (non-blocking)
	server := webhook.New(cfg, store)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Webhook server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Vigil started successfully", "http_port", cfg.HTTPPort)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: watcher first (stops new pipelines and waits for
	// in-flight ones), then the scheduler, then the HTTP server.
	watcher.Stop()
	slog.Info("Alert watcher stopped")

	scheduler.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("Webhook server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
