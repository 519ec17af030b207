// nwbconvert server — converts neurophysiology recordings to NWB,
// validates them, and drives the user-approved correction loop over an
// HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nwbconvert/kernel/pkg/agent/conversation"
	"github.com/nwbconvert/kernel/pkg/agent/conversion"
	"github.com/nwbconvert/kernel/pkg/agent/evaluation"
	"github.com/nwbconvert/kernel/pkg/api"
	"github.com/nwbconvert/kernel/pkg/bus"
	"github.com/nwbconvert/kernel/pkg/config"
	"github.com/nwbconvert/kernel/pkg/convertport"
	"github.com/nwbconvert/kernel/pkg/events"
	"github.com/nwbconvert/kernel/pkg/journal"
	"github.com/nwbconvert/kernel/pkg/llmport"
	"github.com/nwbconvert/kernel/pkg/nwbport"
	"github.com/nwbconvert/kernel/pkg/orchestrator"
	"github.com/nwbconvert/kernel/pkg/prompt"
	"github.com/nwbconvert/kernel/pkg/report"
	"github.com/nwbconvert/kernel/pkg/session"
	"github.com/nwbconvert/kernel/pkg/slack"
	"github.com/nwbconvert/kernel/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("No %s file; continuing with existing environment", envPath)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create working directories: %v", err)
	}
	if cfg.ConverterCommand == "" || cfg.InspectorCommand == "" || cfg.PDFRendererCommand == "" {
		log.Fatalf("CONVERTER_COMMAND, INSPECTOR_COMMAND, and PDF_RENDERER_COMMAND must all be set")
	}

	slog.Info("Starting nwbconvert", "version", version.Full(), "http_port", cfg.HTTPPort)

	// Prompt templates: embedded by default, on-disk store when overridden.
	var templates *prompt.Registry
	if cfg.TemplateDir != "" {
		templates, err = prompt.Load(os.DirFS(cfg.TemplateDir), ".")
	} else {
		templates, err = prompt.LoadBuiltin()
	}
	if err != nil {
		log.Fatalf("Failed to load prompt templates: %v", err)
	}

	llm := llmport.NewAnthropicPort(cfg.AnthropicAPIKey, cfg.LLMBaseURL)
	prompts := prompt.NewService(templates, llm)

	convertLib := convertport.NewExecPort(cfg.ConverterCommand)
	nwbLib := nwbport.NewExecPort(cfg.InspectorCommand)
	reports := report.NewService(report.NewExecPDFPort(cfg.PDFRendererCommand), cfg.ReportDir)

	store := session.NewStore()

	journalWriter := journal.NewWriter(cfg.LogDir)
	defer journalWriter.Close()
	store.Subscribe(journalWriter.Observe)

	stream := events.NewStream(5 * time.Second)
	store.Subscribe(stream.Observe)

	if slackSvc := slack.NewService(slack.ServiceConfig{
		Token:        cfg.Slack.Token,
		Channel:      cfg.Slack.Channel,
		DashboardURL: cfg.Slack.DashboardURL,
	}); slackSvc != nil {
		store.Subscribe(slackSvc.Observe)
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	registry := bus.NewRegistry(store)
	convAgent := conversion.New(convertLib, nwbLib, prompts, store, cfg.OutputDir)
	evalAgent := evaluation.New(nwbLib, prompts, reports, store)
	convoAgent := conversation.New(prompts, store)
	registry.Register(orchestrator.AgentConversion, convAgent.Handler())
	registry.Register(orchestrator.AgentEvaluation, evalAgent.Handler())
	registry.Register(orchestrator.AgentConversation, convoAgent.Handler())

	orch := orchestrator.New(registry, store)
	orch.OnReset(evalAgent.Forget)
	orch.OnReset(convoAgent.Forget)

	server := api.NewServer(cfg, store, orch, stream, registry)
	store.Subscribe(server.TrackArtifacts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.HTTPPort)
	}()
	slog.Info("HTTP server listening", "addr", ":"+cfg.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("HTTP server failed: %v", err)
	case sig := <-sigCh:
		// Normal exit between sessions; mid-session interruption is fatal
		// and leaves artifacts on disk without marking a terminal status.
		if store.GetSnapshot().Status == session.StatusProcessing {
			slog.Warn("Interrupted mid-session; artifacts remain on disk", "signal", sig.String())
			os.Exit(1)
		}
		slog.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}
}
