package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/dbworkload/pgreplay/pkg/config"
	"github.com/dbworkload/pgreplay/pkg/observability"
	"github.com/dbworkload/pgreplay/pkg/replay"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`            __             __          `,
	`  ____  ____ ________  ____/ /___  __ __`,
	` / __ \/ __ '/ ___/ _ \/ __  / __ \/ / /`,
	`/ /_/ / /_/ / /  /  __/ /_/ / /_/ / /_/ /`,
	`\____/\__, /_/   \___/\__,_/ .___/\__, / `,
	`     /____/                /_/   /____/  `,
}

func printBanner() {
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00CED1"))
	descStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	flagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9B30FF")).Bold(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgreplay ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")
		fmt.Printf("  %s %s\n", flagStyle.Render("-"+f.Name), descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgreplay -help' for full documentation."))
	fmt.Println()
}

func printFullDocs() {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}
	fmt.Print(out)
}

func main() {
	configPath := flag.String("config", "", "path to pgreplay.json config file")
	capturePath := flag.String("capture", "", "path to a reference capture file (.jsonl/.ndjson/.yaml)")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	if *configPath == "" || *capturePath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *capturePath); err != nil {
		logger.Error("pgreplay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, capturePath string) error {
	cfg, err := config.ReadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	secrets, err := config.NewSecretCacheFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("create secret cache: %w", err)
	}

	if err := cfg.Validate(ctx, secrets); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	logger.Info("config validated", "config", configPath)

	target, err := cfg.Target.ToTargetInfo(ctx, secrets)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}

	commands, err := replay.ReadCaptureFile(capturePath)
	if err != nil {
		return fmt.Errorf("read capture file: %w", err)
	}
	logger.Info("capture file loaded", "path", capturePath, "commands", len(commands))

	metrics := observability.DefaultMetrics()

	flightRecorder, err := observability.NewFlightRecorderService(cfg.FlightRecorder, logger)
	if err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	if flightRecorder != nil {
		if err := flightRecorder.Start(); err != nil {
			return fmt.Errorf("start flight recorder: %w", err)
		}
		flightRecorder.SetupSignalHandler(ctx)
		defer flightRecorder.Stop()
	}

	metricsServer := observability.NewMetricsServer(cfg.Prometheus, metrics.Gatherer(), flightRecorder, logger)
	if metricsServer.Enabled() {
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Shutdown(context.Background())
		logger.Info("metrics server listening", "addr", metricsServer.Addr())
	}

	tp, err := observability.NewTracerProvider(ctx, &cfg.OpenTelemetry)
	if err != nil {
		return fmt.Errorf("start tracer provider: %w", err)
	}
	if tp.Enabled() {
		defer tp.Shutdown(context.Background())
	}

	workerConfig := cfg.Replay.ToWorkerConfig()
	workerConfig.OnCommand = func(kind, status string, durationSeconds float64) {
		metrics.RecordCommand(kind, status, durationSeconds)
		flightRecorder.OnSlowQuery(time.Duration(durationSeconds * float64(time.Second)))
		if status == "error" {
			flightRecorder.OnError(fmt.Errorf("%s command classified as error", kind))
		}
	}
	workerConfig.OnRetry = metrics.RecordRetry

	registry := replay.NewWorkerRegistry(ctx, replay.RegistryConfig{
		Target:       target,
		Normalizer:   replay.RegexNormalizer{},
		WorkerConfig: workerConfig,
		IdleTimeout:  cfg.Replay.IdleTimeoutOrDefault(),
	}, logger)

	for _, cmd := range commands {
		registry.Submit(cmd)
	}
	metrics.SetActiveWorkers(registry.Len())

	logger.Info("replay dispatched, waiting for completion or interrupt", "sessions", registry.Len())
	waitForDrainOrInterrupt(ctx, registry)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Replay.IdleTimeoutOrDefault())
	defer cancel()
	return registry.Shutdown(shutdownCtx)
}

// waitForDrainOrInterrupt blocks until every dispatched command has finished
// replaying (the fixed-capture-file case the reference CLI drives) or ctx is
// canceled by an interrupt signal, whichever happens first.
func waitForDrainOrInterrupt(ctx context.Context, registry *replay.WorkerRegistry) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if registry.AllIdle() {
				return
			}
		}
	}
}
