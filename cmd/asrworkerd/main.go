// Command asrworkerd is the ASR worker service: an HTTP front end for
// utterance transcription backed by a supervised whisper.cpp child process
// and streaming ONNX voice-activity detection.
//
// The same binary serves both roles. Without flags it runs the HTTP parent;
// with -worker it runs the model-hosting child that the parent re-execs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speechrelay/asrworkerd/internal/config"
	"github.com/speechrelay/asrworkerd/internal/observe"
	"github.com/speechrelay/asrworkerd/internal/server"
	"github.com/speechrelay/asrworkerd/internal/session"
	"github.com/speechrelay/asrworkerd/internal/vad"
	"github.com/speechrelay/asrworkerd/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional, env vars suffice)")
	workerMode := flag.Bool("worker", false, "run as the model-hosting worker child (internal)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asrworkerd: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Worker child mode ─────────────────────────────────────────────────────
	if *workerMode {
		if err := worker.RunChild(cfg, os.Stdin, os.Stdout); err != nil {
			slog.Error("worker child failed", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("asrworkerd starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "asrworkerd",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── VAD detector (optional) ───────────────────────────────────────────────
	var detector server.SpeechDetector
	if cfg.VAD.ModelPath != "" {
		d, err := vad.New(cfg.VAD.ModelPath, cfg.VAD.OrtLibraryPath,
			vad.WithThreshold(float32(cfg.VAD.Threshold)))
		if err != nil {
			slog.Warn("vad model load failed, continuing without VAD", "err", err)
		} else {
			defer d.Close()
			detector = d
			slog.Info("vad model loaded", "model", cfg.VAD.ModelPath)
		}
	}

	// ── Worker manager ────────────────────────────────────────────────────────
	manager := worker.NewManager(cfg, *configPath)
	manager.OnRestart = func() { metrics.WorkerRestarts.Add(ctx, 1) }
	if err := metrics.RegisterQueueDepth(func() int64 {
		return int64(manager.Stats().QueueDepth)
	}); err != nil {
		slog.Error("failed to register queue depth gauge", "err", err)
		return 1
	}
	manager.Start()

	// ── HTTP server ───────────────────────────────────────────────────────────
	store := session.New()
	srv := server.New(cfg, manager, detector, store, metrics)

	mux := http.NewServeMux()
	srv.Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, detector != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			slog.Warn("worker shutdown error", "err", err)
		}
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exitCode
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, vadLoaded bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       asrworkerd — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("ASR model", cfg.ASR.ModelPath)
	printRow("Device", string(cfg.ASR.Device))
	printRow("Compute type", cfg.ASR.ComputeType)
	if vadLoaded {
		printRow("VAD model", cfg.VAD.ModelPath)
	} else {
		printRow("VAD model", "(disabled)")
	}
	printRow("Queue capacity", fmt.Sprintf("%d", cfg.Limits.MaxConcurrency))
	printRow("Max wait", fmt.Sprintf("%ds", cfg.Limits.MaxWaitSeconds))
	printRow("Port", fmt.Sprintf("%d", cfg.Server.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(auto)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
