package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
	"github.com/loqalabs/loqa-transcriber/internal/audio/portaudio"
	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/eventstore"
	"github.com/loqalabs/loqa-transcriber/internal/models"
	"github.com/loqalabs/loqa-transcriber/internal/natsserver"
	"github.com/loqalabs/loqa-transcriber/internal/recognizer"
	"github.com/loqalabs/loqa-transcriber/internal/recognizer/vosk"
	"github.com/loqalabs/loqa-transcriber/internal/runtime"
	"github.com/loqalabs/loqa-transcriber/internal/transcriber"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run returns the process exit status. Every fatal failure is reported on
// stdout as an error event before a non-zero return.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var (
		configPath  string
		modelSize   string
		modelsDir   string
		dev         bool
		showVersion bool
	)

	fs := flag.NewFlagSet("loqa-transcriber", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	fs.StringVar(&modelSize, "model-size", "", "Model tier: small, medium or large")
	fs.BoolVar(&dev, "dev", false, "Use local model archives (requires --models-dir)")
	fs.StringVar(&modelsDir, "models-dir", "", "Directory holding local model archives for --dev")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	// stdout carries the event stream; diagnostics go to stderr.
	sink := events.NewLineWriter(stdout)
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	fail := func(msg string, err error) int {
		if emitErr := sink.Emit(events.Errorf("%s: %v", msg, err)); emitErr != nil {
			logger.Error("failed to emit error event", slog.String("error", emitErr.Error()))
		}
		logger.Error(msg, slog.String("error", err.Error()))
		return 1
	}

	cfg, err := config.Load(configPath)
	if err == nil {
		applyFlags(&cfg, modelSize, modelsDir, dev)
		err = config.Validate(cfg)
	}
	if err != nil {
		if errors.Is(err, config.ErrInvalidModelSize) {
			_ = sink.Emit(events.Errorf("Invalid model size: %s. Use 'small', 'medium', or 'large'.", cfg.Models.Size))
			logger.Error("failed to load config", slog.String("error", err.Error()))
			return 1
		}
		return fail("Invalid configuration", err)
	}
	if dev && modelsDir == "" {
		logger.Warn("--dev has no effect without --models-dir, models will be downloaded")
	}
	logger = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		return fail("Runtime failed to start", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runtime shutdown error", slog.String("error", err.Error()))
		}
	}()

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return fail("Failed to start embedded NATS", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			cfg.Bus.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, cfg.Bus, cfg.RuntimeName, logger)
		if err != nil {
			return fail("Failed to connect to NATS", err)
		}
		defer busClient.Close()
	}

	var journal *eventstore.Store
	if cfg.EventStore.Enabled {
		journal, err = eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return fail("Failed to open transcript journal", err)
		}
		defer journal.Close()
	}

	store, err := models.NewStore(models.Options{
		Root:      cfg.Models.RootDir,
		LocalDir:  cfg.Models.LocalDir,
		MirrorURL: cfg.Models.MirrorURL,
		Logger:    logger,
	})
	if err != nil {
		return fail("Model directory unavailable", err)
	}

	source, err := newSource(cfg.Audio, logger)
	if err != nil {
		return fail("Audio error", err)
	}

	opts := transcriber.Options{
		Config:  cfg,
		Sink:    sink,
		Store:   store,
		Factory: newFactory(cfg.Recognizer),
		Source:  source,
		Logger:  logger,
		Bus:     busClient,
		Journal: journal,
		OnReady: func() { rt.SetReady(true) },
	}
	if cfg.Control.Stdin {
		opts.Stdin = stdin
	}
	ctrl, err := transcriber.New(opts)
	if err != nil {
		return fail("Failed to create transcriber", err)
	}
	rt.Handle("/status", ctrl.StatusHandler())
	rt.Handle("/sessions", ctrl.SessionsHandler())

	// Run has already reported its own failures as events.
	err = ctrl.Run(ctx)
	rt.SetReady(false)
	if err != nil {
		logger.Error("transcriber exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// applyFlags layers command-line choices over the loaded config. Local
// archives are used only when --dev comes with --models-dir; --dev alone
// keeps downloading.
func applyFlags(cfg *config.Config, modelSize, modelsDir string, dev bool) {
	if modelSize != "" {
		cfg.Models.Size = modelSize
	}
	if dev && modelsDir != "" {
		cfg.Models.Mode = string(models.ModeLocal)
		cfg.Models.LocalDir = modelsDir
	}
}

func newFactory(cfg config.RecognizerConfig) recognizer.Factory {
	if cfg.Mode == "mock" {
		return recognizer.MockFactory(cfg.MockFinalEvery)
	}
	return vosk.NewFactory(cfg.Words)
}

func newSource(cfg config.AudioConfig, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Source {
	case "wav":
		return audio.NewWAVSource(cfg.WAVPath, cfg.Realtime), nil
	case "exec":
		return audio.NewExecSource(cfg.Command, logger)
	default:
		return portaudio.NewDevice(), nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
