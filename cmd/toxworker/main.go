package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/toxworker/internal/config"
	"github.com/straja-ai/toxworker/internal/detox"
	"github.com/straja-ai/toxworker/internal/logging"
	"github.com/straja-ai/toxworker/internal/telemetry"
	"github.com/straja-ai/toxworker/internal/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "toxworker.yaml", "Path to toxworker config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	// After the first signal the default handling is restored, so a second
	// one terminates a worker stuck inside Predict.
	context.AfterFunc(ctx, stop)

	code := run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run drives one worker over the given streams and returns the exit code.
func run(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := logging.New(cfg.Logging, stderr)
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	}, logger)
	if err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
		tel = telemetry.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	rt := detox.NewRuntime(detox.Options{
		ModelsDir:       cfg.Model.Dir,
		RuntimeLibrary:  cfg.Model.RuntimeLibrary,
		SeqLen:          cfg.Model.SeqLen,
		IntraThreads:    cfg.Model.IntraThreads,
		InterThreads:    cfg.Model.InterThreads,
		VerifyIntegrity: cfg.Model.VerifyIntegrity,
		WarmupText:      cfg.Model.WarmupText,
	}, logger)

	w := worker.New(rt, stdin, stdout, worker.Options{
		Variant:      cfg.Model.Variant,
		MaxLineBytes: cfg.Protocol.MaxLineBytes,
		LogText:      cfg.Logging.LogText,
		Logger:       logger,
		Telemetry:    tel,
	})

	logger.Info("toxworker starting",
		zap.String("version", version),
		zap.String("variant", cfg.Model.Variant),
		zap.String("models_dir", cfg.Model.Dir))

	runErr := w.Run(ctx)

	if err := w.Close(); err != nil {
		logger.Warn("close model", zap.Error(err))
	}
	if err := rt.Close(); err != nil {
		logger.Warn("close onnxruntime", zap.Error(err))
	}

	code := exitCode(runErr)
	if code != 0 {
		logger.Error("worker stopped", zap.Error(runErr))
	}
	return code
}

// exitCode is 1 only when the worker stopped on a stream I/O failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
