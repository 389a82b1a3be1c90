// main package for the textlistens service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/config"
	"github.com/book-expert/textlistens/internal/library"
	"github.com/book-expert/textlistens/internal/metrics"
	"github.com/book-expert/textlistens/internal/objectstore"
	"github.com/book-expert/textlistens/internal/pipeline"
	"github.com/book-expert/textlistens/internal/server"
	"github.com/book-expert/textlistens/internal/settings"
	"github.com/book-expert/textlistens/internal/tts"
	"github.com/book-expert/textlistens/internal/worker"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

const (
	version          = "1.0.0"
	bootstrapLogFile = "textlistens-bootstrap.log"
	serviceLogFile   = "textlistens.log"
	startupTimeout   = 30 * time.Second
	shutdownTimeout  = 30 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer closeLogger(bootstrapLog, "bootstrap")

	bootstrapLog.Info("Bootstrap logger created.")

	envErr := godotenv.Load()
	if envErr != nil {
		bootstrapLog.Info("No .env file loaded: %v", envErr)
	}

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer closeLogger(finalLog, "final")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Service stopped with error: %v", err)

		return err
	}

	finalLog.System("Service exited gracefully")

	return nil
}

// serve wires the components and blocks until ctx is cancelled or the HTTP
// server fails.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, err := settings.Open(cfg.Library.SettingsPath, log)
	if err != nil {
		return fmt.Errorf("failed to open library settings: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New()
	}

	engine := tts.NewHTTPClient(cfg.Speech.ServiceURL, cfg.Speech.Timeout())
	model := tts.NewModel(engine, log)

	loadCtx, cancelLoad := context.WithTimeout(ctx, startupTimeout)
	loadErr := model.Load(loadCtx)

	cancelLoad()

	if loadErr != nil {
		log.Warn("Speech engine not ready at startup, rendering on CPU: %v", loadErr)
	}

	libraryOpts := []library.Option{
		library.WithHTTPClient(&http.Client{Timeout: cfg.Library.Timeout()}),
		library.WithSettleDelay(cfg.Library.SettleDelay()),
		library.WithLookup(cfg.Library.LookupAttempts, cfg.Library.PollInterval()),
		library.WithRecorder(m),
	}

	audiobooks := pipeline.New(model, store, library.Factory(log, libraryOpts...), log, m, pipeline.Options{
		DefaultVoice:        cfg.Speech.DefaultVoice,
		DefaultCollection:   cfg.Library.DefaultCollection,
		MaxChunkLength:      cfg.Speech.MaxChunkLength,
		PreferGPU:           cfg.Speech.PreferGPU,
		ExpandAbbreviations: cfg.Speech.ExpandAbbreviations,
		WorkDir:             cfg.Paths.WorkDir,
	})

	workerDone := make(chan error, 1)

	if cfg.NATS.Enabled {
		natsConnection, err := startWorker(ctx, cfg, audiobooks, m, log, workerDone)
		if err != nil {
			return err
		}
		defer natsConnection.Close()
	} else {
		close(workerDone)
	}

	tester := func(ctx context.Context, serverURL, authToken string) error {
		err := settings.Settings{ServerURL: serverURL, AuthToken: authToken}.Validate()
		if err != nil {
			return err
		}

		return library.CheckConnection(ctx, serverURL, authToken, log, libraryOpts...)
	}

	srv := server.New(audiobooks, store, tester, log, server.Options{
		Version: version,
		Metrics: m,
		Readiness: map[string]server.HealthCheckFunc{
			"speech_engine": model.Load,
			"library": func(ctx context.Context) error {
				current := store.Current()

				return tester(ctx, current.ServerURL, current.AuthToken)
			},
		},
	})

	httpServer := srv.HTTPServer(cfg.Server.ListenAddress, cfg.Server.RequestTimeout())
	serverErr := make(chan error, 1)

	go func() {
		log.System("TextListens listening on %s", cfg.Server.ListenAddress)

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}

		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	workerErr := <-workerDone
	if workerErr != nil {
		return fmt.Errorf("worker stopped with error: %w", workerErr)
	}

	return nil
}

func startWorker(
	ctx context.Context,
	cfg *config.Config,
	audiobooks *pipeline.Pipeline,
	m *metrics.Metrics,
	log *logger.Logger,
	done chan<- error,
) (*nats.Conn, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("textlistens"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	natsWorker := worker.NewNatsWorker(
		natsConnection, cfg.NATS.RequestSubject, store, audiobooks, m, log, cfg.Server.RequestTimeout(),
	)

	go func() {
		done <- natsWorker.Run(ctx)
	}()

	return natsConnection, nil
}

func closeLogger(log *logger.Logger, name string) {
	closeErr := log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing %s logger: %v\n", name, closeErr)
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
