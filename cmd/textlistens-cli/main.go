// main package for the textlistens command-line client. It runs one
// text-to-audiobook job locally against the configured speech engine and
// Audiobookshelf server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/config"
	"github.com/book-expert/textlistens/internal/fileutil"
	"github.com/book-expert/textlistens/internal/library"
	"github.com/book-expert/textlistens/internal/pipeline"
	"github.com/book-expert/textlistens/internal/settings"
	"github.com/book-expert/textlistens/internal/tts"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Flag descriptions.
const (
	flagTextDesc       = "Text to convert to an audiobook"
	flagFileDesc       = "Text file (.txt, .md, .text) to convert to an audiobook"
	flagTitleDesc      = "Title of the audiobook in the library"
	flagVoiceDesc      = "Voice to synthesize with (default from configuration)"
	flagCollectionDesc = "Collection to link the audiobook into (default from configuration)"
	flagHealthDesc     = "Check the speech engine and library connection and exit"
)

// Flag names.
const (
	flagText       = "text"
	flagFile       = "file"
	flagTitle      = "title"
	flagVoice      = "voice"
	flagCollection = "collection"
	flagHealth     = "health"
)

const (
	logFileName   = "textlistens-cli.log"
	healthTimeout = 10 * time.Second
)

var (
	errEitherTextOrFile    = errors.New("either --text or --file must be provided")
	errCannotSpecifyBoth   = errors.New("cannot specify both --text and --file")
	errTitleRequired       = errors.New("--title is required")
	errUnsupportedTextFile = errors.New("unsupported text file, expected .txt, .md or .text")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text       string
	file       string
	title      string
	voice      string
	collection string
	health     bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	envErr := godotenv.Load()
	if envErr != nil {
		log.Info("No .env file loaded: %v", envErr)
	}

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := settings.Open(cfg.Library.SettingsPath, log)
	if err != nil {
		return fmt.Errorf("failed to open library settings: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := tts.NewHTTPClient(cfg.Speech.ServiceURL, cfg.Speech.Timeout())
	libraryOpts := []library.Option{
		library.WithHTTPClient(&http.Client{Timeout: cfg.Library.Timeout()}),
		library.WithSettleDelay(cfg.Library.SettleDelay()),
		library.WithLookup(cfg.Library.LookupAttempts, cfg.Library.PollInterval()),
	}

	if flags.health {
		return checkHealth(ctx, engine, store.Current(), log, libraryOpts, stdout)
	}

	text, err := loadText(flags)
	if err != nil {
		return err
	}

	model := tts.NewModel(engine, log)

	loadErr := model.Load(ctx)
	if loadErr != nil {
		log.Warn("Speech engine not ready, rendering on CPU: %v", loadErr)
	}

	audiobooks := pipeline.New(model, store, library.Factory(log, libraryOpts...), log, nil, pipeline.Options{
		DefaultVoice:        cfg.Speech.DefaultVoice,
		DefaultCollection:   cfg.Library.DefaultCollection,
		MaxChunkLength:      cfg.Speech.MaxChunkLength,
		PreferGPU:           cfg.Speech.PreferGPU,
		ExpandAbbreviations: cfg.Speech.ExpandAbbreviations,
		WorkDir:             cfg.Paths.WorkDir,
	})

	workflowID := uuid.NewString()
	log.Info("Starting workflow %s for %q", workflowID, flags.title)

	result, err := audiobooks.Process(ctx, pipeline.Request{
		Text:       text,
		Title:      flags.title,
		Voice:      flags.voice,
		Collection: flags.collection,
	})
	if err != nil {
		log.Error("Workflow %s failed: %v", workflowID, err)

		return fmt.Errorf("failed to process text: %w", err)
	}

	log.Info("Workflow %s finished", workflowID)

	fmt.Fprintf(stdout, "Library item: %s\n", result.LibraryItemID)
	fmt.Fprintf(stdout, "Server: %s\n", result.ServerURL)
	fmt.Fprintf(stdout, "Chunks: %d synthesized, %d skipped\n", result.Synthesized, result.Skipped)
	fmt.Fprintf(stdout, "Duration: %s\n", fileutil.FormatDuration(result.Duration.Seconds()))

	return nil
}

// parseFlags parses args and validates the flag combination.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("textlistens-cli", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flagSet.StringVar(&flags.title, flagTitle, "", flagTitleDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.collection, flagCollection, "", flagCollectionDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return flags, err
	}

	return flags, validateFlags(flags)
}

func validateFlags(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" && flags.file == "" {
		return errEitherTextOrFile
	}

	if flags.text != "" && flags.file != "" {
		return errCannotSpecifyBoth
	}

	if flags.file != "" && !fileutil.IsValidTextFile(flags.file) {
		return fmt.Errorf("%w: %s", errUnsupportedTextFile, flags.file)
	}

	if flags.title == "" {
		return errTitleRequired
	}

	return nil
}

// loadText returns the text to synthesize from --text or --file.
func loadText(flags appFlags) (string, error) {
	if flags.text != "" {
		return flags.text, nil
	}

	data, err := os.ReadFile(flags.file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", flags.file, err)
	}

	return string(data), nil
}

// checkHealth probes the speech engine and the library server and prints
// the result of each.
func checkHealth(
	ctx context.Context,
	engine *tts.HTTPClient,
	current settings.Settings,
	log *logger.Logger,
	libraryOpts []library.Option,
	stdout io.Writer,
) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	status, engineErr := engine.Health(ctx)
	if engineErr != nil {
		log.Error("Speech engine health check failed: %v", engineErr)
		fmt.Fprintf(stdout, "Speech engine: unhealthy (%v)\n", engineErr)
	} else {
		fmt.Fprintf(stdout, "Speech engine: %s (cuda available: %t)\n", status.Status, status.CUDAAvailable)
	}

	libraryErr := current.Validate()
	if libraryErr == nil {
		libraryErr = library.CheckConnection(ctx, current.ServerURL, current.AuthToken, log, libraryOpts...)
	}

	if libraryErr != nil {
		log.Error("Library health check failed: %v", libraryErr)
		fmt.Fprintf(stdout, "Library %s: unhealthy (%v)\n", current.ServerURL, libraryErr)
	} else {
		fmt.Fprintf(stdout, "Library %s: healthy\n", current.ServerURL)
	}

	return errors.Join(engineErr, libraryErr)
}
