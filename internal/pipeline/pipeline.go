// Package pipeline turns one text submission into an uploaded audiobook:
// normalize, chunk, synthesize each chunk, concatenate, upload and link.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
	"github.com/book-expert/textlistens/internal/fileutil"
	"github.com/book-expert/textlistens/internal/metrics"
	"github.com/book-expert/textlistens/internal/settings"
	"github.com/book-expert/textlistens/internal/tts"
	"github.com/book-expert/textlistens/internal/tts/audio"
	"github.com/book-expert/textlistens/internal/tts/text"
)

// Defaults applied to requests that leave a field empty.
const (
	DefaultVoice      = "af_sarah"
	DefaultCollection = "textlistens"
)

const outputExtension = ".wav"

var (
	// ErrInvalidArgument is returned for requests without text or title.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSynthesisProducedNoAudio is returned when every chunk was skipped.
	ErrSynthesisProducedNoAudio = errors.New("synthesis produced no audio")
)

// SettingsSource provides the current library settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Options configures a Pipeline.
type Options struct {
	DefaultVoice        string
	DefaultCollection   string
	MaxChunkLength      int
	PreferGPU           bool
	ExpandAbbreviations bool
	// WorkDir is the parent of the per-request workspaces. Empty means the
	// system temporary directory.
	WorkDir string
}

// Request is one audiobook submission.
type Request struct {
	Text       string
	Title      string
	Voice      string
	Collection string
	// PreferGPU asks for GPU rendering even when the service default is CPU.
	PreferGPU bool
}

// Result describes a finished audiobook.
type Result struct {
	LibraryItemID string
	ServerURL     string
	Chunks        int
	Synthesized   int
	Skipped       int
	Duration      time.Duration
}

// Pipeline runs requests against a shared speech model. Requests may run
// concurrently; each gets its own workspace and synthesizer.
type Pipeline struct {
	model      *tts.Model
	settings   SettingsSource
	uploaders  core.UploaderFactory
	normalizer *text.Normalizer
	metrics    *metrics.Metrics
	log        *logger.Logger
	opts       Options
}

// New creates a Pipeline. metrics may be nil.
func New(
	model *tts.Model,
	settingsSource SettingsSource,
	uploaders core.UploaderFactory,
	log *logger.Logger,
	m *metrics.Metrics,
	opts Options,
) *Pipeline {
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = DefaultVoice
	}

	if opts.DefaultCollection == "" {
		opts.DefaultCollection = DefaultCollection
	}

	if opts.MaxChunkLength <= 0 {
		opts.MaxChunkLength = text.DefaultMaxChunkLength
	}

	return &Pipeline{
		model:      model,
		settings:   settingsSource,
		uploaders:  uploaders,
		normalizer: text.NewNormalizer(opts.ExpandAbbreviations),
		metrics:    m,
		log:        log,
		opts:       opts,
	}
}

// Process synthesizes req and uploads the result. The workspace is removed
// before Process returns, whatever the outcome.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	req, err := p.withDefaults(req)
	if err != nil {
		return nil, err
	}

	current := p.settings.Current()

	err = current.Validate()
	if err != nil {
		return nil, err
	}

	p.log.Info("Processing text with title: %s", req.Title)

	workDir, err := fileutil.NewWorkspace(p.opts.WorkDir)
	if err != nil {
		return nil, err
	}

	defer func() {
		removeErr := os.RemoveAll(workDir)
		if removeErr != nil {
			p.log.Warn("Failed to remove workspace %s: %v", workDir, removeErr)
		}
	}()

	synth := p.model.NewSynthesizer(ctx, LangCode(req.Voice), p.opts.PreferGPU || req.PreferGPU, workDir)

	chunks, err := text.Split(p.normalizer.Normalize(req.Text), p.opts.MaxChunkLength)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk text: %w", err)
	}

	p.log.Info("Split text into %d chunks", len(chunks))

	segments, err := p.synthesize(ctx, synth, chunks, req.Voice)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ServerURL:   strings.TrimRight(current.ServerURL, "/"),
		Chunks:      len(chunks),
		Synthesized: len(segments),
		Skipped:     len(chunks) - len(segments),
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: all %d chunks were skipped", ErrSynthesisProducedNoAudio, len(chunks))
	}

	outputPath := filepath.Join(workDir, fileutil.SanitizeFilename(req.Title)+outputExtension)

	book, err := audio.Concatenate(segments, outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble audiobook: %w", err)
	}

	result.Duration = book.Duration

	p.log.Info("Assembled %s (%s, %d of %d chunks)",
		filepath.Base(book.Path), fileutil.FormatDuration(book.Duration.Seconds()),
		result.Synthesized, result.Chunks)

	uploader := p.uploaders(current.ServerURL, current.AuthToken)

	itemID, err := uploader.UploadAndLink(ctx, book.Path, req.Title, req.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audiobook: %w", err)
	}

	result.LibraryItemID = itemID
	p.metrics.AudiobookUploaded(book.Duration)

	p.log.Info("Uploaded %s as library item %s", req.Title, itemID)

	return result, nil
}

// synthesize renders chunks one at a time, in order, keeping the successes.
// It stops at the first chunk after ctx is done.
func (p *Pipeline) synthesize(
	ctx context.Context,
	synth *tts.Synthesizer,
	chunks []text.Chunk,
	voice string,
) ([]audio.Segment, error) {
	segments := make([]audio.Segment, 0, len(chunks))
	skipped := map[tts.Outcome]int{}

	for _, chunk := range chunks {
		err := ctx.Err()
		if err != nil {
			p.log.Warn("Synthesis cancelled before chunk %d/%d: %v", chunk.Index, len(chunks), err)

			return nil, fmt.Errorf("synthesis stopped after %d of %d chunks: %w", chunk.Index-1, len(chunks), err)
		}

		p.log.Info("Processing chunk %d/%d", chunk.Index, len(chunks))

		result := synth.Synthesize(ctx, chunk, voice)
		p.metrics.ChunkProcessed(string(result.Outcome))

		if result.Skipped() {
			skipped[result.Outcome]++

			continue
		}

		segments = append(segments, *result.Segment)
	}

	if len(skipped) > 0 {
		p.log.Warn("Skipped chunks: %d without output, %d engine errors",
			skipped[tts.OutcomeNoOutput], skipped[tts.OutcomeEngineError])
	}

	return segments, nil
}

func (p *Pipeline) withDefaults(req Request) (Request, error) {
	if strings.TrimSpace(req.Text) == "" {
		return req, fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return req, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}

	req.Voice = strings.TrimSpace(req.Voice)
	if req.Voice == "" {
		req.Voice = p.opts.DefaultVoice
	}

	req.Collection = strings.TrimSpace(req.Collection)
	if req.Collection == "" {
		req.Collection = p.opts.DefaultCollection
	}

	return req, nil
}

// LangCode derives the engine language code from a voice id: its first
// letter, lowercased ("af_sarah" is "a").
func LangCode(voice string) string {
	r, _ := utf8.DecodeRuneInString(voice)
	if r == utf8.RuneError {
		return ""
	}

	return string(unicode.ToLower(r))
}
