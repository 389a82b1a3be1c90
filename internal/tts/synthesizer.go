package tts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
	"github.com/book-expert/textlistens/internal/tts/audio"
	"github.com/book-expert/textlistens/internal/tts/text"
)

const (
	// Speed is the fixed speech speed multiplier.
	Speed = 1.0

	outputFileFormat = "chunk_%04d.wav"
)

// Outcome classifies the result of synthesizing one chunk.
type Outcome string

// Chunk outcomes.
const (
	OutcomeSynthesized Outcome = "synthesized"
	OutcomeNoOutput    Outcome = "no_output"
	OutcomeEngineError Outcome = "engine_error"
)

// ErrNoPhonemes is recorded when the engine produced no usable phonemes.
var ErrNoPhonemes = errors.New("engine produced no phonemes")

// Result is the typed outcome of synthesizing one chunk. Segment is set only
// for OutcomeSynthesized; Err explains the other outcomes.
type Result struct {
	ChunkIndex int
	Outcome    Outcome
	Segment    *audio.Segment
	Err        error
}

// Skipped reports whether the chunk produced no audio.
func (r Result) Skipped() bool {
	return r.Outcome != OutcomeSynthesized
}

// Synthesizer renders text chunks for one request. It is not shared between
// requests.
type Synthesizer struct {
	engine   core.SpeechEngine
	log      *logger.Logger
	langCode string
	device   string
	workDir  string
}

// Synthesize renders chunk with voice into a WAV file in the workspace. The
// first phoneme segment with content is rendered; the rest are ignored.
// Failures are never returned as errors: they are logged and reported through
// the Result outcome so the caller can drop the chunk and continue.
func (s *Synthesizer) Synthesize(ctx context.Context, chunk text.Chunk, voice string) Result {
	result := Result{ChunkIndex: chunk.Index, Outcome: OutcomeEngineError}

	segments, err := s.engine.Phonemize(ctx, chunk.Text, voice, s.langCode)
	if err != nil {
		return s.fail(result, fmt.Errorf("phonemize failed: %w", err))
	}

	phonemes := firstPhonemes(segments)
	if phonemes == "" {
		result.Outcome = OutcomeNoOutput
		result.Err = ErrNoPhonemes
		s.log.Warn("No phonemes produced for chunk %d, skipping", chunk.Index)

		return result
	}

	wavData, err := s.engine.Render(ctx, core.RenderRequest{
		Phonemes: phonemes,
		Voice:    voice,
		Speed:    Speed,
		Device:   s.device,
	})
	if err != nil {
		return s.fail(result, fmt.Errorf("render failed: %w", err))
	}

	waveform, err := audio.DecodeWAVBytes(wavData)
	if err != nil {
		return s.fail(result, err)
	}

	if len(waveform.Samples) == 0 {
		result.Outcome = OutcomeNoOutput
		result.Err = audio.ErrEmptyInput
		s.log.Warn("Engine returned no samples for chunk %d, skipping", chunk.Index)

		return result
	}

	waveform.Encoding.SampleRate = audio.SampleRate
	path := filepath.Join(s.workDir, fmt.Sprintf(outputFileFormat, chunk.Index))

	err = audio.WriteWAV(path, waveform)
	if err != nil {
		return s.fail(result, err)
	}

	s.log.Info("Saved chunk %d", chunk.Index)

	result.Outcome = OutcomeSynthesized
	result.Segment = &audio.Segment{
		Index:      chunk.Index,
		Path:       path,
		SampleRate: audio.SampleRate,
		Samples:    len(waveform.Samples),
	}

	return result
}

func (s *Synthesizer) fail(result Result, err error) Result {
	s.log.Error("Error processing chunk %d: %v", result.ChunkIndex, err)

	result.Outcome = OutcomeEngineError
	result.Err = err

	return result
}

func firstPhonemes(segments []core.PhonemeSegment) string {
	for _, segment := range segments {
		if segment.Phonemes != "" {
			return segment.Phonemes
		}
	}

	return ""
}
