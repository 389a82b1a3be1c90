package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyInput is returned when there are no segments to concatenate.
var ErrEmptyInput = errors.New("no audio segments to concatenate")

// Segment is the synthesized audio of one text chunk, backed by a WAV file in
// the request workspace.
type Segment struct {
	// Index is the 1-based index of the source chunk.
	Index      int
	Path       string
	SampleRate int
	// Samples counts interleaved samples across all channels.
	Samples int
}

// Book is the final concatenated audio file.
type Book struct {
	Path       string
	SampleRate int
	Channels   int
	Samples    int
	Duration   time.Duration
}

// Concatenate joins the samples of segments, in the order given, into a single
// WAV file at outputPath. The output uses the encoding of the first segment;
// later segments are not resampled or checked for a matching sample rate.
func Concatenate(segments []Segment, outputPath string) (*Book, error) {
	if len(segments) == 0 {
		return nil, ErrEmptyInput
	}

	combined, err := ReadWAV(segments[0].Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", segments[0].Index, err)
	}

	for _, segment := range segments[1:] {
		waveform, readErr := ReadWAV(segment.Path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read segment %d: %w", segment.Index, readErr)
		}

		combined.Samples = append(combined.Samples, waveform.Samples...)
	}

	writeErr := WriteWAV(outputPath, combined)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write concatenated audio: %w", writeErr)
	}

	encoding := combined.Encoding

	return &Book{
		Path:       outputPath,
		SampleRate: encoding.SampleRate,
		Channels:   encoding.Channels,
		Samples:    len(combined.Samples),
		Duration:   time.Duration(combined.Frames()) * time.Second / time.Duration(encoding.SampleRate),
	}, nil
}
