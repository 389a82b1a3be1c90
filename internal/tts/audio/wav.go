package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const filePermissions = 0o600

// ErrInvalidWAV is returned when data is not a readable PCM WAV stream.
var ErrInvalidWAV = errors.New("invalid wav data")

// Waveform is a decoded PCM buffer with its encoding.
type Waveform struct {
	Encoding Encoding
	// Samples holds interleaved samples for all channels.
	Samples []int
}

// Frames returns the number of sample frames (samples per channel).
func (w *Waveform) Frames() int {
	if w.Encoding.Channels <= 0 {
		return 0
	}

	return len(w.Samples) / w.Encoding.Channels
}

// DecodeWAV decodes a complete WAV stream.
func DecodeWAV(reader io.ReadSeeker) (*Waveform, error) {
	decoder := wav.NewDecoder(reader)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	return &Waveform{
		Encoding: Encoding{
			SampleRate: int(decoder.SampleRate),
			BitDepth:   int(decoder.BitDepth),
			Channels:   int(decoder.NumChans),
		},
		Samples: buffer.Data,
	}, nil
}

// DecodeWAVBytes decodes an in-memory WAV file.
func DecodeWAVBytes(data []byte) (*Waveform, error) {
	return DecodeWAV(bytes.NewReader(data))
}

// ReadWAV decodes the WAV file at path.
func ReadWAV(path string) (*Waveform, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file %s: %w", path, err)
	}

	defer file.Close()

	waveform, err := DecodeWAV(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav file %s: %w", path, err)
	}

	return waveform, nil
}

// WriteWAV encodes waveform as a PCM WAV file at path, replacing any existing
// file.
func WriteWAV(path string, waveform *Waveform) error {
	validateErr := waveform.Encoding.Validate()
	if validateErr != nil {
		return validateErr
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create wav file %s: %w", path, err)
	}

	encoding := waveform.Encoding
	encoder := wav.NewEncoder(file, encoding.SampleRate, encoding.BitDepth, encoding.Channels, pcmFormat)

	writeErr := encoder.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: encoding.Channels,
			SampleRate:  encoding.SampleRate,
		},
		Data:           waveform.Samples,
		SourceBitDepth: encoding.BitDepth,
	})

	encoderCloseErr := encoder.Close()
	fileCloseErr := file.Close()

	switch {
	case writeErr != nil:
		return fmt.Errorf("failed to write samples to %s: %w", path, writeErr)
	case encoderCloseErr != nil:
		return fmt.Errorf("failed to finalize wav header for %s: %w", path, encoderCloseErr)
	case fileCloseErr != nil:
		return fmt.Errorf("failed to close wav file %s: %w", path, fileCloseErr)
	}

	return nil
}
