// Package audio provides the fixed output encoding, WAV file I/O and the
// concatenation of per-chunk audio into a single audiobook file.
package audio

import (
	"errors"
	"fmt"
)

// Output encoding used for every file this service writes.
const (
	SampleRate = 24000
	BitDepth   = 16
	Channels   = 1
)

// Constants for supported bit depths.
const (
	bitDepth8  = 8
	bitDepth16 = 16
	bitDepth24 = 24
	bitDepth32 = 32
)

// Constants for encoding validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
)

// pcmFormat is the WAVE format category for linear PCM.
const pcmFormat = 1

// Error formats.
const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
)

// ErrInvalidEncoding is returned when encoding parameters are out of range.
var ErrInvalidEncoding = errors.New("invalid encoding")

// Encoding describes the PCM layout of a WAV file.
type Encoding struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// DefaultEncoding returns the encoding used for synthesized chunks.
func DefaultEncoding() Encoding {
	return Encoding{
		SampleRate: SampleRate,
		BitDepth:   BitDepth,
		Channels:   Channels,
	}
}

// Validate checks if encoding settings are within reasonable bounds.
func (e Encoding) Validate() error {
	sampleRateErr := validateSampleRate(e.SampleRate)
	if sampleRateErr != nil {
		return sampleRateErr
	}

	bitDepthErr := validateBitDepth(e.BitDepth)
	if bitDepthErr != nil {
		return bitDepthErr
	}

	return validateChannels(e.Channels)
}

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidEncoding, maxSampleRate, sampleRate)
	}

	return nil
}

func validateBitDepth(bitDepth int) error {
	switch bitDepth {
	case bitDepth8, bitDepth16, bitDepth24, bitDepth32:
		return nil
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidEncoding, bitDepth)
	}
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidEncoding, maxChannels, channels)
	}

	return nil
}
