package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkLength is the largest chunk, in characters, handed to the
// speech engine in one call.
const DefaultMaxChunkLength = 500

// sentenceDelimiter is the sentence-terminator heuristic used for splitting.
const sentenceDelimiter = ". "

// ErrInvalidArgument is returned when the caller passes unusable input.
var ErrInvalidArgument = errors.New("invalid argument")

// Chunk is one bounded segment of the input text, synthesized independently.
type Chunk struct {
	// Index is the 1-based position of the chunk in the original text.
	Index int
	Text  string
}

// Len returns the chunk length in characters.
func (c Chunk) Len() int {
	return utf8.RuneCountInString(c.Text)
}

// Split splits text into sentence-aligned chunks of at most maxLength
// characters. Sentences are never split: a sentence longer than maxLength is
// emitted whole as its own chunk. Joining the chunk texts in order yields text.
func Split(text string, maxLength int) ([]Chunk, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("%w: max chunk length must be positive, got %d", ErrInvalidArgument, maxLength)
	}

	if text == "" {
		return []Chunk{}, nil
	}

	var (
		chunks        []Chunk
		current       strings.Builder
		currentLength int
	)

	flush := func() {
		chunks = append(chunks, Chunk{Index: len(chunks) + 1, Text: current.String()})
		current.Reset()

		currentLength = 0
	}

	for _, fragment := range splitSentences(text) {
		fragmentLength := utf8.RuneCountInString(fragment)
		if fragmentLength == 0 {
			continue
		}

		if currentLength > 0 && currentLength+fragmentLength > maxLength {
			flush()
		}

		current.WriteString(fragment)

		currentLength += fragmentLength
	}

	if currentLength > 0 {
		flush()
	}

	return chunks, nil
}

// splitSentences splits on the sentence delimiter and restores it on every
// fragment but the last.
func splitSentences(text string) []string {
	fragments := strings.Split(text, sentenceDelimiter)

	for i := range len(fragments) - 1 {
		fragments[i] += sentenceDelimiter
	}

	return fragments
}
