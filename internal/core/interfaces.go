// Package core defines the interfaces shared between the textlistens
// components.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// EngineStatus reports the state of the speech engine service.
type EngineStatus struct {
	Status        string `json:"status"`
	CUDAAvailable bool   `json:"cuda_available"`
}

// PhonemeSegment is one grapheme/phoneme pair produced by the engine for a
// piece of text.
type PhonemeSegment struct {
	Graphemes string `json:"graphemes"`
	Phonemes  string `json:"phonemes"`
}

// RenderRequest asks the engine to render phonemes to a waveform.
type RenderRequest struct {
	Phonemes string  `json:"phonemes"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
	Device   string  `json:"device"`
}

// SpeechEngine defines the interface of the external text-to-speech engine.
// Implementations must be safe for concurrent use.
type SpeechEngine interface {
	Health(ctx context.Context) (EngineStatus, error)
	Phonemize(ctx context.Context, text, voice, langCode string) ([]PhonemeSegment, error)
	// Render returns the synthesized audio as a WAV file.
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// LibraryUploader uploads a finished audio file to the media library and
// links it into a collection, returning the library item ID.
type LibraryUploader interface {
	UploadAndLink(ctx context.Context, audioPath, title, collectionName string) (string, error)
}

// UploaderFactory builds a LibraryUploader for a server URL and auth token.
type UploaderFactory func(serverURL, authToken string) LibraryUploader
