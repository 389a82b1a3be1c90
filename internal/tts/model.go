package tts

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
)

// Devices the engine can render on.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Model is the process-scoped handle on the speech engine. Create it once at
// startup and share it between requests; every call is an independent engine
// request, so Model is safe for concurrent use.
type Model struct {
	engine        core.SpeechEngine
	log           *logger.Logger
	cudaAvailable atomic.Bool
	loaded        atomic.Bool
}

// NewModel wraps engine in a Model.
func NewModel(engine core.SpeechEngine, log *logger.Logger) *Model {
	return &Model{
		engine: engine,
		log:    log,
	}
}

// Load probes the engine and records whether it can render on a GPU. It may
// be called again at any time to refresh the result.
func (m *Model) Load(ctx context.Context) error {
	status, err := m.engine.Health(ctx)
	if err != nil {
		return fmt.Errorf("speech engine is unavailable: %w", err)
	}

	m.cudaAvailable.Store(status.CUDAAvailable)
	m.loaded.Store(true)
	m.log.Info("Speech engine ready (status: %s, cuda available: %t)", status.Status, status.CUDAAvailable)

	return nil
}

// Loaded reports whether any Load has succeeded.
func (m *Model) Loaded() bool {
	return m.loaded.Load()
}

// CUDAAvailable reports whether the last Load found a GPU on the engine.
func (m *Model) CUDAAvailable() bool {
	return m.cudaAvailable.Load()
}

// Device selects the render device for a request.
func (m *Model) Device(preferGPU bool) string {
	if preferGPU && m.CUDAAvailable() {
		return DeviceCUDA
	}

	return DeviceCPU
}

// NewSynthesizer binds a synthesizer to a language code and a workspace
// directory for the lifetime of one request. Until a Load succeeds, a request
// that prefers the GPU probes the engine again first.
func (m *Model) NewSynthesizer(ctx context.Context, langCode string, preferGPU bool, workDir string) *Synthesizer {
	if preferGPU && !m.Loaded() {
		err := m.Load(ctx)
		if err != nil {
			m.log.Warn("Speech engine still not ready, rendering on CPU: %v", err)
		}
	}

	device := m.Device(preferGPU)
	if device == DeviceCUDA {
		m.log.Info("Using GPU for synthesis")
	} else {
		m.log.Info("Using CPU for synthesis")
	}

	return &Synthesizer{
		engine:   m.engine,
		log:      m.log,
		langCode: langCode,
		device:   device,
		workDir:  workDir,
	}
}
