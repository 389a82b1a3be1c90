package tts

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
	"github.com/book-expert/textlistens/internal/tts/audio"
	"github.com/book-expert/textlistens/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errEngineDown = errors.New("engine down")

// fakeEngine is an in-memory core.SpeechEngine.
type fakeEngine struct {
	mu          sync.Mutex
	status      core.EngineStatus
	healthErr   error
	segments    []core.PhonemeSegment
	phonemeErr  error
	wav         []byte
	renderErr   error
	renders     []core.RenderRequest
	phonemizeLC []string
	healthCalls int
}

func (f *fakeEngine) Health(context.Context) (core.EngineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.healthCalls++

	return f.status, f.healthErr
}

func (f *fakeEngine) setHealth(status core.EngineStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.status = status
	f.healthErr = err
}

func (f *fakeEngine) healthCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.healthCalls
}

func (f *fakeEngine) Phonemize(_ context.Context, _, _, langCode string) ([]core.PhonemeSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.phonemizeLC = append(f.phonemizeLC, langCode)

	return f.segments, f.phonemeErr
}

func (f *fakeEngine) Render(_ context.Context, req core.RenderRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renders = append(f.renders, req)

	return f.wav, f.renderErr
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestModel_LoadAndDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cuda       bool
		preferGPU  bool
		wantDevice string
	}{
		{name: "gpu preferred and available", cuda: true, preferGPU: true, wantDevice: DeviceCUDA},
		{name: "gpu preferred but missing", cuda: false, preferGPU: true, wantDevice: DeviceCPU},
		{name: "cpu preferred", cuda: true, preferGPU: false, wantDevice: DeviceCPU},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			engine := &fakeEngine{status: core.EngineStatus{Status: "healthy", CUDAAvailable: testCase.cuda}}
			model := NewModel(engine, newTestLogger(t))

			require.NoError(t, model.Load(context.Background()))
			assert.Equal(t, testCase.wantDevice, model.Device(testCase.preferGPU))
		})
	}
}

func TestModel_LoadFailsWhenEngineUnavailable(t *testing.T) {
	t.Parallel()

	model := NewModel(&fakeEngine{healthErr: errEngineDown}, newTestLogger(t))

	err := model.Load(context.Background())
	require.ErrorIs(t, err, errEngineDown)
	assert.False(t, model.CUDAAvailable())
}

func TestModel_RecoversGPUAfterFailedStartup(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{healthErr: errEngineDown}
	model := NewModel(engine, newTestLogger(t))

	require.ErrorIs(t, model.Load(context.Background()), errEngineDown)
	assert.False(t, model.Loaded())

	synth := model.NewSynthesizer(context.Background(), testLangCode, true, t.TempDir())
	assert.Equal(t, DeviceCPU, synth.device)

	engine.setHealth(core.EngineStatus{Status: "healthy", CUDAAvailable: true}, nil)

	for range 3 {
		synth = model.NewSynthesizer(context.Background(), testLangCode, true, t.TempDir())
		assert.Equal(t, DeviceCUDA, synth.device)
	}

	assert.True(t, model.Loaded())
	assert.Equal(t, DeviceCUDA, model.Device(true))
	// startup, the failed retry and the first successful retry
	assert.Equal(t, 3, engine.healthCallCount())
}

func TestModel_CPURequestsDoNotProbe(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{healthErr: errEngineDown}
	model := NewModel(engine, newTestLogger(t))

	synth := model.NewSynthesizer(context.Background(), testLangCode, false, t.TempDir())
	assert.Equal(t, DeviceCPU, synth.device)
	assert.Zero(t, engine.healthCallCount())
}

func TestSynthesizer_WritesChunkFile(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		status: core.EngineStatus{Status: "healthy", CUDAAvailable: true},
		segments: []core.PhonemeSegment{
			{Graphemes: "", Phonemes: ""},
			{Graphemes: testHelloWorld, Phonemes: testPhonemes},
			{Graphemes: "ignored", Phonemes: "ɪɡnˈɔːɹd"},
		},
		wav: testWAV(t, 22050, []int{10, 20, 30, 40}),
	}
	model := NewModel(engine, newTestLogger(t))
	require.NoError(t, model.Load(context.Background()))

	workDir := t.TempDir()
	synth := model.NewSynthesizer(context.Background(), testLangCode, true, workDir)

	result := synth.Synthesize(context.Background(), text.Chunk{Index: 3, Text: testHelloWorld}, testVoice)
	require.Equal(t, OutcomeSynthesized, result.Outcome)
	require.NoError(t, result.Err)
	require.False(t, result.Skipped())
	require.NotNil(t, result.Segment)

	assert.Equal(t, filepath.Join(workDir, "chunk_0003.wav"), result.Segment.Path)
	assert.Equal(t, 4, result.Segment.Samples)

	written, err := audio.ReadWAV(result.Segment.Path)
	require.NoError(t, err)
	assert.Equal(t, audio.SampleRate, written.Encoding.SampleRate)
	assert.Equal(t, []int{10, 20, 30, 40}, written.Samples)

	require.Len(t, engine.renders, 1)
	assert.Equal(t, testPhonemes, engine.renders[0].Phonemes)
	assert.Equal(t, DeviceCUDA, engine.renders[0].Device)
	assert.Equal(t, []string{testLangCode}, engine.phonemizeLC)
}

func TestSynthesizer_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		engine      *fakeEngine
		wantOutcome Outcome
		wantRenders int
	}{
		{
			name:        "phonemize error",
			engine:      &fakeEngine{phonemeErr: errEngineDown},
			wantOutcome: OutcomeEngineError,
			wantRenders: 0,
		},
		{
			name:        "no phonemes",
			engine:      &fakeEngine{segments: []core.PhonemeSegment{{Graphemes: "..."}}},
			wantOutcome: OutcomeNoOutput,
			wantRenders: 0,
		},
		{
			name: "render error",
			engine: &fakeEngine{
				segments:  []core.PhonemeSegment{{Phonemes: testPhonemes}},
				renderErr: errEngineDown,
			},
			wantOutcome: OutcomeEngineError,
			wantRenders: 1,
		},
		{
			name: "undecodable audio",
			engine: &fakeEngine{
				segments: []core.PhonemeSegment{{Phonemes: testPhonemes}},
				wav:      []byte("garbage"),
			},
			wantOutcome: OutcomeEngineError,
			wantRenders: 1,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			workDir := t.TempDir()
			synth := NewModel(testCase.engine, newTestLogger(t)).NewSynthesizer(context.Background(), testLangCode, false, workDir)

			result := synth.Synthesize(context.Background(), text.Chunk{Index: 0, Text: testHelloWorld}, testVoice)
			assert.Equal(t, testCase.wantOutcome, result.Outcome)
			assert.True(t, result.Skipped())
			assert.Nil(t, result.Segment)
			require.Error(t, result.Err)
			assert.Len(t, testCase.engine.renders, testCase.wantRenders)

			files, err := filepath.Glob(filepath.Join(workDir, "*.wav"))
			require.NoError(t, err)
			assert.Empty(t, files)
		})
	}
}
