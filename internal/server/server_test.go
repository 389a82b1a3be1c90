package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/metrics"
	"github.com/book-expert/textlistens/internal/pipeline"
	"github.com/book-expert/textlistens/internal/server"
	"github.com/book-expert/textlistens/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu       sync.Mutex
	requests []pipeline.Request
	err      error
}

func (f *fakeProcessor) Process(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	if f.err != nil {
		return nil, f.err
	}

	return &pipeline.Result{
		LibraryItemID: "li_99",
		ServerURL:     "http://shelf.local:13378",
		Chunks:        3,
		Synthesized:   2,
	}, nil
}

type fixture struct {
	mu        sync.Mutex
	server    *httptest.Server
	processor *fakeProcessor
	store     *settings.Store
	testerErr error
	tested    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.toml"), log)
	require.NoError(t, err)

	f := &fixture{processor: &fakeProcessor{}, store: store}

	tester := func(_ context.Context, serverURL, authToken string) error {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.tested = append(f.tested, serverURL+"|"+authToken)

		return f.testerErr
	}

	srv := server.New(f.processor, store, tester, log, server.Options{
		Version: "test",
		Metrics: metrics.New(),
		Readiness: map[string]server.HealthCheckFunc{
			"speech_engine": func(context.Context) error { return nil },
		},
	})

	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) testedConnections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.tested...)
}

func (f *fakeProcessor) seen() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]pipeline.Request(nil), f.requests...)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer resp.Body.Close()

	var payload T

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	return payload
}

func postConfig(t *testing.T, f *fixture, contentType, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(f.server.URL+"/config", contentType, strings.NewReader(body))
	require.NoError(t, err)

	return resp
}

func TestProcess_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.PostForm(f.server.URL+"/process", url.Values{
		"text":  {"Hello world. This is a test."},
		"title": {"Greeting"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[server.ProcessResponse](t, resp)
	assert.Equal(t, server.ProcessResponse{
		Success:       true,
		Message:       "Processing complete",
		LibraryItemID: "li_99",
		ServerURL:     "http://shelf.local:13378",
		Chunks:        3,
		Synthesized:   2,
	}, body)

	require.Len(t, f.processor.seen(), 1)
	assert.Equal(t, pipeline.Request{Text: "Hello world. This is a test.", Title: "Greeting"}, f.processor.seen()[0])
}

func TestProcess_PassesVoiceAndCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.PostForm(f.server.URL+"/process", url.Values{
		"text":       {"Hi."},
		"title":      {"T"},
		"voice":      {"bm_george"},
		"collection": {"Evening"},
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, f.processor.seen(), 1)
	assert.Equal(t, "bm_george", f.processor.seen()[0].Voice)
	assert.Equal(t, "Evening", f.processor.seen()[0].Collection)
}

func TestProcess_MissingFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, form := range []url.Values{
		{"title": {"Only title"}},
		{"text": {"Only text"}},
		{"text": {"  "}, "title": {"Blank text"}},
	} {
		resp, err := http.PostForm(f.server.URL+"/process", form)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Text and title are required", decode[server.ErrorResponse](t, resp).Error)
	}

	assert.Empty(t, f.processor.seen())
}

func TestProcess_PipelineFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.processor.err = fmt.Errorf("wrapped: %w", pipeline.ErrSynthesisProducedNoAudio)

	resp, err := http.PostForm(f.server.URL+"/process", url.Values{"text": {"x."}, "title": {"T"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decode[server.ErrorResponse](t, resp).Error, "synthesis produced no audio")
}

func TestConfig_GetReturnsCurrentSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.Replace(settings.Settings{ServerURL: "http://shelf", AuthToken: "tok"}))

	resp, err := http.Get(f.server.URL + "/config")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, map[string]string{
		"AUDIOBOOKSHELF_URL":   "http://shelf",
		"AUDIOBOOKSHELF_TOKEN": "tok",
	}, body)
}

func TestConfig_UpdateSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp := postConfig(t, f, "application/json; charset=utf-8",
		`{"AUDIOBOOKSHELF_URL":"http://new-shelf","AUDIOBOOKSHELF_TOKEN":"new-token"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Configuration updated and connection tested successfully",
		decode[server.MessageResponse](t, resp).Message)

	assert.Equal(t, settings.Settings{ServerURL: "http://new-shelf", AuthToken: "new-token"}, f.store.Current())
	assert.Equal(t, []string{"http://new-shelf|new-token"}, f.testedConnections())
}

func TestConfig_UpdateConnectionFailureKeepsSavedSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.testerErr = errors.New("connection refused")

	resp := postConfig(t, f, "application/json",
		`{"AUDIOBOOKSHELF_URL":"http://down","AUDIOBOOKSHELF_TOKEN":"t"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Configuration saved but connection test failed: connection refused",
		decode[server.ErrorResponse](t, resp).Error)
	assert.Equal(t, "http://down", f.store.Current().ServerURL)
}

func TestConfig_UpdateSavesBlankFieldsBeforeTesting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.testerErr = settings.ErrIncomplete

	resp := postConfig(t, f, "application/json",
		`{"AUDIOBOOKSHELF_URL":"http://x","AUDIOBOOKSHELF_TOKEN":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[server.ErrorResponse](t, resp).Error,
		"Configuration saved but connection test failed")

	assert.Equal(t, settings.Settings{ServerURL: "http://x"}, f.store.Current())
	assert.Equal(t, []string{"http://x|"}, f.testedConnections())
}

func TestConfig_UpdateRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
		wantError   string
	}{
		{name: "form content type", contentType: "application/x-www-form-urlencoded", body: "a=b", wantError: "Content-Type must be application/json"},
		{name: "malformed json", contentType: "application/json", body: "{", wantError: "No JSON data received"},
		{name: "missing token", contentType: "application/json", body: `{"AUDIOBOOKSHELF_URL":"http://x"}`, wantError: "Missing required fields"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			before := f.store.Current()

			resp := postConfig(t, f, testCase.contentType, testCase.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decode[server.ErrorResponse](t, resp).Error, testCase.wantError)
			assert.Equal(t, before, f.store.Current())
			assert.Empty(t, f.testedConnections())
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[server.HealthStatus](t, resp)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "textlistens", status.Service)
	assert.Equal(t, "test", status.Version)
	assert.NotEmpty(t, status.Timestamp)
}

func TestReady_ReportsUnhealthyDependency(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	srv := server.New(&fakeProcessor{}, nil, nil, log, server.Options{
		Readiness: map[string]server.HealthCheckFunc{
			"speech_engine": func(context.Context) error { return errors.New("engine offline") },
			"library":       func(context.Context) error { return nil },
		},
	})

	recorder := httptest.NewRecorder()
	srv.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var status server.HealthStatus

	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "unhealthy", status.Dependencies["speech_engine"].Status)
	assert.Equal(t, "engine offline", status.Dependencies["speech_engine"].Message)
	assert.Equal(t, "healthy", status.Dependencies["library"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.PostForm(f.server.URL+"/process", url.Values{"text": {"x."}, "title": {"T"}})
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `textlistens_requests_total{source="http",status="success"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/process")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
