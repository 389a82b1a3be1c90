// Package server exposes the audiobook pipeline and the library settings over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/metrics"
	"github.com/book-expert/textlistens/internal/pipeline"
	"github.com/book-expert/textlistens/internal/settings"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "textlistens"

const (
	contentTypeJSON  = "application/json"
	maxFormBytes     = 32 << 20
	maxConfigBytes   = 64 << 10
	readinessTimeout = 5 * time.Second
	readTimeout      = 30 * time.Second
	idleTimeout      = 60 * time.Second
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Form fields of /process.
const (
	formText       = "text"
	formTitle      = "title"
	formVoice      = "voice"
	formCollection = "collection"
)

// Response messages.
const (
	msgProcessingComplete  = "Processing complete"
	msgConfigUpdated       = "Configuration updated and connection tested successfully"
	errTextAndTitle        = "Text and title are required"
	errJSONContentType     = "Content-Type must be application/json"
	errNoJSONData          = "No JSON data received"
	errMissingFields       = "Missing required fields"
	errFmtConnectionFailed = "Configuration saved but connection test failed: %v"
)

// Processor runs one audiobook request.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// SettingsStore holds the replaceable library settings.
type SettingsStore interface {
	Current() settings.Settings
	Replace(next settings.Settings) error
}

// ConnectionTester checks that the library server accepts the credentials.
type ConnectionTester func(ctx context.Context, serverURL, authToken string) error

// HealthCheckFunc reports whether a dependency is usable.
type HealthCheckFunc func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	Version string
	// Metrics is served at /metrics when set.
	Metrics *metrics.Metrics
	// Readiness lists the dependencies probed by /ready, by name.
	Readiness map[string]HealthCheckFunc
}

// Server holds the HTTP handlers.
type Server struct {
	processor Processor
	store     SettingsStore
	tester    ConnectionTester
	log       *logger.Logger
	opts      Options
}

// ProcessResponse is the body of a successful /process call.
type ProcessResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	LibraryItemID string `json:"library_item_id"`
	ServerURL     string `json:"server_url"`
	Chunks        int    `json:"chunks"`
	Synthesized   int    `json:"synthesized"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is the body of a successful /config update.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthStatus represents the health status of the service.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version,omitempty"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency.
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type configRequest struct {
	ServerURL *string `json:"AUDIOBOOKSHELF_URL"`
	AuthToken *string `json:"AUDIOBOOKSHELF_TOKEN"`
}

// New creates a Server.
func New(
	processor Processor,
	store SettingsStore,
	tester ConnectionTester,
	log *logger.Logger,
	opts Options,
) *Server {
	return &Server{
		processor: processor,
		store:     store,
		tester:    tester,
		log:       log,
		opts:      opts,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handleUpdateConfig)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	return s.logRequests(mux)
}

// HTTPServer wraps Handler in an http.Server. requestTimeout bounds the
// time to write a response, which covers a whole synthesis run.
func (s *Server) HTTPServer(addr string, requestTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       idleTimeout,
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	req := pipeline.Request{
		Text:       r.FormValue(formText),
		Title:      r.FormValue(formTitle),
		Voice:      r.FormValue(formVoice),
		Collection: r.FormValue(formCollection),
	}

	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errTextAndTitle)

		return
	}

	done := s.opts.Metrics.RequestStarted(metrics.SourceHTTP)
	result, err := s.processor.Process(r.Context(), req)
	done(err)

	if err != nil {
		s.log.Error("Error: %v", err)

		if errors.Is(err, pipeline.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, errTextAndTitle)

			return
		}

		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{
		Success:       true,
		Message:       msgProcessingComplete,
		LibraryItemID: result.LibraryItemID,
		ServerURL:     result.ServerURL,
		Chunks:        result.Chunks,
		Synthesized:   result.Synthesized,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	s.log.Info("Received config update request with content type: %s", r.Header.Get("Content-Type"))

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != contentTypeJSON {
		writeError(w, http.StatusBadRequest, errJSONContentType)

		return
	}

	var body configRequest

	err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBytes)).Decode(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errNoJSONData)

		return
	}

	if body.ServerURL == nil || body.AuthToken == nil {
		s.log.Error("Missing required configuration fields")
		writeError(w, http.StatusBadRequest, errMissingFields)

		return
	}

	next := settings.Settings{ServerURL: *body.ServerURL, AuthToken: *body.AuthToken}

	err = s.store.Replace(next)
	if err != nil {
		s.log.Error("Error updating configuration: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	s.log.Info("Configuration saved to file")

	current := s.store.Current()

	err = s.tester(r.Context(), current.ServerURL, current.AuthToken)
	if err != nil {
		s.log.Error("Configuration test failed: %v", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf(errFmtConnectionFailed, err))

		return
	}

	s.log.Info("Configuration test successful")
	writeJSON(w, http.StatusOK, MessageResponse{Message: msgConfigUpdated})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.healthStatus())
}

// handleReady probes every dependency concurrently.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := s.healthStatus()
	status.Dependencies = make(map[string]DependencyStatus, len(s.opts.Readiness))

	var (
		mu        sync.Mutex
		waitGroup sync.WaitGroup
	)

	for name, check := range s.opts.Readiness {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			dependency := probe(ctx, check)

			mu.Lock()
			status.Dependencies[name] = dependency
			mu.Unlock()
		}()
	}

	waitGroup.Wait()

	code := http.StatusOK

	for _, dependency := range status.Dependencies {
		if dependency.Status != statusHealthy {
			status.Status = statusUnhealthy
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, status)
}

func (s *Server) healthStatus() HealthStatus {
	return HealthStatus{
		Status:    statusHealthy,
		Service:   ServiceName,
		Version:   s.opts.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func probe(ctx context.Context, check HealthCheckFunc) DependencyStatus {
	start := time.Now()
	err := check(ctx)
	dependency := DependencyStatus{
		Status:    statusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		dependency.Status = statusUnhealthy
		dependency.Message = err.Error()
	}

	return dependency
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.log.Info("%s %s %d %s", r.Method, r.URL.Path, recorder.status, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
