// Package tts drives the external text-to-speech engine.
//
// The engine runs as a standalone HTTP service that owns the acoustic model;
// this package keeps a process-scoped handle to it (Model) and turns text
// chunks into per-chunk WAV files (Synthesizer).
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/textlistens/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiPhonemize      = "/v1/phonemize"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errTextCannotBeEmpty       = "text cannot be empty"
	errPhonemesCannotBeEmpty   = "phonemes cannot be empty"
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errReceivedEmptyAudio      = "received empty audio data"
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
)

// HTTPClient represents a client for the standalone TTS HTTP service.
// It is safe for concurrent use.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ core.SpeechEngine = (*HTTPClient)(nil)

// PhonemizeRequest is the JSON payload of a phonemize call.
type PhonemizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	LangCode string `json:"lang_code"`
}

// PhonemizeResponse lists the phoneme segments for the submitted text.
type PhonemizeResponse struct {
	Segments []core.PhonemeSegment `json:"segments"`
}

// TTSErrorResponse represents a structured error response from the TTS service.
type TTSErrorResponse struct {
	// Detail contains a human-readable error description.
	Detail string `json:"detail"`

	// ErrorCode provides a machine-readable error classification.
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates and configures an HTTP client for the TTS service.
// The baseURL should include the protocol and port (e.g., "http://localhost:8880").
// The timeout applies to all HTTP requests made by this client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Health verifies that the TTS service is running and reports whether it can
// use a GPU.
func (c *HTTPClient) Health(ctx context.Context) (core.EngineStatus, error) {
	var status core.EngineStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return status, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return status, fmt.Errorf("failed to read health response: %w", err)
	}

	err = json.Unmarshal(body, &status)
	if err != nil {
		return status, fmt.Errorf("failed to parse health response: %w", err)
	}

	return status, nil
}

// Phonemize converts text into phoneme segments for the given voice and
// language code.
func (c *HTTPClient) Phonemize(
	ctx context.Context,
	text, voice, langCode string,
) ([]core.PhonemeSegment, error) {
	if text == "" {
		return nil, errors.New(errTextCannotBeEmpty)
	}

	resp, err := c.postJSON(ctx, apiPhonemize, contentTypeJSON, PhonemizeRequest{
		Text:     text,
		Voice:    voice,
		LangCode: langCode,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read phonemize response: %w", err)
	}

	var phonemized PhonemizeResponse

	err = json.Unmarshal(body, &phonemized)
	if err != nil {
		return nil, fmt.Errorf("failed to parse phonemize response: %w", err)
	}

	return phonemized.Segments, nil
}

// Render sends phonemes to the service and returns the raw WAV data.
func (c *HTTPClient) Render(ctx context.Context, req core.RenderRequest) ([]byte, error) {
	if req.Phonemes == "" {
		return nil, errors.New(errPhonemesCannotBeEmpty)
	}

	resp, err := c.postJSON(ctx, apiGenerateSpeech, contentTypeWAV, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf(errUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, errors.New(errReceivedEmptyAudio)
	}

	return audioData, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path, accept string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}

	return resp, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the service.
// If structured parsing fails, it falls back to returning the raw response body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp TTSErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
