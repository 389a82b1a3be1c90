// Package library talks to an Audiobookshelf server: it uploads finished
// audiobooks and links them into a collection.
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/textlistens/internal/core"
	"github.com/book-expert/textlistens/internal/fileutil"
)

// API paths.
const (
	apiCollections     = "/api/collections"
	apiLibraries       = "/api/libraries"
	apiUpload          = "/api/upload"
	apiLibraryItemsFmt = "/api/libraries/%s/items"
	apiCollectionBook  = "/api/collections/%s/book"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Form field names.
const (
	formFieldAudioFile = "audioFile"
	formFieldTitle     = "title"
	formFieldLibrary   = "library"
	formFieldFolder    = "folder"
)

const (
	mediaTypeBook     = "book"
	uploadAccepted    = "OK"
	maxErrorBodyBytes = 4096
)

// Defaults.
const (
	DefaultSettleDelay    = time.Second
	DefaultPollInterval   = time.Second
	DefaultLookupAttempts = 1
	DefaultTimeout        = 300 * time.Second
)

// Error messages.
const (
	errFmtFailedToOpenFile     = "failed to open audio file: %w"
	errFmtFailedToCloseFile    = "failed to close audio file %s: %v"
	errFmtFailedToCreateForm   = "failed to create form file: %w"
	errFmtFailedToCopyFileData = "failed to copy file data: %w"
	errFmtFailedToWriteField   = "failed to write %s field: %w"
	errFmtFailedToCloseWriter  = "failed to close multipart writer: %w"
	errFmtFailedToCreateReq    = "failed to create request: %w"
	errFmtFailedToMakeRequest  = "failed to make request to %s: %w"
	errFmtFailedToDecode       = "failed to decode response from %s: %w"
	errFmtCloseRespBody        = "failed to close response body: %v"
)

// Collection is a named grouping of library items.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Folder is a storage folder of a library.
type Folder struct {
	ID       string `json:"id"`
	FullPath string `json:"fullPath"`
}

// Library is a top-level container of media on the server.
type Library struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MediaType string   `json:"mediaType"`
	Folders   []Folder `json:"folders"`
}

// Item is a library item as returned by the items listing.
type Item struct {
	ID string `json:"id"`
}

// Target is the library and folder an upload is placed into.
type Target struct {
	LibraryID string
	FolderID  string
}

type collectionsResponse struct {
	Collections []Collection `json:"collections"`
}

type librariesResponse struct {
	Libraries []Library `json:"libraries"`
}

type itemsResponse struct {
	Results []Item `json:"results"`
}

type addBookRequest struct {
	ID string `json:"id"`
}

// Recorder is notified about events that do not fail an upload.
type Recorder interface {
	LinkFailed()
}

// Client is an Audiobookshelf API client. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	log            *logger.Logger
	recorder       Recorder
	baseURL        string
	authToken      string
	settleDelay    time.Duration
	pollInterval   time.Duration
	lookupAttempts int
}

var _ core.LibraryUploader = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSettleDelay sets the wait between a successful upload and the first
// item lookup.
func WithSettleDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.settleDelay = delay
	}
}

// WithLookup sets how many times the newest item is queried after an upload
// and the pause between queries.
func WithLookup(attempts int, interval time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.lookupAttempts = attempts
		}

		c.pollInterval = interval
	}
}

// WithRecorder registers a Recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Client) {
		c.recorder = recorder
	}
}

// NewClient creates a client for the server at serverURL authenticating with
// authToken.
func NewClient(serverURL, authToken string, log *logger.Logger, opts ...Option) *Client {
	client := &Client{
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		log:            log,
		baseURL:        strings.TrimRight(serverURL, "/"),
		authToken:      authToken,
		settleDelay:    DefaultSettleDelay,
		pollInterval:   DefaultPollInterval,
		lookupAttempts: DefaultLookupAttempts,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ServerURL returns the normalized server URL.
func (c *Client) ServerURL() string {
	return c.baseURL
}

// Collections lists every collection on the server.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var resp collectionsResponse

	err := c.getJSON(ctx, apiCollections, nil, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Collections, nil
}

// FindCollection returns the collection whose name matches name
// case-insensitively.
func (c *Client) FindCollection(ctx context.Context, name string) (Collection, error) {
	collections, err := c.Collections(ctx)
	if err != nil {
		return Collection{}, err
	}

	available := make([]string, 0, len(collections))
	for _, collection := range collections {
		available = append(available, collection.Name)
	}

	c.log.Info("Available collections: %v", available)

	for _, collection := range collections {
		if strings.EqualFold(collection.Name, name) {
			return collection, nil
		}
	}

	return Collection{}, &CollectionNotFoundError{Name: name, Available: available}
}

// ResolveLibrary picks the first book library that has a folder, and its
// first folder.
func (c *Client) ResolveLibrary(ctx context.Context) (Target, error) {
	var resp librariesResponse

	err := c.getJSON(ctx, apiLibraries, nil, &resp)
	if err != nil {
		return Target{}, err
	}

	for _, library := range resp.Libraries {
		if library.MediaType == mediaTypeBook && len(library.Folders) > 0 {
			return Target{LibraryID: library.ID, FolderID: library.Folders[0].ID}, nil
		}
	}

	return Target{}, ErrNoSuitableLibrary
}

// UploadAndLink uploads audioPath as a new item titled title and adds the
// item to the named collection. It returns the new library item ID. A failed
// collection link is logged and does not fail the call.
func (c *Client) UploadAndLink(ctx context.Context, audioPath, title, collectionName string) (string, error) {
	c.log.Info("Looking for collection: %s", collectionName)

	collection, err := c.FindCollection(ctx, collectionName)
	if err != nil {
		c.log.Error("Upload error: %v", err)

		return "", err
	}

	target, err := c.ResolveLibrary(ctx)
	if err != nil {
		c.log.Error("Upload error: %v", err)

		return "", err
	}

	err = c.Upload(ctx, audioPath, title, target)
	if err != nil {
		c.log.Error("Upload error: %v", err)

		return "", err
	}

	c.log.Info("Initial upload successful, waiting for processing...")

	itemID, err := c.locateNewestItem(ctx, target.LibraryID)
	if err != nil {
		c.log.Error("Upload error: %v", err)

		return "", err
	}

	c.log.Info("Got library item ID: %s", itemID)

	err = c.AddToCollection(ctx, collection.ID, itemID)
	if err != nil {
		c.log.Warn("Failed to add to collection, but file was uploaded successfully: %v", err)

		if c.recorder != nil {
			c.recorder.LinkFailed()
		}

		return itemID, nil
	}

	c.log.Info("Successfully added to collection")

	return itemID, nil
}

// Upload streams the audio file as a multipart form to the upload endpoint.
// The server must answer with a body of exactly "OK".
func (c *Client) Upload(ctx context.Context, audioPath, title string, target Target) error {
	file, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf(errFmtFailedToOpenFile, err)
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			c.log.Warn(errFmtFailedToCloseFile, audioPath, closeErr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf(errFmtFailedToOpenFile, err)
	}

	c.log.Info("Uploading %s (%s)", filepath.Base(audioPath), fileutil.FormatFileSize(info.Size()))

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	formWritten := make(chan error, 1)

	go func() {
		formErr := writeUploadForm(writer, file, filepath.Base(audioPath), title, target)
		pipeWriter.CloseWithError(formErr)
		formWritten <- formErr
	}()

	respBody, err := c.sendForm(ctx, pipeReader, writer.FormDataContentType())

	// Unblocks the form writer when the request ended before reading it all.
	_ = pipeReader.Close()

	formErr := <-formWritten
	if err != nil {
		if formErr != nil && !errors.Is(formErr, io.ErrClosedPipe) {
			return formErr
		}

		return err
	}

	answer := strings.TrimSpace(string(respBody))
	if answer != uploadAccepted {
		return fmt.Errorf("%w: server answered %q", ErrUploadRejected, answer)
	}

	return nil
}

func (c *Client) sendForm(ctx context.Context, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiUpload, body)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToCreateReq, err)
	}

	req.Header.Set(headerContentType, contentType)

	return c.do(req, apiUpload)
}

// AddToCollection links a library item into a collection.
func (c *Client) AddToCollection(ctx context.Context, collectionID, itemID string) error {
	path := fmt.Sprintf(apiCollectionBook, url.PathEscape(collectionID))

	payload, err := json.Marshal(addBookRequest{ID: itemID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateReq, err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	_, err = c.do(req, path)

	return err
}

// NewestItems returns at most limit items of the library, newest first.
func (c *Client) NewestItems(ctx context.Context, libraryID string, limit int) ([]Item, error) {
	query := url.Values{}
	query.Set("sort", "addedAt")
	query.Set("desc", "1")
	query.Set("limit", fmt.Sprint(limit))

	var resp itemsResponse

	err := c.getJSON(ctx, fmt.Sprintf(apiLibraryItemsFmt, url.PathEscape(libraryID)), query, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// locateNewestItem waits for the server to register the upload and returns
// the newest item of the library. A concurrent upload to the same library can
// make this return the wrong item.
func (c *Client) locateNewestItem(ctx context.Context, libraryID string) (string, error) {
	err := sleep(ctx, c.settleDelay)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= c.lookupAttempts; attempt++ {
		c.log.Info("Fetching recently added items from library %s", libraryID)

		items, err := c.NewestItems(ctx, libraryID, 1)
		if err != nil {
			return "", err
		}

		if len(items) > 0 && items[0].ID != "" {
			return items[0].ID, nil
		}

		if attempt < c.lookupAttempts {
			err = sleep(ctx, c.pollInterval)
			if err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("%w: no item found in library %s after upload", ErrUploadFailed, libraryID)
}

// writeUploadForm writes the file part and the target fields, then closes
// the writer.
func writeUploadForm(writer *multipart.Writer, file io.Reader, fileName, title string, target Target) error {
	part, err := writer.CreateFormFile(formFieldAudioFile, fileName)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateForm, err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCopyFileData, err)
	}

	fields := []struct{ name, value string }{
		{formFieldTitle, title},
		{formFieldLibrary, target.LibraryID},
		{formFieldFolder, target.FolderID},
	}

	for _, field := range fields {
		err = writer.WriteField(field.name, field.value)
		if err != nil {
			return fmt.Errorf(errFmtFailedToWriteField, field.name, err)
		}
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf(errFmtFailedToCloseWriter, err)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateReq, err)
	}

	body, err := c.do(req, path)
	if err != nil {
		return err
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf(errFmtFailedToDecode, path, err)
	}

	return nil
}

// do sends an authenticated request and returns the response body of a 2xx
// answer.
func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	req.Header.Set(headerAuthorization, bearerPrefix+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToMakeRequest, path, err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			c.log.Warn(errFmtCloseRespBody, closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}

		return nil, &RemoteCallError{
			Method:     req.Method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("interrupted while waiting for the library: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Factory returns a core.UploaderFactory that builds clients sharing log and
// opts.
func Factory(log *logger.Logger, opts ...Option) core.UploaderFactory {
	return func(serverURL, authToken string) core.LibraryUploader {
		return NewClient(serverURL, authToken, log, opts...)
	}
}

// CheckConnection verifies that the server accepts the credentials and offers
// a library an upload could go to.
func CheckConnection(ctx context.Context, serverURL, authToken string, log *logger.Logger, opts ...Option) error {
	_, err := NewClient(serverURL, authToken, log, opts...).ResolveLibrary(ctx)

	return err
}
