package library

import (
	"errors"
	"fmt"
	"strings"
)

// Static errors returned by the library client.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrNoSuitableLibrary  = errors.New("no suitable audiobook library found")
	ErrUploadRejected     = errors.New("upload rejected")
	ErrUploadFailed       = errors.New("upload failed")
	ErrRemoteCallFailed   = errors.New("remote call failed")
)

// CollectionNotFoundError reports a collection lookup miss together with the
// names that do exist on the server.
type CollectionNotFoundError struct {
	Name      string
	Available []string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection '%s' not found. Available collections: [%s]",
		e.Name, strings.Join(e.Available, ", "))
}

// Is matches ErrCollectionNotFound.
func (e *CollectionNotFoundError) Is(target error) bool {
	return target == ErrCollectionNotFound
}

// RemoteCallError describes a non-2xx answer from the library server.
type RemoteCallError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is matches ErrRemoteCallFailed.
func (e *RemoteCallError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}
