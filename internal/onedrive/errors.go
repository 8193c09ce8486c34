package onedrive

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProcessedFolderNotConfigured is returned by MoveToProcessed when no
// archive folder id is set.
var ErrProcessedFolderNotConfigured = errors.New("processed folder not configured")

// AuthConfigError reports missing client credentials.
type AuthConfigError struct {
	Missing []string
}

func (e *AuthConfigError) Error() string {
	return fmt.Sprintf("onedrive auth not configured: missing %s", strings.Join(e.Missing, ", "))
}

// AuthRequestError reports a failed client-credentials exchange.
type AuthRequestError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *AuthRequestError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("token request failed: http %d %s: %s", e.StatusCode, e.Code, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("token request failed: http %d", e.StatusCode)
	default:
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
}

func (e *AuthRequestError) Unwrap() error { return e.Err }

// FolderNotFoundError is returned when the inbox folder id does not resolve.
type FolderNotFoundError struct {
	FolderID string
}

func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("onedrive folder %q not found", e.FolderID)
}

// DriveAPIError is any other non-2xx response from Graph.
type DriveAPIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *DriveAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("onedrive %s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("onedrive %s: http %d", e.Op, e.StatusCode)
}
