// Package onedrive lists and archives scanned mail in a OneDrive folder
// through Microsoft Graph, authenticating with the client-credentials flow.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

const pdfMimeType = "application/pdf"

// TokenSource supplies bearer tokens. *TokenCache satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ErrorRecorder receives failed upstream calls. *metrics.Collector satisfies it.
type ErrorRecorder interface {
	RecordAPIError(endpoint string, statusCode int, detail string)
}

// Options configures a Client.
type Options struct {
	Config     config.OneDriveConfig
	HTTPClient *http.Client
	Tokens     TokenSource // defaults to a TokenCache built from Config
	Errors     ErrorRecorder
	Logger     *slog.Logger
	RetryCount int           // list attempts on transient failures
	RetryDelay time.Duration // backoff unit between list attempts

	// RequestsPerSecond paces Graph calls. Zero means unlimited.
	RequestsPerSecond float64
}

// Client talks to a single drive.
type Client struct {
	graphURL   string
	driveRoot  string
	inbox      string
	processed  string
	httpClient *http.Client
	tokens     TokenSource
	recorder   ErrorRecorder
	logger     *slog.Logger
	retryCount int
	retryDelay time.Duration
	limiter    *rate.Limiter
}

// NewClient creates a drive client
func NewClient(opts Options) (*Client, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenCache(Credentials{
			TenantID:     opts.Config.TenantID,
			ClientID:     opts.Config.ClientID,
			ClientSecret: opts.Config.ClientSecret,
			AuthorityURL: opts.Config.AuthorityURL,
		}, httpClient)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCount := opts.RetryCount
	if retryCount <= 0 {
		retryCount = 1
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	graphURL := strings.TrimRight(strings.TrimSpace(opts.Config.GraphURL), "/")
	if graphURL == "" {
		graphURL = "https://graph.microsoft.com/v1.0"
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	driveRoot := "users/" + url.PathEscape(opts.Config.UserPrincipalName) + "/drive"
	if opts.Config.DriveID != "" {
		driveRoot = "drives/" + url.PathEscape(opts.Config.DriveID)
	}

	return &Client{
		graphURL:   graphURL,
		driveRoot:  driveRoot,
		inbox:      opts.Config.InboxFolderID,
		processed:  opts.Config.ProcessedFolderID,
		httpClient: httpClient,
		tokens:     tokens,
		recorder:   opts.Errors,
		logger:     logger,
		retryCount: retryCount,
		retryDelay: retryDelay,
		limiter:    limiter,
	}, nil
}

type driveItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	CreatedDateTime string `json:"createdDateTime"`
	Size            *int64 `json:"size"`
	WebURL          string `json:"webUrl"`
	DownloadURL     string `json:"@microsoft.graph.downloadUrl"`
	File            *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListInboxFiles returns the PDFs in the inbox folder ordered by id.
func (c *Client) ListInboxFiles(ctx context.Context) ([]models.DriveFile, error) {
	next := fmt.Sprintf("%s/%s/items/%s/children?$top=200", c.graphURL, c.driveRoot, url.PathEscape(c.inbox))
	var files []models.DriveFile
	for next != "" {
		var page childrenPage
		status, err := c.do(ctx, "graph:list", http.MethodGet, next, nil, &page, c.retryCount)
		if err != nil {
			if status == http.StatusNotFound {
				return nil, &FolderNotFoundError{FolderID: c.inbox}
			}
			return nil, err
		}
		for _, item := range page.Value {
			if isPDF(item) {
				files = append(files, item.toDriveFile(c.logger))
			}
		}
		next = page.NextLink
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// GetFile fetches the current metadata of a single item.
func (c *Client) GetFile(ctx context.Context, fileID string) (models.DriveFile, error) {
	var item driveItem
	u := fmt.Sprintf("%s/%s/items/%s", c.graphURL, c.driveRoot, url.PathEscape(fileID))
	if _, err := c.do(ctx, "graph:get", http.MethodGet, u, nil, &item, 1); err != nil {
		return models.DriveFile{}, err
	}
	return item.toDriveFile(c.logger), nil
}

// MoveToProcessed moves a file into the processed folder and returns its
// metadata as re-read after the move.
func (c *Client) MoveToProcessed(ctx context.Context, fileID string) (models.DriveFile, error) {
	if c.processed == "" {
		return models.DriveFile{}, ErrProcessedFolderNotConfigured
	}
	body := map[string]any{
		"parentReference": map[string]string{"id": c.processed},
	}
	u := fmt.Sprintf("%s/%s/items/%s", c.graphURL, c.driveRoot, url.PathEscape(fileID))
	if _, err := c.do(ctx, "graph:move", http.MethodPatch, u, body, nil, 1); err != nil {
		return models.DriveFile{}, err
	}
	// the PATCH response may carry a stale webUrl
	return c.GetFile(ctx, fileID)
}

// do performs an authenticated Graph request. It returns the last HTTP
// status seen (0 when no response arrived) alongside any error.
func (c *Client) do(ctx context.Context, op, method, requestURL string, body, out any, attempts int) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	reauthed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			// only identity provider rejections count as API errors
			var reqErr *AuthRequestError
			if errors.As(err, &reqErr) {
				c.recordError("token", reqErr.StatusCode, err.Error())
			}
			return 0, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("client-request-id", uuid.NewString())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt+1 < attempts && ctx.Err() == nil {
				c.logger.Warn("graph request failed, retrying", "op", op, "attempt", attempt+1, "error", err)
				if waitErr := c.wait(ctx, attempt, 0); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			c.recordError(op, 0, err.Error())
			return 0, fmt.Errorf("onedrive %s: %w", op, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("failed to read %s response: %w", op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return resp.StatusCode, nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", op, err)
			}
			return resp.StatusCode, nil
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			reauthed = true
			c.tokens.Invalidate()
			attempt--
			continue
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt+1 < attempts {
			c.logger.Warn("graph request throttled or failed, retrying", "op", op, "attempt", attempt+1, "status", resp.StatusCode)
			if waitErr := c.wait(ctx, attempt, retryAfter(resp.Header)); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		apiErr := &DriveAPIError{Op: op, StatusCode: resp.StatusCode}
		var errPayload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(payload, &errPayload) == nil {
			apiErr.Code = errPayload.Error.Code
			apiErr.Message = errPayload.Error.Message
		}
		c.recordError(op, resp.StatusCode, apiErr.Error())
		return resp.StatusCode, apiErr
	}
}

// wait backs off linearly, or for at least minDelay when the server asked for it.
func (c *Client) wait(ctx context.Context, attempt int, minDelay time.Duration) error {
	delay := time.Duration(attempt+1) * c.retryDelay
	if minDelay > delay {
		delay = minDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) recordError(endpoint string, status int, detail string) {
	if c.recorder != nil {
		c.recorder.RecordAPIError(endpoint, status, detail)
	}
}


func isPDF(item driveItem) bool {
	if item.Folder != nil {
		return false
	}
	if strings.HasSuffix(strings.ToLower(item.Name), ".pdf") {
		return true
	}
	return item.File != nil && strings.EqualFold(item.File.MimeType, pdfMimeType)
}

func (item driveItem) toDriveFile(logger *slog.Logger) models.DriveFile {
	f := models.DriveFile{
		ID:        item.ID,
		Name:      item.Name,
		SizeBytes: item.Size,
	}
	if item.File != nil {
		f.MimeType = item.File.MimeType
	}
	switch {
	case item.DownloadURL != "":
		ref := item.DownloadURL
		f.DownloadRef = &ref
	case item.WebURL != "":
		ref := item.WebURL
		f.DownloadRef = &ref
	}
	if item.CreatedDateTime != "" {
		created, err := time.Parse(time.RFC3339, item.CreatedDateTime)
		if err != nil {
			logger.Warn("failed to parse createdDateTime, using zero time", "file_id", item.ID, "input", item.CreatedDateTime, "error", err)
		} else {
			f.CreatedAt = created.UTC()
		}
	}
	return f
}
