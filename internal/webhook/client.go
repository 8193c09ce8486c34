package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SecretHeader carries the shared secret the backend checks.
const SecretHeader = "x-mail-import-secret"

// Payload is the attributed file handed to the backend import endpoint.
type Payload struct {
	UserID              int     `json:"userId"`
	SourceSlug          string  `json:"sourceSlug"`
	FileName            string  `json:"fileName"`
	OneDriveFileID      string  `json:"oneDriveFileId"`
	OneDriveDownloadURL *string `json:"oneDriveDownloadUrl"`
	CreatedAt           string  `json:"createdAt"`
}

// Result is the backend's answer to a delivery.
type Result struct {
	OK         bool
	MailID     string
	StatusCode int
	Error      string
}

type response struct {
	OK   bool `json:"ok"`
	Data *struct {
		MailID string `json:"mailId"`
	} `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client posts payloads to the import webhook.
type Client struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a webhook client. httpClient may be nil.
func NewClient(url, secret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, secret: secret, httpClient: httpClient, logger: logger}
}

// Deliver sends one payload. The error is non-nil only when no HTTP
// response was obtained; rejections are reported through Result.
func (c *Client) Deliver(ctx context.Context, p Payload) (Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	correlationID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to deliver %s: %w", p.FileName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	res := Result{StatusCode: resp.StatusCode}
	var decoded response
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Error = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		if decodeErr == nil && decoded.Error != "" {
			res.Error = fmt.Sprintf("%s: %s", res.Error, decoded.Error)
		}
		return res, nil
	}
	if decodeErr != nil {
		res.Error = fmt.Sprintf("failed to unmarshal response: %v", decodeErr)
		return res, nil
	}
	if !decoded.OK {
		res.Error = decoded.Error
		if res.Error == "" {
			res.Error = "webhook responded ok:false"
		}
		return res, nil
	}

	res.OK = true
	if decoded.Data != nil {
		res.MailID = decoded.Data.MailID
	}
	c.logger.Debug("webhook delivered", "file", p.FileName, "correlation_id", correlationID, "mail_id", res.MailID)
	return res, nil
}
