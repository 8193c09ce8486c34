package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/mail-intake-service/internal/config"
)

type staticTokens struct {
	token       string
	invalidated int32
}

func (s *staticTokens) Token(ctx context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) Invalidate()                               { atomic.AddInt32(&s.invalidated, 1) }

type recordedError struct {
	endpoint string
	status   int
}

type fakeRecorder struct {
	errs []recordedError
}

func (f *fakeRecorder) RecordAPIError(endpoint string, statusCode int, detail string) {
	f.errs = append(f.errs, recordedError{endpoint, statusCode})
}

func newTestClient(t *testing.T, serverURL string, tokens TokenSource, rec ErrorRecorder) *Client {
	t.Helper()
	client, err := NewClient(Options{
		Config: config.OneDriveConfig{
			GraphURL:          serverURL,
			DriveID:           "drive-1",
			InboxFolderID:     "inbox-1",
			ProcessedFolderID: "processed-1",
		},
		Tokens:     tokens,
		Errors:     rec,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

const childrenPageOne = `{
  "value": [
    {"id": "b2", "name": "user4_02-12-2025_companieshouse.pdf", "createdDateTime": "2026-03-01T10:00:00Z", "size": 2048,
     "@microsoft.graph.downloadUrl": "https://download.example/b2", "file": {"mimeType": "application/pdf"}},
    {"id": "a1", "name": "notes.txt", "createdDateTime": "2026-03-01T10:00:00Z", "file": {"mimeType": "text/plain"}},
    {"id": "c3", "name": "Archive", "folder": {"childCount": 2}}
  ],
  "@odata.nextLink": "%s/drives/drive-1/items/inbox-1/children?$skiptoken=p2"
}`

const childrenPageTwo = `{
  "value": [
    {"id": "a0", "name": "scan-no-extension", "createdDateTime": "2026-03-02T08:30:00.123Z",
     "webUrl": "https://onedrive.example/a0", "file": {"mimeType": "application/pdf"}},
    {"id": "d4", "name": "INVOICE.PDF", "createdDateTime": "2026-03-02T08:30:00Z", "file": {"mimeType": "application/octet-stream"}}
  ]
}`

func TestClient_ListInboxFiles(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/drives/drive-1/items/inbox-1/children", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skiptoken") == "p2" {
			_, _ = w.Write([]byte(childrenPageTwo))
			return
		}
		fmt.Fprintf(w, childrenPageOne, server.URL)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, nil)
	files, err := client.ListInboxFiles(context.Background())
	require.NoError(t, err)

	require.Len(t, files, 3)
	assert.Equal(t, []string{"a0", "b2", "d4"}, []string{files[0].ID, files[1].ID, files[2].ID})

	assert.Equal(t, "scan-no-extension", files[0].Name)
	require.NotNil(t, files[0].DownloadRef)
	assert.Equal(t, "https://onedrive.example/a0", *files[0].DownloadRef)

	assert.Equal(t, "user4_02-12-2025_companieshouse.pdf", files[1].Name)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), files[1].CreatedAt)
	require.NotNil(t, files[1].SizeBytes)
	assert.Equal(t, int64(2048), *files[1].SizeBytes)
	assert.Equal(t, "https://download.example/b2", *files[1].DownloadRef)

	again, err := client.ListInboxFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, files, again)
}

func TestClient_ListInboxFiles_UserDrive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/mail@example.com/drive/items/inbox-1/children", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": []}`))
	}))
	defer server.Close()

	client, err := NewClient(Options{
		Config: config.OneDriveConfig{
			GraphURL:          server.URL,
			UserPrincipalName: "mail@example.com",
			InboxFolderID:     "inbox-1",
		},
		Tokens: &staticTokens{token: "tok"},
	})
	require.NoError(t, err)

	files, err := client.ListInboxFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClient_ListInboxFiles_FolderNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`))
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, rec)
	files, err := client.ListInboxFiles(context.Background())

	assert.Nil(t, files)
	var notFound *FolderNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "inbox-1", notFound.FolderID)
	assert.Equal(t, []recordedError{{"graph:list", 404}}, rec.errs)
}

func TestClient_ListInboxFiles_RetriesTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": [{"id": "x", "name": "user1_01-01-2026_bank.pdf"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, nil)
	files, err := client.ListInboxFiles(context.Background())

	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ListInboxFiles_ExceedsRetryLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"generalException","message":"boom"}}`))
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, rec)
	_, err := client.ListInboxFiles(context.Background())

	var apiErr *DriveAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "generalException", apiErr.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []recordedError{{"graph:list", 500}}, rec.errs)
}

func TestClient_ReauthenticatesOnUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": []}`))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "tok"}
	client := newTestClient(t, server.URL, tokens, nil)
	_, err := client.ListInboxFiles(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.invalidated))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_ListInboxFiles_AuthConfigError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	client, err := NewClient(Options{
		Config: config.OneDriveConfig{GraphURL: server.URL, DriveID: "d", InboxFolderID: "i"},
		Errors: rec,
	})
	require.NoError(t, err)

	_, err = client.ListInboxFiles(context.Background())
	var cfgErr *AuthConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Empty(t, rec.errs)
}

type rejectingTokens struct{}

func (rejectingTokens) Token(ctx context.Context) (string, error) {
	return "", &AuthRequestError{StatusCode: http.StatusUnauthorized, Code: "invalid_client"}
}
func (rejectingTokens) Invalidate() {}

func TestClient_ListInboxFiles_AuthRequestErrorCounted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer server.Close()

	rec := &fakeRecorder{}
	client := newTestClient(t, server.URL, rejectingTokens{}, rec)
	_, err := client.ListInboxFiles(context.Background())

	var reqErr *AuthRequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, []recordedError{{"token", http.StatusUnauthorized}}, rec.errs)
}

func TestClient_ListInboxFiles_HonorsRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, nil)
	start := time.Now()
	_, err := client.ListInboxFiles(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), retryAfter(h))

	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, retryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Equal(t, time.Duration(0), retryAfter(h))

	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.Greater(t, retryAfter(h), 59*time.Minute)
}

func TestClient_PacesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "name": "user1_01-01-2026_bank.pdf"}`))
	}))
	defer server.Close()

	client, err := NewClient(Options{
		Config:            config.OneDriveConfig{GraphURL: server.URL, DriveID: "drive-1", InboxFolderID: "inbox-1"},
		Tokens:            &staticTokens{token: "tok"},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		RequestsPerSecond: 2,
	})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.GetFile(context.Background(), "x")
		require.NoError(t, err)
	}
	// burst of 2, the third call waits for a token
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestClient_MoveToProcessed(t *testing.T) {
	var patched int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/drive-1/items/file-9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPatch:
			atomic.AddInt32(&patched, 1)
			var body struct {
				ParentReference struct {
					ID string `json:"id"`
				} `json:"parentReference"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "processed-1", body.ParentReference.ID)
			_, _ = w.Write([]byte(`{"id": "file-9", "name": "user4_02-12-2025_bank.pdf"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"id": "file-9", "name": "user4_02-12-2025_bank.pdf", "webUrl": "https://onedrive.example/processed/file-9"}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &staticTokens{token: "tok"}, nil)
	file, err := client.MoveToProcessed(context.Background(), "file-9")

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&patched))
	require.NotNil(t, file.DownloadRef)
	assert.Equal(t, "https://onedrive.example/processed/file-9", *file.DownloadRef)
}

func TestClient_MoveToProcessed_NotConfigured(t *testing.T) {
	client, err := NewClient(Options{
		Config: config.OneDriveConfig{DriveID: "d", InboxFolderID: "i"},
		Tokens: &staticTokens{token: "tok"},
	})
	require.NoError(t, err)

	_, err = client.MoveToProcessed(context.Background(), "file-9")
	assert.ErrorIs(t, err, ErrProcessedFolderNotConfigured)
}

func TestNewClient_RequiresDriveSelection(t *testing.T) {
	_, err := NewClient(Options{Config: config.OneDriveConfig{InboxFolderID: "i"}})
	assert.Error(t, err)
}
