package onedrive

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// RefreshMargin is how far ahead of expiry a cached token is replaced.
	RefreshMargin = 5 * time.Minute
	// AssumedValidity is the lifetime recorded for a fresh token. Graph
	// issues tokens for roughly an hour.
	AssumedValidity = 55 * time.Minute

	graphScope = "https://graph.microsoft.com/.default"
)

// Credentials identify the application against the Microsoft identity platform.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	AuthorityURL string
}

func (c Credentials) missing() []string {
	var out []string
	if strings.TrimSpace(c.TenantID) == "" {
		out = append(out, "tenant id")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		out = append(out, "client id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		out = append(out, "client secret")
	}
	return out
}

func (c Credentials) tokenURL() string {
	authority := strings.TrimRight(strings.TrimSpace(c.AuthorityURL), "/")
	if authority == "" {
		authority = "https://login.microsoftonline.com"
	}
	return authority + "/" + c.TenantID + "/oauth2/v2.0/token"
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache caches a client-credentials bearer token for Graph.
type TokenCache struct {
	creds      Credentials
	httpClient *http.Client

	// Clock is used for expiry checks.
	Clock func() time.Time

	mu    sync.Mutex
	entry *tokenEntry
}

// NewTokenCache creates an empty cache. httpClient may be nil.
func NewTokenCache(creds Credentials, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenCache{
		creds:      creds,
		httpClient: httpClient,
		Clock:      time.Now,
	}
}

// Token returns a bearer token valid for at least RefreshMargin, requesting
// a new one from the identity provider when needed.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if missing := c.creds.missing(); len(missing) > 0 {
		return "", &AuthConfigError{Missing: missing}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Clock()
	if c.entry != nil && c.entry.expiresAt.Sub(now) > RefreshMargin {
		return c.entry.token, nil
	}

	conf := clientcredentials.Config{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		TokenURL:     c.creds.tokenURL(),
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return "", &AuthRequestError{StatusCode: status, Code: re.ErrorCode, Description: re.ErrorDescription, Err: err}
		}
		return "", &AuthRequestError{Err: err}
	}

	c.entry = &tokenEntry{token: tok.AccessToken, expiresAt: now.Add(AssumedValidity)}
	return c.entry.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
