// Package google builds OAuth2-authorized HTTP clients for the Google
// Calendar and Gmail REST APIs.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// OAuth scopes used by the calendar and email capabilities.
const (
	ScopeCalendar      = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarRead  = "https://www.googleapis.com/auth/calendar.readonly"
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeGmailSend     = "https://www.googleapis.com/auth/gmail.send"
)

// Config locates Google credentials.
type Config struct {
	// CredentialsFile is either an OAuth client secret ("installed"/"web")
	// or a service account key.
	CredentialsFile string `yaml:"credentials_file"`

	// TokenFile holds a previously authorized user token. Required for
	// OAuth client secrets; ignored for service accounts.
	TokenFile string `yaml:"token_file"`

	// Subject is the user a service account impersonates through
	// domain-wide delegation.
	Subject string `yaml:"subject"`
}

// Enabled reports whether credentials are configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.CredentialsFile) != ""
}

// ErrTokenRequired is returned when OAuth client credentials have no token file.
var ErrTokenRequired = errors.New("google: token_file is required for oauth client credentials")

// NewHTTPClient returns an HTTP client that authorizes requests for scopes.
// Tokens are refreshed automatically by the oauth2 transport.
func NewHTTPClient(ctx context.Context, cfg Config, scopes ...string) (*http.Client, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("google: read credentials: %w", err)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("google: parse credentials: %w", err)
	}

	if probe.Type == "service_account" {
		jwtCfg, err := googleoauth.JWTConfigFromJSON(data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("google: service account: %w", err)
		}
		jwtCfg.Subject = cfg.Subject
		return jwtCfg.Client(ctx), nil
	}

	oauthCfg, err := googleoauth.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("google: oauth client: %w", err)
	}
	if cfg.TokenFile == "" {
		return nil, ErrTokenRequired
	}
	tok, err := readToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	return oauthCfg.Client(ctx, tok), nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("google: read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("google: parse token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("google: token file has neither access nor refresh token")
	}
	return &tok, nil
}

// APIError is a non-2xx response from a Google REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("google api: status %d", e.Status)
	}
	return fmt.Sprintf("google api: status %d: %s", e.Status, e.Message)
}

// DecodeError turns an error response into an *APIError.
func DecodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &APIError{Status: resp.StatusCode, Message: body.Error.Message}
}
