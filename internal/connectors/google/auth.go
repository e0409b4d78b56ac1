// Package google holds plumbing shared by Google API connectors: OAuth
// session management, rate limit handling, and pagination.
package google

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/gen-mind/EchoMind/internal/connectors/registry"
)

// DefaultTokenURL is Google's OAuth2 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// expiryMargin forces a refresh slightly before the token actually expires so
// requests in flight do not race the expiry.
const expiryMargin = 60 * time.Second

// Credentials are the stored OAuth2 client credentials and refresh token for
// one connector.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
}

// Session holds a refreshable access token. Safe for concurrent use.
type Session struct {
	provider string
	creds    Credentials
	tokenURL string
	now      func() time.Time

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

// NewSession builds a session for the given provider name. tokenURL may be
// empty to use the Google endpoint.
func NewSession(provider string, creds Credentials, tokenURL string) *Session {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Session{
		provider:    provider,
		creds:       creds,
		tokenURL:    tokenURL,
		now:         time.Now,
		accessToken: creds.AccessToken,
	}
}

// Authenticate ensures the session holds a usable access token, refreshing if
// the current one is missing or close to expiry.
func (s *Session) Authenticate(ctx context.Context) error {
	return s.EnsureValid(ctx)
}

// EnsureValid refreshes the access token when it is absent or within the
// expiry margin.
func (s *Session) EnsureValid(ctx context.Context) error {
	s.mu.Lock()
	valid := s.tokenValidLocked()
	s.mu.Unlock()
	if valid {
		return nil
	}
	return s.Refresh(ctx)
}

// Refresh exchanges the stored refresh token for a new access token.
func (s *Session) Refresh(ctx context.Context) error {
	if s.creds.RefreshToken == "" {
		return &registry.AuthenticationError{Provider: s.provider, Reason: "no refresh token configured"}
	}
	if s.creds.ClientID == "" || s.creds.ClientSecret == "" {
		return &registry.AuthenticationError{Provider: s.provider, Reason: "client credentials not configured"}
	}

	conf := &oauth2.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: s.creds.RefreshToken}).Token()
	if err != nil {
		return &registry.AuthenticationError{
			Provider: s.provider,
			Reason:   fmt.Sprintf("token refresh failed: %v", err),
		}
	}

	s.mu.Lock()
	s.accessToken = tok.AccessToken
	s.expiry = tok.Expiry
	s.mu.Unlock()
	return nil
}

// AuthHeader returns the Authorization header value for the current token.
func (s *Session) AuthHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "Bearer " + s.accessToken
}

// Valid reports whether the current token is outside the expiry margin.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenValidLocked()
}

// tokenValidLocked treats a token without a known expiry as valid until a
// request rejects it. Callers must hold mu.
func (s *Session) tokenValidLocked() bool {
	if s.accessToken == "" {
		return false
	}
	return s.expiry.IsZero() || s.now().Add(expiryMargin).Before(s.expiry)
}
