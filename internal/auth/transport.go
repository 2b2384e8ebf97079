package auth

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/queue-companion/internal/apperror"
)

// TokenSource is the mutable head of the authenticated request pipeline.
//
// It implements oauth2.TokenSource, so wrapping an http.Client's transport in
// an oauth2.Transport makes every request carry "Authorization: Bearer <t>".
// "Arming" the pipeline means handing it a token; once disarmed, requests
// fail before leaving the process with an AuthFault.
type TokenSource struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

func NewTokenSource() *TokenSource {
	return &TokenSource{now: time.Now}
}

// Arm installs token for all subsequent requests.
func (s *TokenSource) Arm(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Disarm removes the token. In-flight requests keep the header they already have.
func (s *TokenSource) Disarm() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Current returns the armed token, or "" when disarmed.
func (s *TokenSource) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Token satisfies oauth2.TokenSource.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	raw := s.token
	s.mu.RUnlock()

	if raw == "" {
		return nil, apperror.Unauthorized("not authenticated")
	}

	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if exp := ExpiresAt(raw); !exp.IsZero() {
		if !s.now().Before(exp) {
			return nil, apperror.Unauthorized("session expired")
		}
		tok.Expiry = exp
	}
	return tok, nil
}

// NewClient returns an http.Client whose requests carry the armed token.
// base may be nil, in which case http.DefaultTransport is used.
func NewClient(src *TokenSource, base http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base},
		Timeout:   timeout,
	}
}
