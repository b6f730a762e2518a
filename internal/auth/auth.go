// Package auth exposes the identity collaborator as two questions: is the
// caller authorized, and which bearer credential should outgoing calls carry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNotAuthorized is returned when no credential is available
var ErrNotAuthorized = errors.New("caller is not authorized")

// Provider supplies authorization state and bearer credentials
type Provider interface {
	Authorized(ctx context.Context) bool
	Token(ctx context.Context) (string, error)
}

// Static is a Provider backed by a fixed bearer token
type Static struct {
	token string
}

// NewStatic creates a static provider. An empty token means unauthorized.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

func (s *Static) Authorized(ctx context.Context) bool {
	return s.token != ""
}

func (s *Static) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNotAuthorized
	}
	return s.token, nil
}

// OAuth2 is a Provider over an oauth2.TokenSource
type OAuth2 struct {
	source oauth2.TokenSource
}

// NewOAuth2 wraps an existing token source, reusing tokens until expiry
func NewOAuth2(source oauth2.TokenSource) *OAuth2 {
	return &OAuth2{source: oauth2.ReuseTokenSource(nil, source)}
}

// ClientCredentialsConfig configures the client-credentials grant
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewClientCredentials creates an OAuth2 provider using the client-credentials grant
func NewClientCredentials(ctx context.Context, cfg ClientCredentialsConfig) *OAuth2 {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return NewOAuth2(cc.TokenSource(ctx))
}

func (o *OAuth2) Authorized(ctx context.Context) bool {
	tok, err := o.source.Token()
	return err == nil && tok.Valid()
}

func (o *OAuth2) Token(ctx context.Context) (string, error) {
	tok, err := o.source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	if !tok.Valid() {
		return "", ErrNotAuthorized
	}
	return tok.AccessToken, nil
}

// TeamContext holds the team identity the caller is currently authenticated as
type TeamContext struct {
	mu   sync.RWMutex
	team string
}

// NewTeamContext creates a team context, optionally pre-set
func NewTeamContext(team string) *TeamContext {
	return &TeamContext{team: team}
}

// Set records the authenticated team
func (t *TeamContext) Set(team string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.team = strings.TrimSpace(team)
}

// Current returns the authenticated team, empty if none
func (t *TeamContext) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.team
}
