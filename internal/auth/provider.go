// Package auth supplies bearer tokens for the console API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kumakita/aitrios-monitor/internal/logger"
)

// TokenProvider returns a valid access token, refreshing it when needed.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the client-credentials grant settings.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	Timeout      time.Duration
}

// ClientCredentials caches the token until shortly before it expires
// (oauth2 refreshes 10s early).
type ClientCredentials struct {
	src oauth2.TokenSource
}

// NewClientCredentials builds a provider for the console's token endpoint.
func NewClientCredentials(cfg Config) (*ClientCredentials, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("auth: client id and secret are required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("auth: token url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if cfg.Scope != "" {
		cc.Scopes = []string{cfg.Scope}
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	return &ClientCredentials{src: cc.TokenSource(ctx)}, nil
}

// Token returns the cached token or fetches a new one.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.src.Token()
	if err != nil {
		logger.Error("Auth", "Failed to obtain access token: %v", err)
		return "", fmt.Errorf("obtain access token: %w", err)
	}
	return tok.AccessToken, nil
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("auth: empty static token")
	}
	return string(s), nil
}
