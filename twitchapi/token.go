package twitchapi

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// TokenSource fetches and caches a Twitch app access (client credentials)
// token. App tokens serve Helix lookups only; IRC chat and moderation calls
// require a user OAuth token with the relevant scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string

	// TokenURL overrides the token endpoint in tests.
	TokenURL string

	mu  sync.Mutex
	cfg *clientcredentials.Config
	tok *oauth2.Token
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && ts.tok.Valid() && time.Until(ts.tok.Expiry) > time.Minute {
		return ts.tok.AccessToken, nil
	}
	if ts.cfg == nil {
		endpoint := ts.TokenURL
		if endpoint == "" {
			endpoint = twitch.Endpoint.TokenURL
		}
		ts.cfg = &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     endpoint,
		}
	}
	tok, err := ts.cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.tok = tok
	return tok.AccessToken, nil
}
