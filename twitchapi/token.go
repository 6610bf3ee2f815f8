package twitchapi

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth client-credentials endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials)
// token. App tokens are sufficient for Helix reads; they carry no user scope.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch endpoint, for tests.
	TokenURL string
	// HTTPClient overrides the client used for the token exchange.
	HTTPClient *http.Client

	ts oauth2.TokenSource
}

func (ts *TokenSource) source(ctx context.Context) oauth2.TokenSource {
	if ts.ts == nil {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		cfg := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		if ts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		// clientcredentials caches the token and refreshes when expired.
		ts.ts = cfg.TokenSource(ctx)
	}
	return ts.ts
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	tok, err := ts.source(ctx).Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
