// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user lookup and live-stream queries, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// MaxIDsPerRequest is the Helix cap on user_id filters per streams request.
// The page size is pinned to the same value so a single request can never
// split its id set across response pages.
const MaxIDsPerRequest = 100

// AppTokenSource yields app access tokens for Helix requests.
type AppTokenSource interface {
	Get(ctx context.Context) (string, error)
}

// HelixClient provides the queries the alert service needs.
type HelixClient struct {
	AppTokenSource AppTokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides the Helix root, for tests.
	BaseURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

func (hc *HelixClient) do(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Twitch identity as returned by the users endpoint.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUserByLogin resolves a login name to its user record. A login that does
// not exist returns (nil, nil).
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, "/users", map[string][]string{"login": {login}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// LiveStream is one currently-live session from the streams endpoint.
type LiveStream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	GameName  string    `json:"game_name"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// GetStreams returns the subset of the given user ids that are currently
// live. At most MaxIDsPerRequest ids may be passed; the page size is set to
// the same limit so the response is never truncated.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]LiveStream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if len(userIDs) > MaxIDsPerRequest {
		return nil, fmt.Errorf("too many user ids: %d > %d", len(userIDs), MaxIDsPerRequest)
	}
	var body struct {
		Data []LiveStream `json:"data"`
	}
	query := map[string][]string{
		"user_id": userIDs,
		"first":   {fmt.Sprintf("%d", MaxIDsPerRequest)},
	}
	if err := hc.do(ctx, "/streams", query, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
