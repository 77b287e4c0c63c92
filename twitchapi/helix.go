package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const helixBase = "https://api.twitch.tv/helix"

// User is the subset of a Helix users row the bot cares about.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is one live broadcast from GET /helix/streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	Title     string    `json:"title"`
	GameName  string    `json:"game_name"`
	StartedAt time.Time `json:"started_at"`
}

// Client calls the Twitch Helix API with an app access token.
type Client struct {
	ClientID   string
	Tokens     *AppTokenSource
	HTTPClient *http.Client
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		ClientID: clientID,
		Tokens:   &AppTokenSource{ClientID: clientID, ClientSecret: clientSecret},
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := c.Tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	return c.doGet(ctx, path, q, "Bearer "+tok, out)
}

func (c *Client) doGet(ctx context.Context, path string, q url.Values, auth string, out any) error {
	u := helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", auth)
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUsers looks up users by login name. Unknown logins are silently absent
// from the result, matching Helix behavior.
func (c *Client) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUserForToken identifies the user a user access token belongs to. Used by
// the OAuth callback to bind a token to its channel.
func (c *Client) GetUserForToken(ctx context.Context, userToken string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.doGet(ctx, "/users", nil, "Bearer "+userToken, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("token did not resolve to a user")
	}
	return &body.Data[0], nil
}

// GetStream returns the live broadcast for a login, or nil when offline.
func (c *Client) GetStream(ctx context.Context, login string) (*Stream, error) {
	q := url.Values{}
	q.Set("user_login", login)
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := c.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}
