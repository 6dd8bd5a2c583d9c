// Package identity looks up user accounts in the external identity service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUserNotFound signals that the identity service has no such user.
var ErrUserNotFound = errors.New("user not found")

// ErrUnavailable signals that the identity service could not be reached or
// answered with a server error.
var ErrUnavailable = errors.New("identity service unavailable")

// User is the subset of the identity record this service consumes.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// DisplayName is the label shown in rankings.
func (u User) DisplayName() string {
	return u.Username
}

// Lookup resolves user ids to accounts.
type Lookup interface {
	Lookup(ctx context.Context, userID int64) (User, error)
}

// Client is an HTTP Lookup against the identity service's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the given base URL. timeout bounds each
// request; zero falls back to 5s.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("identity base url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Lookup fetches one user. A 404 maps to ErrUserNotFound; transport failures
// and 5xx responses map to ErrUnavailable.
func (c *Client) Lookup(ctx context.Context, userID int64) (User, error) {
	url := fmt.Sprintf("%s/api/users/%d", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return User{}, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var u User
		if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
			return User{}, fmt.Errorf("decode identity response: %w", err)
		}
		return u, nil
	case resp.StatusCode == http.StatusNotFound:
		return User{}, ErrUserNotFound
	default:
		return User{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
}
