package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"plexlink/internal/httputil"
)

const (
	plexTVBase = "https://plex.tv/api/v2"

	productName      = "plexlink"
	clientIdentifier = "plexlink-driver"
)

// Account talks to plex.tv for credential sign-in and server resource
// lookup. Used only when a device config carries no auth token.
type Account struct {
	baseURL string
	http    *http.Client
}

func NewAccount() *Account {
	return &Account{
		baseURL: plexTVBase,
		http:    httputil.NewClient(),
	}
}

type signInResponse struct {
	AuthToken string `json:"authToken"`
	Username  string `json:"username"`
}

// SignIn exchanges username/password for an auth token.
func (a *Account) SignIn(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"login":    {username},
		"password": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/users/signin", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.setHeaders(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer httputil.DrainBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("plex.tv sign-in returned status %d", resp.StatusCode)
	}

	var signIn signInResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&signIn); err != nil {
		return "", fmt.Errorf("parsing sign-in response: %w", err)
	}
	if signIn.AuthToken == "" {
		return "", fmt.Errorf("plex.tv sign-in returned no token")
	}
	return signIn.AuthToken, nil
}

type resource struct {
	Name             string               `json:"name"`
	Provides         string               `json:"provides"`
	AccessToken      string               `json:"accessToken"`
	Connections      []resourceConnection `json:"connections"`
}

type resourceConnection struct {
	URI   string `json:"uri"`
	Local bool   `json:"local"`
	Relay bool   `json:"relay"`
}

// ResolveServer finds the server resource with the given name and
// returns its preferred connection URI and access token. Local,
// non-relay connections win.
func (a *Account) ResolveServer(ctx context.Context, token, serverName string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/resources?includeHttps=1", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("X-Plex-Token", token)
	a.setHeaders(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer httputil.DrainBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("plex.tv resources returned status %d", resp.StatusCode)
	}

	var resources []resource
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&resources); err != nil {
		return "", "", fmt.Errorf("parsing resources: %w", err)
	}

	for _, r := range resources {
		if r.Name != serverName || !strings.Contains(r.Provides, "server") {
			continue
		}
		uri := pickConnection(r.Connections)
		if uri == "" {
			continue
		}
		accessToken := r.AccessToken
		if accessToken == "" {
			accessToken = token
		}
		return uri, accessToken, nil
	}
	return "", "", fmt.Errorf("server %q: %w", serverName, errResourceNotFound)
}

var errResourceNotFound = fmt.Errorf("resource not found")

func pickConnection(conns []resourceConnection) string {
	var fallback string
	for _, c := range conns {
		if c.Relay {
			continue
		}
		if c.Local {
			return c.URI
		}
		if fallback == "" {
			fallback = c.URI
		}
	}
	return fallback
}

func (a *Account) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Product", productName)
	req.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
}
