// Package api is the request/response client for the dispatch backend.
// Calls go through the credential coordinator, so they carry the current
// bearer token and survive a single token expiry transparently.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchlink/internal/auth"
	"dispatchlink/internal/clock"
	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// ClientConfig locates the API and its auth endpoints.
type ClientConfig struct {
	BaseURL    string
	LoginPath  string
	LogoutPath string
	Timeout    time.Duration
}

// Client issues JSON calls against the API.
type Client struct {
	baseURL *url.URL
	cfg     ClientConfig
	authed  *http.Client
	plain   *http.Client
	store   interfaces.CredentialStore
	clock   clock.Clock
	log     logger.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewClient creates a client. authed is the coordinator-wrapped transport
// used for ordinary calls; plain is the bare transport used for sign-in.
func NewClient(cfg ClientConfig, authed, plain http.RoundTripper, store interfaces.CredentialStore, clk clock.Clock, log logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return &Client{
		baseURL: base,
		cfg:     cfg,
		authed:  &http.Client{Transport: authed, Timeout: cfg.Timeout},
		plain:   &http.Client{Transport: plain, Timeout: cfg.Timeout},
		store:   store,
		clock:   clk,
		log:     log.With("component", "api"),
	}, nil
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// Do sends a JSON request. in, if non-nil, is encoded as the body; out,
// if non-nil, receives the decoded response.
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	return c.do(ctx, c.authed, method, path, in, out)
}

// Get is Do with GET.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, in, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Login signs in with username and password and stores the issued
// credential.
func (c *Client) Login(ctx context.Context, username, password string) (types.Credential, error) {
	if username == "" || password == "" {
		return types.Credential{}, ErrEmptyCredentials
	}

	var token auth.TokenResponse
	if err := c.do(ctx, c.plain, http.MethodPost, c.cfg.LoginPath, loginRequest{Username: username, Password: password}, &token); err != nil {
		return types.Credential{}, err
	}
	if token.AccessToken == "" {
		return types.Credential{}, auth.ErrEmptyCredential
	}

	cred := token.Credential(c.clock.Now())
	if err := c.store.Set(cred); err != nil {
		return types.Credential{}, fmt.Errorf("failed to store credential: %w", err)
	}
	c.log.Infof("Signed in as %s", username)
	return cred, nil
}

// Logout tells the server to revoke the credential, then clears it
// locally. The local credential is cleared even if the call fails.
func (c *Client) Logout(ctx context.Context) error {
	var callErr error
	if _, ok := c.store.Get(); ok {
		callErr = c.do(auth.MarkRetry(ctx), c.authed, http.MethodPost, c.cfg.LogoutPath, nil, nil)
		if callErr != nil {
			c.log.Warnf("Logout call failed: %v", callErr)
		}
	}

	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return callErr
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return err
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, apiErr)
		apiErr.StatusCode = resp.StatusCode
		apiErr.RequestID = requestID
		c.log.Debugf("%s %s failed (request %s): %d", method, path, requestID, resp.StatusCode)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
