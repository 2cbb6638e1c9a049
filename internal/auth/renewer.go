package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatchlink/internal/clock"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// TokenResponse is the body returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// Credential converts the response into a credential issued at now.
func (t TokenResponse) Credential(now time.Time) types.Credential {
	cred := types.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return cred
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HTTPRenewer renews credentials at the refresh endpoint.
type HTTPRenewer struct {
	client *http.Client
	url    string
	clock  clock.Clock
}

var _ interfaces.Renewer = (*HTTPRenewer)(nil)

// NewHTTPRenewer posts to url through base, which must be the plain
// transport and never the Coordinator.
func NewHTTPRenewer(base http.RoundTripper, url string, clk clock.Clock) *HTTPRenewer {
	return &HTTPRenewer{
		client: &http.Client{Transport: base},
		url:    url,
		clock:  clk,
	}
}

// Renew exchanges current's refresh token for a new credential. A
// response without a refresh token keeps the current one.
func (r *HTTPRenewer) Renew(ctx context.Context, current types.Credential) (types.Credential, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		return types.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return types.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return types.Credential{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.Credential{}, fmt.Errorf("%w: status %d", ErrRenewalRejected, resp.StatusCode)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return types.Credential{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return types.Credential{}, ErrEmptyCredential
	}

	cred := token.Credential(r.clock.Now())
	if cred.RefreshToken == "" {
		cred.RefreshToken = current.RefreshToken
	}
	return cred, nil
}
