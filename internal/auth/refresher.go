package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

// HTTPRefresher calls POST {base}/auth/refresh.
type HTTPRefresher struct {
	client *resty.Client
}

// NewHTTPRefresher creates a refresher against the gateway base URL
func NewHTTPRefresher(baseURL string, timeout time.Duration) *HTTPRefresher {
	pooled := retryablehttp.NewClient()
	pooled.RetryMax = 0
	pooled.Logger = nil

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "LedgerLine-Client/1.0").
		SetTransport(pooled.HTTPClient.Transport)

	return &HTTPRefresher{client: client}
}

// Refresh performs one refresh round trip. The manager owns retries.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var out refreshResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(refreshRequest{RefreshToken: refreshToken}).
		SetResult(&out).
		Post("/auth/refresh")
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh request failed: %w", err)
	}
	if resp.IsError() {
		return Tokens{}, fmt.Errorf("refresh rejected: status %d", resp.StatusCode())
	}

	tokens := Tokens{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresInSeconds) * time.Second),
	}
	// The endpoint may omit a rotated refresh token; keep the current one
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}
