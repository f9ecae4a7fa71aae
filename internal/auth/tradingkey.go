package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnauthorized is returned when the vendor rejects the bearer token.
// The store has already been marked invalid when this surfaces.
var ErrUnauthorized = errors.New("vendor rejected bearer token")

// KeyClient fetches the short-lived trading key required as a field of the
// WebSocket subscription frame. A fresh key is fetched on every connect.
type KeyClient struct {
	http   *resty.Client
	store  *Store
	logger *slog.Logger
}

// NewKeyClient creates a trading-key client against the given endpoint.
func NewKeyClient(keyURL, userAgent, origin string, store *Store, logger *slog.Logger) *KeyClient {
	httpClient := resty.New().
		SetBaseURL(keyURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", userAgent).
		SetHeader("Origin", origin).
		SetHeader("Accept", "application/json")

	return &KeyClient{
		http:   httpClient,
		store:  store,
		logger: logger.With("component", "trading_key"),
	}
}

// Fetch retrieves a trading key for the current token. A 401 marks the token
// invalid and returns ErrUnauthorized.
func (c *KeyClient) Fetch(ctx context.Context) (string, error) {
	bearer, ok := c.store.Bearer()
	if !ok {
		return "", ErrUnauthorized
	}

	var result struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(bearer).
		SetResult(&result).
		Get("")
	if err != nil {
		return "", fmt.Errorf("fetch trading key: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		c.store.MarkInvalid()
		return "", ErrUnauthorized
	case resp.StatusCode() != http.StatusOK:
		return "", fmt.Errorf("fetch trading key: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Data.Key == "" {
		return "", fmt.Errorf("fetch trading key: empty key in response")
	}
	return result.Data.Key, nil
}
