// Package tokens issues provider tokens through the portal backend's REST API.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
)

const defaultHTTPTimeout = 10 * time.Second

type Config struct {
	BaseURL        string
	MediaTokenPath string
	ChatTokenPath  string
	Timeout        time.Duration
}

// Client implements core.TokenIssuer.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

var _ core.TokenIssuer = (*Client)(nil)

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: log.With().Str("module", "adapters.tokens").Logger(),
	}
}

type mediaTokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) MediaToken(ctx context.Context, req core.MediaTokenRequest) (string, error) {
	var out mediaTokenResponse
	if err := c.post(ctx, c.cfg.MediaTokenPath, req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("media token: empty token in response")
	}
	return out.Token, nil
}

func (c *Client) ChatToken(ctx context.Context, req core.ChatTokenRequest) (core.ChatToken, error) {
	var out core.ChatToken
	if err := c.post(ctx, c.cfg.ChatTokenPath, req, &out); err != nil {
		return core.ChatToken{}, err
	}
	if out.Token == "" {
		return core.ChatToken{}, fmt.Errorf("chat token: empty token in response")
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := c.cfg.BaseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed url=%s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().Str("url", url).Int("status", resp.StatusCode).Msg("token request rejected")
		return fmt.Errorf("token status %d url=%s: %s", resp.StatusCode, url, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	return nil
}
