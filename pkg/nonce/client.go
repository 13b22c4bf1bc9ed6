package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Architsharma7/Lit-Stackr/pkg/util/resiliency"
)

// Path is the substrate endpoint serving nonces.
const Path = "/v1/nonce"

// Response is the body of GET /v1/nonce.
type Response struct {
	Nonce string `json:"nonce"`
}

// Client fetches nonces from a remote substrate.
type Client struct {
	baseURL string
	http    *resiliency.EnhancedClient
}

func NewClient(baseURL string, hc *resiliency.EnhancedClient) *Client {
	if hc == nil {
		hc = resiliency.NewEnhancedClient()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Latest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+Path, nil)
	if err != nil {
		return "", fmt.Errorf("build nonce request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch nonce: substrate returned %d", resp.StatusCode)
	}

	var body Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if body.Nonce == "" {
		return "", errors.New("substrate returned an empty nonce")
	}
	return body.Nonce, nil
}
