package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0gfoundation/0g-subscription-billing/internal/auth"
)

// apiClient signs every request with the operator key.
type apiClient struct {
	baseURL string
	key     *ecdsa.PrivateKey
	http    *http.Client
}

func newAPIClient(baseURL string, key *ecdsa.PrivateKey) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// do sends a signed request and returns the raw body. Non-2xx responses are
// returned with an error so callers can still print the body.
func (c *apiClient) do(ctx context.Context, method, path, action, resource string, body any) ([]byte, int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	headers, err := auth.SignHeaders(auth.SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(time.Minute).Unix(),
		Nonce:      uuid.NewString(),
		ResourceID: resource,
	}, c.key)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return out, resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return out, resp.StatusCode, nil
}
