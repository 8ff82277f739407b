package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Sponsor relayer operation states.
const (
	SponsorPending   = "pending"
	SponsorConfirmed = "confirmed"
	SponsorFailed    = "failed"
)

// SponsorStatus is the relayer's view of a submitted operation.
type SponsorStatus struct {
	ID     string      `json:"id"`
	State  string      `json:"status"`
	TxHash common.Hash `json:"txHash"`
	Error  string      `json:"error,omitempty"`
}

type sponsorCall struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

type sponsorRequest struct {
	ChainID int64          `json:"chainId"`
	From    common.Address `json:"from"`
	Calls   []sponsorCall  `json:"calls"`
}

// SponsorClient submits call batches to a gas-sponsoring relayer.
type SponsorClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewSponsorClient(baseURL, apiKey string) *SponsorClient {
	return &SponsorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SponsorClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// statusError turns a non-2xx relayer response into a classified error.
// Throttling and server errors are transient; any other refusal is a
// sponsorship rejection.
func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := resilience.KindSponsorRejected
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = resilience.KindNetworkTimeout
	}
	return resilience.Errorf(kind, "sponsor %s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
}

// Submit hands calls to the relayer and returns its operation id.
func (c *SponsorClient) Submit(ctx context.Context, chainID int64, from common.Address, calls []Call) (string, error) {
	req := sponsorRequest{ChainID: chainID, From: from, Calls: make([]sponsorCall, len(calls))}
	for i, call := range calls {
		req.Calls[i] = sponsorCall{To: call.To, Data: call.Data, Value: (*hexutil.Big)(call.Value)}
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/operations", req)
	if err != nil {
		return "", fmt.Errorf("sponsor submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", statusError("submit", resp)
	}
	var out SponsorStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("sponsor submit: decode: %w", err)
	}
	if out.ID == "" {
		return "", resilience.Errorf(resilience.KindSponsorRejected, "sponsor submit: empty operation id")
	}
	return out.ID, nil
}

// Status fetches the relayer state for an operation id.
func (c *SponsorClient) Status(ctx context.Context, id string) (*SponsorStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/operations/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("sponsor status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("status", resp)
	}
	var s SponsorStatus
	return &s, json.NewDecoder(resp.Body).Decode(&s)
}

// Wait polls Status until the operation leaves the pending state.
func (c *SponsorClient) Wait(ctx context.Context, id string, every time.Duration) (*SponsorStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		switch s.State {
		case SponsorConfirmed:
			return s, nil
		case SponsorFailed:
			return nil, fmt.Errorf("sponsored operation %s failed: %s: %w", id, s.Error, ErrOperationFailed)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
