package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

func TestSponsorClient_SubmitAndWait(t *testing.T) {
	var polls atomic.Int32
	txHash := common.HexToHash("0x01")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header: got %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/operations":
			var req sponsorRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.ChainID != 84532 || len(req.Calls) != 1 {
				t.Errorf("request: got chain %d with %d calls", req.ChainID, len(req.Calls))
			}
			_ = json.NewEncoder(w).Encode(SponsorStatus{ID: "op-1", State: SponsorPending})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/operations/op-1":
			state := SponsorPending
			if polls.Add(1) >= 2 {
				state = SponsorConfirmed
			}
			_ = json.NewEncoder(w).Encode(SponsorStatus{ID: "op-1", State: state, TxHash: txHash})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewSponsorClient(srv.URL, "secret")
	id, err := c.Submit(context.Background(), 84532, common.Address{}, []Call{{To: DefaultManager, Data: []byte{1, 2}, Value: big.NewInt(0)}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "op-1" {
		t.Errorf("id: got %s", id)
	}

	s, err := c.Wait(context.Background(), id, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.TxHash != txHash {
		t.Errorf("tx hash: got %s", s.TxHash.Hex())
	}
	if got := polls.Load(); got != 2 {
		t.Errorf("polls: got %d want 2", got)
	}
}

func TestSponsorClient_Rejection(t *testing.T) {
	tests := []struct {
		status int
		want   resilience.FailureKind
	}{
		{http.StatusForbidden, resilience.KindSponsorRejected},
		{http.StatusBadRequest, resilience.KindSponsorRejected},
		{http.StatusTooManyRequests, resilience.KindNetworkTimeout},
		{http.StatusBadGateway, resilience.KindNetworkTimeout},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "policy denied", tt.status)
		}))
		_, err := NewSponsorClient(srv.URL, "").Submit(context.Background(), 8453, common.Address{}, nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := resilience.Classify(err); got != tt.want {
			t.Errorf("status %d: got %s want %s", tt.status, got, tt.want)
		}
	}
}

func TestSponsorClient_FailedOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SponsorStatus{ID: "op-2", State: SponsorFailed, Error: "paymaster deposit too low"})
	}))
	defer srv.Close()

	_, err := NewSponsorClient(srv.URL, "").Wait(context.Background(), "op-2", time.Millisecond)
	if !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("got %v, want ErrOperationFailed", err)
	}
	if got := resilience.Classify(err); got != resilience.KindSponsorRejected {
		t.Errorf("kind: got %s", got)
	}
}

func TestSponsorClient_WaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SponsorStatus{ID: "op-3", State: SponsorPending})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewSponsorClient(srv.URL, "").Wait(ctx, "op-3", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := resilience.Classify(err); got != resilience.KindNetworkTimeout {
		t.Errorf("kind: got %s", got)
	}
}
