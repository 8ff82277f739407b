package resilience

import (
	"context"
	"fmt"
	"time"
)

// Action is the corrective step applied before an attempt.
type Action string

const (
	ActionNone              Action = "none"
	ActionIncreaseBudget    Action = "increase_budget"
	ActionRefreshNonce      Action = "refresh_nonce"
	ActionFallbackSponsored Action = "fallback_sponsored"
)

// Operation is one value-transfer submission. Send and Confirm are called
// once per attempt; Adjust mutates the operation between attempts.
type Operation interface {
	Send(ctx context.Context) error
	Confirm(ctx context.Context, timeout time.Duration) (txID string, err error)
	Adjust(ctx context.Context, action Action) error
}

// InFlight is implemented by operations that can tell whether an earlier
// submission was accepted by the network without a known outcome.
type InFlight interface {
	InFlight() bool
}

// Config controls a single Submit call.
type Config struct {
	MaxRetries          int
	Backoff             Backoff
	AutoGasAdjust       bool
	AutoNonceRefresh    bool
	FallbackToSponsored bool
	Timeout             time.Duration // whole operation; 0 means no deadline
	Observer            Observer
	Label               string // copied into every Event
}

// DefaultConfig: 3 retries, exponential 1s..30s with jitter, two minute budget.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoff: Backoff{
			Strategy: StrategyExponential,
			Base:     time.Second,
			Max:      30 * time.Second,
			Jitter:   true,
		},
		AutoGasAdjust:       true,
		AutoNonceRefresh:    true,
		FallbackToSponsored: true,
		Timeout:             2 * time.Minute,
	}
}

// Attempt records one submission for diagnostics.
type Attempt struct {
	Index   int         `json:"index"`
	At      time.Time   `json:"at"`
	Action  Action      `json:"action"`
	Outcome Outcome     `json:"outcome"`
	Kind    FailureKind `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Status is the terminal state of a submission.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusExhausted     Status = "exhausted"
	StatusUnrecoverable Status = "unrecoverable"
)

// Result is what callers get back. History is kept only for failures.
type Result struct {
	Status        Status      `json:"status"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Attempts      int         `json:"attempts"`
	Kind          FailureKind `json:"kind,omitempty"`
	History       []Attempt   `json:"history,omitempty"`
	Message       string      `json:"message,omitempty"`
	TimedOut      bool        `json:"timed_out,omitempty"`
	// Unconfirmed is set on failures where a submission may still land.
	// Resubmitting such an operation from scratch can transfer value twice.
	Unconfirmed bool  `json:"unconfirmed,omitempty"`
	Err         error `json:"-"`
}

// OK reports whether the submission was confirmed.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Rejected is an unrecoverable result for a request refused before any
// submission took place.
func Rejected(kind FailureKind, err error) Result {
	return Result{
		Status:  StatusUnrecoverable,
		Kind:    kind,
		Message: err.Error(),
		Err:     &Error{Kind: kind, Err: err},
	}
}

func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("success tx=%s attempts=%d", r.TransactionID, r.Attempts)
	}
	return fmt.Sprintf("%s kind=%s attempts=%d: %s", r.Status, r.Kind, r.Attempts, r.Message)
}
