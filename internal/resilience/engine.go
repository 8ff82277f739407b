package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Engine drives an Operation through submit, classify, adjust, wait and
// resubmit until it is confirmed, the retry budget is spent, or a failure is
// unrecoverable. An Engine holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	log  *zap.Logger
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log, now: time.Now, wait: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit runs the retry loop. It always returns a Result; failures are
// classified, never raw.
func (e *Engine) Submit(ctx context.Context, op Operation, cfg Config) Result {
	start := e.now()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var history []Attempt
	action := ActionNone
	sponsored := false

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return e.abandon(ctx, op, cfg, history, attempt-1, start)
		}

		rec := Attempt{Index: attempt, At: e.now(), Action: action}
		e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeSubmitting})

		txID, err := e.attempt(ctx, op, cfg)
		if err == nil {
			e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeConfirmed, TransactionID: txID})
			e.log.Info("operation confirmed",
				zap.String("label", cfg.Label),
				zap.String("tx", txID),
				zap.Int("attempts", attempt),
			)
			return Result{Status: StatusSuccess, TransactionID: txID, Attempts: attempt}
		}

		if ctx.Err() != nil {
			rec.Outcome = OutcomeTimeout
			rec.Kind = KindNetworkTimeout
			rec.Error = err.Error()
			history = append(history, rec)
			return e.abandon(ctx, op, cfg, history, attempt, start)
		}

		kind := Classify(err)
		rec.Outcome = OutcomeFailed
		rec.Kind = kind
		rec.Error = err.Error()
		history = append(history, rec)
		e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeFailed, Kind: kind})
		e.log.Warn("submission attempt failed",
			zap.String("label", cfg.Label),
			zap.Int("attempt", attempt),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)

		if !kind.Recoverable() {
			e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeUnrecoverable, Kind: kind})
			return Result{
				Status:      StatusUnrecoverable,
				Attempts:    attempt,
				Kind:        kind,
				History:     history,
				Message:     err.Error(),
				Unconfirmed: inFlight(op),
				Err:         err,
			}
		}
		if attempt > cfg.MaxRetries {
			e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeExhausted, Kind: kind})
			return Result{
				Status:      StatusExhausted,
				Attempts:    attempt,
				Kind:        kind,
				History:     history,
				Message:     fmt.Sprintf("gave up after %d attempts: %v", attempt, err),
				Unconfirmed: inFlight(op),
				Err:         err,
			}
		}

		action = corrective(kind, cfg, &sponsored)
		if action != ActionNone {
			if aerr := op.Adjust(ctx, action); aerr != nil {
				e.log.Warn("corrective action failed",
					zap.String("label", cfg.Label),
					zap.String("action", string(action)),
					zap.Error(aerr),
				)
			}
		}

		delay := cfg.Backoff.Delay(attempt)
		e.notify(cfg, Event{Attempt: attempt, Action: action, Outcome: OutcomeRetryWait, Kind: kind, Delay: delay})
		if err := e.wait(ctx, delay); err != nil {
			return e.abandon(ctx, op, cfg, history, attempt, start)
		}
	}
}

// attempt sends and confirms once. It returns as soon as ctx is done even if
// the operation ignores cancellation; the in-flight attempt is abandoned.
func (e *Engine) attempt(ctx context.Context, op Operation, cfg Config) (string, error) {
	type outcome struct {
		txID string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if err := op.Send(ctx); err != nil {
			done <- outcome{err: err}
			return
		}
		txID, err := op.Confirm(ctx, e.confirmTimeout(ctx, cfg))
		done <- outcome{txID: txID, err: err}
	}()

	select {
	case o := <-done:
		return o.txID, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// confirmTimeout is the per-attempt confirmation budget: whatever is left of
// the overall deadline, or the configured timeout when there is none.
func (e *Engine) confirmTimeout(ctx context.Context, cfg Config) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline.Sub(e.now())
	}
	return cfg.Timeout
}

func corrective(kind FailureKind, cfg Config, sponsored *bool) Action {
	switch {
	case kind == KindInsufficientGas && cfg.AutoGasAdjust:
		return ActionIncreaseBudget
	case kind == KindNonceConflict && cfg.AutoNonceRefresh:
		return ActionRefreshNonce
	case kind == KindSponsorRejected && cfg.FallbackToSponsored && !*sponsored:
		*sponsored = true
		return ActionFallbackSponsored
	default:
		return ActionNone
	}
}

func (e *Engine) abandon(ctx context.Context, op Operation, cfg Config, history []Attempt, attempts int, start time.Time) Result {
	msg := fmt.Sprintf("timed out after %s (%d attempts)", e.now().Sub(start).Round(time.Millisecond), attempts)
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = fmt.Sprintf("cancelled after %d attempts", attempts)
	}
	e.notify(cfg, Event{Attempt: attempts, Action: ActionNone, Outcome: OutcomeTimeout, Kind: KindNetworkTimeout})
	e.log.Warn("submission abandoned", zap.String("label", cfg.Label), zap.String("reason", msg))
	return Result{
		Status:      StatusExhausted,
		Attempts:    attempts,
		Kind:        KindNetworkTimeout,
		History:     history,
		Message:     msg,
		TimedOut:    true,
		Unconfirmed: inFlight(op),
		Err:         ctx.Err(),
	}
}

func inFlight(op Operation) bool {
	f, ok := op.(InFlight)
	return ok && f.InFlight()
}

// notify delivers an event without letting the observer affect the loop.
func (e *Engine) notify(cfg Config, ev Event) {
	if cfg.Observer == nil {
		return
	}
	ev.Label = cfg.Label
	ev.At = e.now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("progress observer panicked", zap.String("label", cfg.Label), zap.Any("panic", r))
		}
	}()
	cfg.Observer.Observe(ev)
}
