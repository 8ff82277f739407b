package resilience

import (
	"sync/atomic"
	"time"
)

// Outcome describes what happened at a point in the submission loop.
type Outcome string

const (
	OutcomeSubmitting    Outcome = "submitting"
	OutcomeConfirmed     Outcome = "confirmed"
	OutcomeFailed        Outcome = "failed"
	OutcomeRetryWait     Outcome = "retry_wait"
	OutcomeExhausted     Outcome = "exhausted"
	OutcomeUnrecoverable Outcome = "unrecoverable"
	OutcomeTimeout       Outcome = "timeout"
)

// Event is one progress notification.
type Event struct {
	Label         string        `json:"label,omitempty"`
	Attempt       int           `json:"attempt"`
	Action        Action        `json:"action"`
	Outcome       Outcome       `json:"outcome"`
	Kind          FailureKind   `json:"kind,omitempty"`
	Delay         time.Duration `json:"delay,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	At            time.Time     `json:"at"`
}

// Observer receives progress events. Delivery is best-effort: Observe is
// called synchronously from the submission loop and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type multiObserver []Observer

// Observe delivers ev to every observer even if some of them panic. The first
// panic is re-raised once all observers have run.
func (m multiObserver) Observe(ev Event) {
	var first any
	for _, o := range m {
		if r := observeOne(o, ev); r != nil && first == nil {
			first = r
		}
	}
	if first != nil {
		panic(first)
	}
}

func observeOne(o Observer, ev Event) (recovered any) {
	defer func() { recovered = recover() }()
	o.Observe(ev)
	return nil
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// ChannelObserver is a bounded event stream. Events that do not fit in the
// buffer are dropped and counted.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannelObserver(size int) *ChannelObserver {
	if size < 1 {
		size = 1
	}
	return &ChannelObserver{ch: make(chan Event, size)}
}

func (o *ChannelObserver) Observe(ev Event) {
	select {
	case o.ch <- ev:
	default:
		o.dropped.Add(1)
	}
}

// Events is the receive side of the stream.
func (o *ChannelObserver) Events() <-chan Event { return o.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (o *ChannelObserver) Dropped() uint64 { return o.dropped.Load() }
