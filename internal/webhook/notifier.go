package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Notifier forwards charge progress events to an HTTP endpoint. Observe
// enqueues and returns immediately; a full queue drops the event.
type Notifier struct {
	url     string
	queue   chan resilience.Event
	http    *http.Client
	dropped atomic.Uint64
	log     *zap.Logger
}

func NewNotifier(url string, buffer int, log *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &Notifier{
		url:   url,
		queue: make(chan resilience.Event, buffer),
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

func (n *Notifier) Observe(ev resilience.Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run delivers queued events until ctx is done. Delivery failures are logged
// and not retried.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			if err := n.post(ctx, ev); err != nil {
				n.log.Warn("webhook delivery failed",
					zap.String("permission", ev.Label),
					zap.String("outcome", string(ev.Outcome)),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) post(ctx context.Context, ev resilience.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
