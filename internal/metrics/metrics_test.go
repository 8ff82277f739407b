package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

func TestObserve(t *testing.T) {
	o := New(prometheus.NewRegistry())

	o.Observe(resilience.Event{Outcome: resilience.OutcomeSubmitting, Action: resilience.ActionNone})
	o.Observe(resilience.Event{Outcome: resilience.OutcomeFailed, Kind: resilience.KindNetworkTimeout})
	o.Observe(resilience.Event{Outcome: resilience.OutcomeRetryWait, Delay: time.Second})
	o.Observe(resilience.Event{Outcome: resilience.OutcomeSubmitting, Action: resilience.ActionNone})
	o.Observe(resilience.Event{Outcome: resilience.OutcomeConfirmed})

	if got := testutil.ToFloat64(o.AttemptsTotal.WithLabelValues(string(resilience.ActionNone))); got != 2 {
		t.Errorf("attempts: got %v want 2", got)
	}
	if got := testutil.ToFloat64(o.FailuresTotal.WithLabelValues(resilience.KindNetworkTimeout.String())); got != 1 {
		t.Errorf("failures: got %v want 1", got)
	}
	if got := testutil.CollectAndCount(o.RetryDelay); got != 1 {
		t.Errorf("retry delay series: got %d want 1", got)
	}
}

func TestRecordResult(t *testing.T) {
	o := New(prometheus.NewRegistry())
	o.RecordResult(resilience.Result{Status: resilience.StatusSuccess, Attempts: 2})
	o.RecordResult(resilience.Rejected(resilience.KindPermissionRevoked, nil))

	if got := testutil.ToFloat64(o.ChargesTotal.WithLabelValues(string(resilience.StatusSuccess), "")); got != 1 {
		t.Errorf("successful charges: got %v want 1", got)
	}
	revoked := o.ChargesTotal.WithLabelValues(string(resilience.StatusUnrecoverable), resilience.KindPermissionRevoked.String())
	if got := testutil.ToFloat64(revoked); got != 1 {
		t.Errorf("revoked charges: got %v want 1", got)
	}
}

func TestRecordDial(t *testing.T) {
	o := New(prometheus.NewRegistry())
	o.RecordDial("base", nil)
	o.RecordDial("base", errors.New("refused"))
	if got := testutil.ToFloat64(o.DialFailures.WithLabelValues("base")); got != 1 {
		t.Errorf("dial failures: got %v want 1", got)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("second registration should panic")
		}
	}()
	New(reg)
}
