package resilience

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return Strategy(s), nil
	case "":
		return StrategyExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q (want fixed, linear or exponential)", s)
	}
}

// Backoff computes the wait before a retry.
type Backoff struct {
	Strategy Strategy
	Base     time.Duration
	Max      time.Duration // 0 means uncapped
	Jitter   bool
}

// maxShift keeps base << shift from overflowing.
const maxShift = 30

// Delay returns the wait after the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	var d time.Duration
	switch b.Strategy {
	case StrategyLinear:
		d = mulClamp(b.Base, int64(attempt))
	case StrategyExponential:
		shift := attempt - 1
		if shift > maxShift {
			shift = maxShift
		}
		d = mulClamp(b.Base, int64(1)<<shift)
	default:
		d = b.Base
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		d = jitter(d)
	}
	return d
}

// jitter returns a random duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half))) //nolint:gosec // retry jitter does not need cryptographic randomness
}

func mulClamp(d time.Duration, n int64) time.Duration {
	if n > 0 && int64(d) > math.MaxInt64/n {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}
