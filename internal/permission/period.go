package permission

import "errors"

var (
	// ErrExpired means now is at or past the authorization end; no period is active.
	ErrExpired = errors.New("authorization expired")
	// ErrNotStarted means now is before the authorization start; no period is defined.
	ErrNotStarted = errors.New("authorization not yet started")
)

// Period is one billing window [Start, End). Index is 0-based.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Index int64 `json:"index"`
}

// CurrentPeriod returns the period containing now. Periods tile
// [Start, End) back to back; the last one is truncated to End.
func CurrentPeriod(p *SpendPermission, now int64) (Period, error) {
	if p.PeriodSeconds <= 0 {
		return Period{}, ErrInvalidPeriod
	}
	if now < p.Start {
		return Period{}, ErrNotStarted
	}
	if now >= p.End {
		return Period{}, ErrExpired
	}
	elapsed := (now - p.Start) / p.PeriodSeconds
	start := p.Start + elapsed*p.PeriodSeconds
	end := start + p.PeriodSeconds
	if end > p.End {
		end = p.End
	}
	return Period{Start: start, End: end, Index: elapsed}, nil
}

// FinalPeriod is the last, possibly truncated, period of the authorization.
func FinalPeriod(p *SpendPermission) Period {
	if p.PeriodSeconds <= 0 || p.End <= p.Start {
		return Period{}
	}
	last := (p.End - 1 - p.Start) / p.PeriodSeconds
	start := p.Start + last*p.PeriodSeconds
	return Period{Start: start, End: p.End, Index: last}
}
