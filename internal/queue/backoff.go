package queue

import (
	"math"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed; attempt 1 is
// the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: Base * 2^(attempt-1), capped at
// Max when Max > 0. The reference policy is Base=2m uncapped, giving 2, 4, 8
// minute delays inside the default three-attempt budget.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return e.Base
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
