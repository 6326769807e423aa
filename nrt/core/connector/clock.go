package connector

import (
	"math"
	"time"
)

type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests swap in a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

var SystemClock Clock = systemClock{}

/******** reconnect delay ********/

// DelayFunc returns the wait before reconnect attempt n (n >= 1).
type DelayFunc func(attempt int) time.Duration

func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff yields base*factor^(n-1), capped at max.
func ExponentialBackoff(base time.Duration, factor float64, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(factor, float64(attempt-1))
		if d >= float64(max) || math.IsInf(d, 0) || math.IsNaN(d) {
			return max
		}
		return time.Duration(d)
	}
}
