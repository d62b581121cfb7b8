package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/novelfetch/internal/book"
)

// Pauser sleeps between chapters.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// TimerPauser sleeps on a timer and returns early when ctx is done.
type TimerPauser struct{}

func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Triangular describes the distribution sampled for the "auto" delay.
type Triangular struct {
	Low  time.Duration
	High time.Duration
	Mode time.Duration
}

// DefaultAutoDelay is the distribution used when the pacing spec is "auto".
var DefaultAutoDelay = Triangular{Low: 500 * time.Millisecond, High: time.Second, Mode: 500 * time.Millisecond}

// Sample maps u in [0,1) through the inverse CDF.
func (t Triangular) Sample(u float64) time.Duration {
	low, high, mode := t.Low.Seconds(), t.High.Seconds(), t.Mode.Seconds()
	if high <= low {
		return t.Low
	}
	c := (mode - low) / (high - low)
	var x float64
	if u < c {
		x = low + math.Sqrt(u*(high-low)*(mode-low))
	} else {
		x = high - math.Sqrt((1-u)*(high-low)*(high-mode))
	}
	return time.Duration(x * float64(time.Second))
}

func (e *Engine) delayFor(d book.Delay) time.Duration {
	if d.Auto {
		return e.cfg.AutoDelay.Sample(e.uniform())
	}
	return d.Fixed
}

func defaultUniform() float64 {
	return rand.Float64() // #nosec G404 -- pacing jitter, not security sensitive.
}
