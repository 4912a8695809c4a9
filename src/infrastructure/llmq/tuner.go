package llmq

import (
	"sync"

	"distillery/src/log"
)

// Outcome classifies one finished backend call for the tuner. Failures
// other than timeouts say nothing about concurrency pressure and are not
// recorded.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
)

// TunerConfig shapes how the concurrency limit follows the backend.
type TunerConfig struct {
	// WindowSize is the number of most recent calls the timeout ratio is
	// computed over. The limit is re-evaluated after every WindowSize
	// fresh samples, so one overload burst is acted on once.
	WindowSize int

	// HighWater is the timeout ratio above which the limit drops.
	HighWater float64

	// LowWater is the timeout ratio below which an evaluation counts
	// toward raising the limit.
	LowWater float64

	// SustainEvals is how many consecutive low evaluations it takes to
	// raise the limit. Backing off is immediate, ramping up careful.
	SustainEvals int

	// Step is the amount the limit moves per adjustment.
	Step int

	// Floor and Ceiling clamp the limit.
	Floor   int
	Ceiling int
}

func (c TunerConfig) withDefaults() TunerConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.HighWater <= 0 {
		c.HighWater = 0.3
	}
	if c.LowWater <= 0 {
		c.LowWater = 0.1
	}
	if c.SustainEvals <= 0 {
		c.SustainEvals = 2
	}
	if c.Step <= 0 {
		c.Step = 1
	}
	if c.Floor <= 0 {
		c.Floor = 1
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = 16
	}
	return c
}

// Tuner adapts the gate limit to the backend's observed capacity from a
// sliding window of finished calls. Too many timeouts shrink the limit
// right away; a sustained calm widens it again one step at a time.
type Tuner struct {
	gate *Gate
	cfg  TunerConfig

	mu        sync.Mutex
	window    []Outcome
	fresh     int
	lowStreak int
}

func NewTuner(gate *Gate, cfg TunerConfig) *Tuner {
	return &Tuner{gate: gate, cfg: cfg.withDefaults()}
}

// Observe records one finished call and moves the limit when a full
// window of fresh samples crosses a watermark.
func (t *Tuner) Observe(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, o)
	if len(t.window) > t.cfg.WindowSize {
		t.window = t.window[1:]
	}
	t.fresh++
	if len(t.window) < t.cfg.WindowSize || t.fresh < t.cfg.WindowSize {
		return
	}
	t.fresh = 0

	ratio := t.timeoutRatio()
	switch {
	case ratio > t.cfg.HighWater:
		t.lowStreak = 0
		t.move(-t.cfg.Step, ratio)
	case ratio < t.cfg.LowWater:
		t.lowStreak++
		if t.lowStreak >= t.cfg.SustainEvals {
			t.lowStreak = 0
			t.move(t.cfg.Step, ratio)
		}
	default:
		t.lowStreak = 0
	}
}

func (t *Tuner) timeoutRatio() float64 {
	timeouts := 0
	for _, o := range t.window {
		if o == OutcomeTimeout {
			timeouts++
		}
	}
	return float64(timeouts) / float64(len(t.window))
}

func (t *Tuner) move(delta int, ratio float64) {
	current := t.gate.Limit()
	limit := current + delta
	if limit < t.cfg.Floor {
		limit = t.cfg.Floor
	}
	if limit > t.cfg.Ceiling {
		limit = t.cfg.Ceiling
	}
	if limit == current {
		return
	}
	log.Info("Adjusting LLM concurrency limit",
		"from", current,
		"to", limit,
		"timeout_ratio", ratio,
	)
	t.gate.SetLimit(limit)
}
