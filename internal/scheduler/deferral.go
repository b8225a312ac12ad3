package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// DeferralConfig bounds how long the queue waits before re-checking a
// conflict.
type DeferralConfig struct {
	Min       time.Duration // Lower bound (default: 30s)
	Max       time.Duration // Upper bound (default: 5m)
	Default   time.Duration // Estimate for unknown task types (default: 60s)
	JitterPct float64       // Jitter as a percentage of delay (default: 0.1 = ±5%)
}

// DefaultDeferralConfig returns the standard bounds.
func DefaultDeferralConfig() DeferralConfig {
	return DeferralConfig{
		Min:       30 * time.Second,
		Max:       5 * time.Minute,
		Default:   60 * time.Second,
		JitterPct: 0.1,
	}
}

// DefaultTypeWaits are typical run times of well-known automation tasks.
// Catalogue wait times override them.
var DefaultTypeWaits = map[string]time.Duration{
	"mihoyoBBSTools":      2 * time.Minute,
	"march7thAssistant":   11 * time.Minute,
	"zenlessZoneZero":     11 * time.Minute,
	"betterGenshinImpact": 11 * time.Minute,
}

// Deferral estimates the wait before retrying while a conflicting task
// runs, from a per-task-type duration table.
type Deferral struct {
	config DeferralConfig

	mu       sync.Mutex
	waits    map[string]time.Duration
	attempts int
	rng      *rand.Rand
}

// NewDeferral creates an estimator. The seed makes jitter reproducible.
func NewDeferral(seed int64, cfg DeferralConfig, waits map[string]time.Duration) *Deferral {
	d := &Deferral{
		config: cfg,
		waits:  make(map[string]time.Duration),
		rng:    rand.New(rand.NewSource(seed)),
	}
	for k, v := range DefaultTypeWaits {
		d.waits[k] = v
	}
	for k, v := range waits {
		if v > 0 {
			d.waits[k] = v
		}
	}
	return d
}

// SetWait replaces the estimate for one task key.
func (d *Deferral) SetWait(key string, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if wait > 0 {
		d.waits[key] = wait
	} else {
		delete(d.waits, key)
	}
}

// Next returns the delay for a conflict caused by key and counts the
// attempt.
func (d *Deferral) Next(key string) time.Duration {
	delay := d.Calculate(key)
	d.mu.Lock()
	d.attempts++
	d.mu.Unlock()
	return delay
}

// Calculate returns the delay for key without counting an attempt.
func (d *Deferral) Calculate(key string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	base, ok := d.waits[key]
	if !ok {
		base = d.config.Default
	}
	delay := float64(d.clamp(base))

	// Add jitter: ±(JitterPct/2) of the delay
	if d.config.JitterPct > 0 {
		jitterRange := delay * d.config.JitterPct
		delay += jitterRange*d.rng.Float64() - jitterRange/2
	}

	return d.clamp(time.Duration(delay))
}

func (d *Deferral) clamp(v time.Duration) time.Duration {
	if v < d.config.Min {
		v = d.config.Min
	}
	if d.config.Max > 0 && v > d.config.Max {
		v = d.config.Max
	}
	return v
}

// Reset resets the attempt counter to zero.
func (d *Deferral) Reset() {
	d.mu.Lock()
	d.attempts = 0
	d.mu.Unlock()
}

// Attempts returns the number of consecutive deferrals.
func (d *Deferral) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
