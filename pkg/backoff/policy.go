// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	InitialMs float64 `mapstructure:"initial_ms"`
	MaxMs     float64 `mapstructure:"max_ms"`
	Factor    float64 `mapstructure:"factor"`
	// Jitter is the randomization factor in [0, 1] added on top of the base delay.
	Jitter float64 `mapstructure:"jitter"`
}

// Compute returns min(MaxMs, base + base*Jitter*rand) where
// base = InitialMs * Factor^(attempt-1). Attempts start at 1.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func ComputeWithRand(p Policy, attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	total := math.Min(p.MaxMs, base+base*p.Jitter*r)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Max is the delay used once a caller has exhausted its bounded attempts.
func (p Policy) Max() time.Duration {
	return time.Duration(math.Round(p.MaxMs)) * time.Millisecond
}

func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0.1,
	}
}
