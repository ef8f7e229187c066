package sched

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/strest-io/strest/internal/config"
)

// Limiter gates request issuance. Acquire blocks until a token is
// available or the context is cancelled.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// BuildLimiter resolves the configured arrival process. Precedence follows
// the documented flag semantics: a fixed rate wins, then a load profile,
// then burst pacing; nil means uncapped issuance.
func BuildLimiter(rateLimit uint64, profile *config.LoadProfile, burstDelay time.Duration, burstRate int, done <-chan struct{}) Limiter {
	switch {
	case rateLimit > 0:
		return newTokenBucket(rateLimit)
	case profile != nil:
		return newProfileLimiter(profile, done)
	case burstDelay > 0 && burstRate > 0:
		return newBurstPacer(burstDelay, burstRate, done)
	default:
		return nil
	}
}

type tokenBucket struct {
	lim *rate.Limiter
}

// newTokenBucket produces tokens at rps per second with a small burst
// allowance so short stalls do not starve the target rate.
func newTokenBucket(rps uint64) *tokenBucket {
	return &tokenBucket{lim: rate.NewLimiter(rate.Limit(rps), burstFor(rps))}
}

func burstFor(rps uint64) int {
	burst := rps / 10
	if burst < 1 {
		burst = 1
	}
	if burst > 64 {
		burst = 64
	}
	return int(burst)
}

func (b *tokenBucket) Acquire(ctx context.Context) error {
	return b.lim.Wait(ctx)
}

// profileLimiter holds the stage's target rate piecewise-constant: a driver
// goroutine retunes the bucket at each stage boundary. Over a stage of
// duration D at target T rpm the bucket admits D*T/60 requests to within
// the bucket's burst allowance.
type profileLimiter struct {
	lim *rate.Limiter
}

func newProfileLimiter(profile *config.LoadProfile, done <-chan struct{}) *profileLimiter {
	initial := rpmToRate(profile.InitialRPM)
	p := &profileLimiter{lim: rate.NewLimiter(initial, profileBurst(profile.InitialRPM))}

	stages := make([]config.LoadStage, len(profile.Stages))
	copy(stages, profile.Stages)
	go func() {
		for _, stage := range stages {
			p.lim.SetLimit(rpmToRate(stage.TargetRPM))
			p.lim.SetBurst(profileBurst(stage.TargetRPM))
			timer := time.NewTimer(stage.Duration)
			select {
			case <-done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return p
}

func rpmToRate(rpm uint64) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

func profileBurst(rpm uint64) int {
	return burstFor(rpm / 60)
}

func (p *profileLimiter) Acquire(ctx context.Context) error {
	return p.lim.Wait(ctx)
}

// burstPacer releases burstRate tokens every delay.
type burstPacer struct {
	tokens chan struct{}
}

func newBurstPacer(delay time.Duration, burstRate int, done <-chan struct{}) *burstPacer {
	p := &burstPacer{tokens: make(chan struct{}, burstRate)}
	go func() {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for i := 0; i < burstRate; i++ {
					select {
					case p.tokens <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return p
}

func (p *burstPacer) Acquire(ctx context.Context) error {
	select {
	case <-p.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
