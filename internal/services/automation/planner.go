package automation

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	// Backoff is indexed by retry count; the last step repeats.
	Backoff []time.Duration // default: 5m, 15m, 30m, 60m

	RescrapeMinDelay time.Duration // default: 30 minutes
	RescrapeMaxDelay time.Duration // default: 120 minutes

	RateLimitedDelay time.Duration // default: 1 minute
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff: []time.Duration{
			5 * time.Minute,
			15 * time.Minute,
			30 * time.Minute,
			60 * time.Minute,
		},
		RescrapeMinDelay: 30 * time.Minute,
		RescrapeMaxDelay: 120 * time.Minute,
		RateLimitedDelay: 1 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	ladder := make([]time.Duration, 0, len(cfg.Backoff))
	for _, d := range cfg.Backoff {
		if d > 0 {
			ladder = append(ladder, d)
		}
	}
	if len(ladder) == 0 {
		ladder = def.Backoff
	}
	cfg.Backoff = ladder
	if cfg.RescrapeMinDelay <= 0 {
		cfg.RescrapeMinDelay = def.RescrapeMinDelay
	}
	if cfg.RescrapeMaxDelay <= 0 {
		cfg.RescrapeMaxDelay = def.RescrapeMaxDelay
	}
	if cfg.RescrapeMaxDelay < cfg.RescrapeMinDelay {
		cfg.RescrapeMaxDelay = cfg.RescrapeMinDelay
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = def.RateLimitedDelay
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the wait before attempt retryCount+1, retryCount being the failures so far.
func (p *Planner) BackoffDelay(retryCount int) time.Duration {
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.cfg.Backoff) {
		i = len(p.cfg.Backoff) - 1
	}
	return p.cfg.Backoff[i]
}

// RescrapeDelay spreads re-checks of seller orders that have no tracking number yet.
func (p *Planner) RescrapeDelay() time.Duration {
	min := p.cfg.RescrapeMinDelay
	max := p.cfg.RescrapeMaxDelay
	if max == min {
		return min
	}
	secMin := int(min.Seconds())
	secMax := int(max.Seconds())
	if secMax < secMin {
		secMax = secMin
	}
	return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
}

func (p *Planner) RateLimitedDelay() time.Duration {
	return p.cfg.RateLimitedDelay
}
