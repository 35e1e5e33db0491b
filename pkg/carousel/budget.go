package carousel

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Usage is the measured or estimated consumption of one iteration.
type Usage struct {
	Requests int64 `yaml:"requests" json:"requests"`
	Tokens   int64 `yaml:"tokens" json:"tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{Requests: u.Requests + o.Requests, Tokens: u.Tokens + o.Tokens}
}

// Budgets holds the ceilings for each tracked metric. Zero means unlimited.
type Budgets struct {
	RequestsPerMinute int64 `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute,omitempty" json:"tokens_per_minute,omitempty"`
	RequestsPerDay    int64 `yaml:"requests_per_day,omitempty" json:"requests_per_day,omitempty"`
	TokensPerDay      int64 `yaml:"tokens_per_day,omitempty" json:"tokens_per_day,omitempty"`
}

// IsZero reports whether no metric is configured.
func (b Budgets) IsZero() bool {
	return b == Budgets{}
}

// Metric identifies one replenishing counter.
type Metric string

const (
	RequestsPerMinute Metric = "requests_per_minute"
	TokensPerMinute   Metric = "tokens_per_minute"
	RequestsPerDay    Metric = "requests_per_day"
	TokensPerDay      Metric = "tokens_per_day"
)

type counter struct {
	metric  Metric
	ceiling int64
	window  time.Duration
	limiter *rate.Limiter
}

func (c *counter) amount(u Usage) int64 {
	switch c.metric {
	case RequestsPerMinute, RequestsPerDay:
		return u.Requests
	default:
		return u.Tokens
	}
}

// Budget tracks every configured metric as a token bucket that refills
// linearly over its window (a minute or a day).
type Budget struct {
	mu       sync.Mutex
	counters []*counter
	now      func() time.Time
}

// Shortfall describes why a budget check failed.
type Shortfall struct {
	Metric Metric
	Need   int64
	Level  float64
	// Wait is how long until the counter holds Need, or -1 when Need
	// exceeds the ceiling and can never be satisfied.
	Wait time.Duration
}

func (s *Shortfall) String() string {
	return fmt.Sprintf("%s: need %d, have %.0f", s.Metric, s.Need, s.Level)
}

// NewBudget creates a budget with every counter full.
func NewBudget(b Budgets, now func() time.Time) (*Budget, error) {
	if now == nil {
		now = time.Now
	}
	budget := &Budget{now: now}
	for _, def := range []struct {
		metric  Metric
		ceiling int64
		window  time.Duration
	}{
		{RequestsPerMinute, b.RequestsPerMinute, time.Minute},
		{TokensPerMinute, b.TokensPerMinute, time.Minute},
		{RequestsPerDay, b.RequestsPerDay, 24 * time.Hour},
		{TokensPerDay, b.TokensPerDay, 24 * time.Hour},
	} {
		if def.ceiling < 0 {
			return nil, fmt.Errorf("budget %s must not be negative, got %d", def.metric, def.ceiling)
		}
		if def.ceiling == 0 {
			continue
		}
		if def.ceiling > math.MaxInt32 {
			return nil, fmt.Errorf("budget %s exceeds maximum ceiling %d", def.metric, math.MaxInt32)
		}
		refill := rate.Limit(float64(def.ceiling) / def.window.Seconds())
		budget.counters = append(budget.counters, &counter{
			metric:  def.metric,
			ceiling: def.ceiling,
			window:  def.window,
			limiter: rate.NewLimiter(refill, int(def.ceiling)),
		})
	}
	return budget, nil
}

// Check replenishes every counter by the elapsed time and reports the first
// metric that cannot cover est. A counter at or below zero is exhausted even
// when est does not touch it. A nil result means the iteration may start.
func (b *Budget) Check(est Usage) *Shortfall {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, c := range b.counters {
		need := c.amount(est)
		level := c.limiter.TokensAt(now)
		if level <= 0 && need < 1 {
			need = 1
		}
		if need <= 0 || float64(need) <= level {
			continue
		}
		wait := time.Duration(-1)
		if need <= c.ceiling {
			deficit := float64(need) - level
			seconds := deficit / float64(c.limiter.Limit())
			wait = time.Duration(math.Ceil(seconds*float64(time.Second))) + time.Millisecond
		}
		return &Shortfall{Metric: c.metric, Need: need, Level: level, Wait: wait}
	}
	return nil
}

// Consume deducts actual usage. Counters may go below zero; the debt is
// repaid by refill before the next check succeeds.
func (b *Budget) Consume(actual Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, c := range b.counters {
		n := c.amount(actual)
		if n <= 0 {
			continue
		}
		if n > c.ceiling {
			n = c.ceiling
		}
		c.limiter.ReserveN(now, int(n))
	}
}

// Levels returns the current level of every configured metric.
func (b *Budget) Levels() map[Metric]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	levels := make(map[Metric]float64, len(b.counters))
	for _, c := range b.counters {
		levels[c.metric] = c.limiter.TokensAt(now)
	}
	return levels
}
