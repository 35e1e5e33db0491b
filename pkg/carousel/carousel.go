// Package carousel repeats a unit of work for a bounded number of iterations
// while enforcing replenishing request and token budgets.
package carousel

import (
	"context"
	"errors"
	"fmt"
	"time"

	grovelogging "github.com/mattsolo1/grove-core/logging"
	"github.com/sirupsen/logrus"
)

// Config controls a carousel run.
type Config struct {
	Iterations      int     `yaml:"iterations" json:"iterations"`
	Budgets         Budgets `yaml:"budgets,omitempty" json:"budgets,omitempty"`
	Estimate        *Usage  `yaml:"estimate,omitempty" json:"estimate,omitempty"`
	ContinueOnError bool    `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	// Acts restricts each iteration to a subsequence of the narrative's steps.
	Acts          []string      `yaml:"acts,omitempty" json:"acts,omitempty"`
	WaitForBudget bool          `yaml:"wait_for_budget,omitempty" json:"wait_for_budget,omitempty"`
	MaxWait       time.Duration `yaml:"max_wait,omitempty" json:"max_wait,omitempty"`
}

// Validate checks the static shape of the config.
func (c *Config) Validate() error {
	var errs []error
	if c.Iterations < 1 {
		errs = append(errs, fmt.Errorf("iterations must be at least 1, got %d", c.Iterations))
	}
	if c.Estimate != nil && (c.Estimate.Requests < 0 || c.Estimate.Tokens < 0) {
		errs = append(errs, errors.New("estimate must not be negative"))
	}
	if c.MaxWait < 0 {
		errs = append(errs, errors.New("max_wait must not be negative"))
	}
	return errors.Join(errs...)
}

// Termination is the reason a carousel run stopped.
type Termination string

const (
	TerminationCompleted       Termination = "completed"
	TerminationBudgetExhausted Termination = "budget_exhausted"
	TerminationError           Termination = "error"
)

// State is the outcome of a carousel run.
type State struct {
	Total           int         `json:"total"`
	Succeeded       int         `json:"succeeded"`
	Failed          int         `json:"failed"`
	BudgetExhausted bool        `json:"budget_exhausted"`
	ExhaustedMetric Metric      `json:"exhausted_metric,omitempty"`
	Termination     Termination `json:"termination"`
	Usage           Usage       `json:"usage"`
	Err             error       `json:"-"`
}

// Iteration runs one pass and reports what it consumed. Usage is counted
// against the budgets even when err is non-nil.
type Iteration func(ctx context.Context, index int) (Usage, error)

// Controller drives iterations against a Budget.
type Controller struct {
	config Config
	budget *Budget
	sleep  func(ctx context.Context, d time.Duration) error
	log    *logrus.Entry
}

// Option customizes a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *logrus.Entry
}

// WithClock replaces the wall clock used for replenishment.
func WithClock(now func() time.Time) Option {
	return func(o *controllerOptions) { o.now = now }
}

// WithSleep replaces the function used to await replenishment.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *controllerOptions) { o.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *controllerOptions) { o.log = log }
}

// NewController validates cfg and builds a controller with full budgets.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid carousel config: %w", err)
	}
	o := controllerOptions{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = grovelogging.NewLogger("grove-narrative.carousel")
	}
	budget, err := NewBudget(cfg.Budgets, o.now)
	if err != nil {
		return nil, fmt.Errorf("invalid carousel config: %w", err)
	}
	return &Controller{config: cfg, budget: budget, sleep: o.sleep, log: o.log}, nil
}

// Budget exposes the controller's counters.
func (c *Controller) Budget() *Budget {
	return c.budget
}

// Run executes up to Iterations passes of fn. Budget exhaustion ends the run
// successfully with BudgetExhausted set. An iteration failure aborts the run
// unless ContinueOnError is set.
func (c *Controller) Run(ctx context.Context, fn Iteration) (*State, error) {
	state := &State{}
	var last *Usage

	for i := 0; i < c.config.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return c.abort(state, fmt.Errorf("carousel cancelled before iteration %d: %w", i+1, err))
		}

		est := c.estimate(last)
		if short, err := c.awaitBudget(ctx, est); err != nil {
			return c.abort(state, err)
		} else if short != nil {
			state.BudgetExhausted = true
			state.ExhaustedMetric = short.Metric
			state.Termination = TerminationBudgetExhausted
			c.log.WithFields(logrus.Fields{
				"iteration": i + 1,
				"metric":    short.Metric,
				"need":      short.Need,
				"level":     short.Level,
			}).Info("Carousel budget exhausted")
			return state, nil
		}

		usage, err := fn(ctx, i)
		c.budget.Consume(usage)
		state.Total++
		state.Usage = state.Usage.Add(usage)
		if err == nil || usage != (Usage{}) {
			measured := usage
			last = &measured
		}

		if err != nil {
			state.Failed++
			if !c.config.ContinueOnError {
				return c.abort(state, fmt.Errorf("carousel iteration %d: %w", i+1, err))
			}
			c.log.WithError(err).WithField("iteration", i+1).Warn("Carousel iteration failed, continuing")
			continue
		}
		state.Succeeded++
	}

	state.Termination = TerminationCompleted
	return state, nil
}

func (c *Controller) abort(state *State, err error) (*State, error) {
	state.Termination = TerminationError
	state.Err = err
	return state, err
}

// estimate prefers the last measured iteration, failed or not, over the
// static estimate.
func (c *Controller) estimate(last *Usage) Usage {
	if last != nil {
		return *last
	}
	if c.config.Estimate != nil {
		return *c.config.Estimate
	}
	return Usage{}
}

// awaitBudget returns the shortfall that stops the run, or nil when the
// iteration may start. It only sleeps when WaitForBudget is enabled.
func (c *Controller) awaitBudget(ctx context.Context, est Usage) (*Shortfall, error) {
	for {
		short := c.budget.Check(est)
		if short == nil {
			return nil, nil
		}
		if !c.config.WaitForBudget || short.Wait < 0 {
			return short, nil
		}
		if c.config.MaxWait > 0 && short.Wait > c.config.MaxWait {
			return short, nil
		}
		c.log.WithFields(logrus.Fields{
			"metric": short.Metric,
			"wait":   short.Wait.String(),
		}).Info("Waiting for carousel budget to replenish")
		if err := c.sleep(ctx, short.Wait); err != nil {
			return nil, fmt.Errorf("waiting for budget: %w", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
