package carousel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

func fixedUsage(u Usage) Iteration {
	return func(ctx context.Context, index int) (Usage, error) {
		return u, nil
	}
}

func TestController_StopsWhenTokensPerMinuteExhausted(t *testing.T) {
	clock := newFakeClock()
	ctrl, err := NewController(Config{
		Iterations: 5,
		Budgets:    Budgets{TokensPerMinute: 3000},
		Estimate:   &Usage{Requests: 1, Tokens: 1000},
	}, WithClock(clock.Now))
	require.NoError(t, err)

	state, err := ctrl.Run(context.Background(), fixedUsage(Usage{Requests: 1, Tokens: 1000}))
	require.NoError(t, err)

	assert.Equal(t, 3, state.Total)
	assert.Equal(t, 3, state.Succeeded)
	assert.Equal(t, 0, state.Failed)
	assert.True(t, state.BudgetExhausted)
	assert.Equal(t, TokensPerMinute, state.ExhaustedMetric)
	assert.Equal(t, TerminationBudgetExhausted, state.Termination)
	assert.Nil(t, state.Err)
}

func TestController_CompletesWithoutBudgets(t *testing.T) {
	ctrl, err := NewController(Config{Iterations: 4})
	require.NoError(t, err)

	var seen []int
	state, err := ctrl.Run(context.Background(), func(ctx context.Context, index int) (Usage, error) {
		seen = append(seen, index)
		return Usage{Requests: 1, Tokens: 50}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, seen)
	assert.Equal(t, TerminationCompleted, state.Termination)
	assert.False(t, state.BudgetExhausted)
	assert.Equal(t, Usage{Requests: 4, Tokens: 200}, state.Usage)
}

func TestController_HigherCeilingAdmitsMoreIterations(t *testing.T) {
	run := func(ceiling int64) int {
		clock := newFakeClock()
		ctrl, err := NewController(Config{
			Iterations: 10,
			Budgets:    Budgets{RequestsPerDay: ceiling},
			Estimate:   &Usage{Requests: 2},
		}, WithClock(clock.Now))
		require.NoError(t, err)
		state, err := ctrl.Run(context.Background(), fixedUsage(Usage{Requests: 2}))
		require.NoError(t, err)
		return state.Succeeded
	}

	prev := 0
	for _, ceiling := range []int64{1, 2, 5, 8, 20} {
		got := run(ceiling)
		assert.GreaterOrEqual(t, got, prev, "ceiling %d", ceiling)
		prev = got
	}
	assert.Equal(t, 10, prev)
}

func TestController_UsesMeasuredUsageAfterFirstIteration(t *testing.T) {
	clock := newFakeClock()
	ctrl, err := NewController(Config{
		Iterations: 5,
		Budgets:    Budgets{TokensPerMinute: 1000},
		Estimate:   &Usage{Tokens: 10},
	}, WithClock(clock.Now))
	require.NoError(t, err)

	// Each pass really costs 400 tokens: 1000 -> 600 -> 200, then the
	// measured estimate of 400 no longer fits.
	state, err := ctrl.Run(context.Background(), fixedUsage(Usage{Tokens: 400}))
	require.NoError(t, err)
	assert.Equal(t, 2, state.Succeeded)
	assert.True(t, state.BudgetExhausted)
}

func TestController_ReplenishesOverTime(t *testing.T) {
	clock := newFakeClock()
	ctrl, err := NewController(Config{
		Iterations: 3,
		Budgets:    Budgets{RequestsPerMinute: 2},
		Estimate:   &Usage{Requests: 1},
	}, WithClock(clock.Now))
	require.NoError(t, err)

	// Without refill the third pass would find an empty counter.
	state, err := ctrl.Run(context.Background(), func(ctx context.Context, index int) (Usage, error) {
		clock.t = clock.t.Add(30 * time.Second)
		return Usage{Requests: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, state.Succeeded)
	assert.Equal(t, TerminationCompleted, state.Termination)
}

func TestController_WaitForBudget(t *testing.T) {
	clock := newFakeClock()
	ctrl, err := NewController(Config{
		Iterations:    3,
		Budgets:       Budgets{RequestsPerMinute: 1},
		Estimate:      &Usage{Requests: 1},
		WaitForBudget: true,
	}, WithClock(clock.Now), WithSleep(clock.Sleep))
	require.NoError(t, err)

	start := clock.Now()
	state, err := ctrl.Run(context.Background(), fixedUsage(Usage{Requests: 1}))
	require.NoError(t, err)
	assert.Equal(t, 3, state.Succeeded)
	assert.False(t, state.BudgetExhausted)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 2*time.Minute)
}

func TestController_WaitBeyondMaxWaitHalts(t *testing.T) {
	clock := newFakeClock()
	ctrl, err := NewController(Config{
		Iterations:    3,
		Budgets:       Budgets{RequestsPerDay: 1},
		Estimate:      &Usage{Requests: 1},
		WaitForBudget: true,
		MaxWait:       time.Minute,
	}, WithClock(clock.Now), WithSleep(clock.Sleep))
	require.NoError(t, err)

	state, err := ctrl.Run(context.Background(), fixedUsage(Usage{Requests: 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, state.Succeeded)
	assert.True(t, state.BudgetExhausted)
}

func TestController_ErrorPolicy(t *testing.T) {
	boom := errors.New("boom")
	failSecond := func(ctx context.Context, index int) (Usage, error) {
		if index == 1 {
			return Usage{Requests: 1}, boom
		}
		return Usage{Requests: 1}, nil
	}

	t.Run("abort on first failure", func(t *testing.T) {
		ctrl, err := NewController(Config{Iterations: 4})
		require.NoError(t, err)

		state, err := ctrl.Run(context.Background(), failSecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, TerminationError, state.Termination)
		assert.Equal(t, 2, state.Total)
		assert.Equal(t, 1, state.Succeeded)
		assert.Equal(t, 1, state.Failed)
	})

	t.Run("continue on error", func(t *testing.T) {
		ctrl, err := NewController(Config{Iterations: 4, ContinueOnError: true})
		require.NoError(t, err)

		state, err := ctrl.Run(context.Background(), failSecond)
		require.NoError(t, err)
		assert.Equal(t, TerminationCompleted, state.Termination)
		assert.Equal(t, 4, state.Total)
		assert.Equal(t, 3, state.Succeeded)
		assert.Equal(t, 1, state.Failed)
	})
}

func TestController_FailedIterationsStillDrainBudget(t *testing.T) {
	boom := errors.New("boom")
	failing := func(tokens int64) Iteration {
		return func(ctx context.Context, index int) (Usage, error) {
			return Usage{Tokens: tokens}, boom
		}
	}

	t.Run("empty counter stops the next iteration", func(t *testing.T) {
		clock := newFakeClock()
		ctrl, err := NewController(Config{
			Iterations:      5,
			Budgets:         Budgets{TokensPerMinute: 100},
			ContinueOnError: true,
		}, WithClock(clock.Now))
		require.NoError(t, err)

		state, err := ctrl.Run(context.Background(), failing(100))
		require.NoError(t, err)
		assert.Equal(t, 1, state.Total)
		assert.Equal(t, 1, state.Failed)
		assert.True(t, state.BudgetExhausted)
		assert.Equal(t, TokensPerMinute, state.ExhaustedMetric)
		assert.GreaterOrEqual(t, ctrl.Budget().Levels()[TokensPerMinute], 0.0)
	})

	t.Run("failed usage becomes the next estimate", func(t *testing.T) {
		clock := newFakeClock()
		ctrl, err := NewController(Config{
			Iterations:      5,
			Budgets:         Budgets{TokensPerMinute: 100},
			ContinueOnError: true,
		}, WithClock(clock.Now))
		require.NoError(t, err)

		// 100 -> 40; a second 60-token pass no longer fits.
		state, err := ctrl.Run(context.Background(), failing(60))
		require.NoError(t, err)
		assert.Equal(t, 1, state.Total)
		assert.True(t, state.BudgetExhausted)
		assert.InDelta(t, 40, ctrl.Budget().Levels()[TokensPerMinute], 0.001)
	})
}

func TestBudget_EmptyCounterIsExhaustedForAnyEstimate(t *testing.T) {
	clock := newFakeClock()
	b, err := NewBudget(Budgets{TokensPerMinute: 100, RequestsPerMinute: 10}, clock.Now)
	require.NoError(t, err)

	b.Consume(Usage{Tokens: 100})
	short := b.Check(Usage{Requests: 1})
	require.NotNil(t, short)
	assert.Equal(t, TokensPerMinute, short.Metric)
	assert.Positive(t, short.Wait)

	clock.t = clock.t.Add(time.Minute)
	assert.Nil(t, b.Check(Usage{Requests: 1}))
}

func TestController_CancelledBetweenIterations(t *testing.T) {
	ctrl, err := NewController(Config{Iterations: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	state, err := ctrl.Run(ctx, func(ctx context.Context, index int) (Usage, error) {
		if index == 1 {
			cancel()
		}
		return Usage{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, state.Succeeded)
	assert.Equal(t, TerminationError, state.Termination)
}

func TestNewController_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero iterations", Config{Iterations: 0}},
		{"negative budget", Config{Iterations: 1, Budgets: Budgets{TokensPerDay: -1}}},
		{"negative estimate", Config{Iterations: 1, Estimate: &Usage{Tokens: -5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBudget_CheckReportsUnsatisfiableNeed(t *testing.T) {
	clock := newFakeClock()
	b, err := NewBudget(Budgets{TokensPerMinute: 100}, clock.Now)
	require.NoError(t, err)

	short := b.Check(Usage{Tokens: 500})
	require.NotNil(t, short)
	assert.Equal(t, TokensPerMinute, short.Metric)
	assert.Equal(t, time.Duration(-1), short.Wait)

	assert.Nil(t, b.Check(Usage{Tokens: 100}))
	b.Consume(Usage{Tokens: 100})
	assert.InDelta(t, 0, b.Levels()[TokensPerMinute], 0.001)
}
