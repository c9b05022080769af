package keeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/starford/yieldkeeper/internal/apperr"
)

type countingCycler struct {
	runs  atomic.Int32
	ran   chan struct{}
	err   error
	panic bool
}

func newCountingCycler() *countingCycler {
	return &countingCycler{ran: make(chan struct{}, 16)}
}

func (c *countingCycler) RunCycle(context.Context) (CycleReport, error) {
	c.runs.Add(1)
	defer func() { c.ran <- struct{}{} }()
	if c.panic {
		panic("cycle exploded")
	}
	return CycleReport{}, c.err
}

func waitRun(t *testing.T, c *countingCycler) {
	t.Helper()
	select {
	case <-c.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not run")
	}
}

func TestScheduler_RunsImmediatelyThenOnTrigger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cycler := newCountingCycler()
	trigger := &ManualTrigger{}
	s := NewScheduler(cycler, trigger, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitRun(t, cycler)
	assert.Equal(t, int32(1), cycler.runs.Load())

	require.True(t, trigger.Fire())
	require.True(t, trigger.Fire())
	assert.Equal(t, int32(3), cycler.runs.Load())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, trigger.Fire(), "trigger must be detached after shutdown")
}

func TestScheduler_CycleFailuresDoNotStopIt(t *testing.T) {
	for name, cycler := range map[string]*countingCycler{
		"error":     {ran: make(chan struct{}, 16), err: assert.AnError},
		"in flight": {ran: make(chan struct{}, 16), err: apperr.ErrCycleInFlight},
		"panic":     {ran: make(chan struct{}, 16), panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			trigger := &ManualTrigger{}
			s := NewScheduler(cycler, trigger, discardLogger())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()
			waitRun(t, cycler)

			require.True(t, trigger.Fire())
			assert.Equal(t, int32(2), cycler.runs.Load())

			cancel()
			require.NoError(t, <-done)
		})
	}
}

func TestScheduler_CancelledContextSkipsFires(t *testing.T) {
	cycler := newCountingCycler()
	s := NewScheduler(cycler, &ManualTrigger{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, cycler.runs.Load())
}

func TestCronTrigger_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	trigger := NewCronTrigger(time.Hour, discardLogger())
	require.NoError(t, trigger.Start(func() {}))
	trigger.Stop()
}

func TestCronTrigger_Fires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real cron tick")
	}
	fired := make(chan struct{}, 4)
	trigger := NewCronTrigger(time.Second, discardLogger())
	require.NoError(t, trigger.Start(func() { fired <- struct{}{} }))
	defer trigger.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron trigger never fired")
	}
}
