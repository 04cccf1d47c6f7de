package power

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() (*Service, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(Config{Outlets: map[string]int{"n1": 1, "n2": 2}, CycleDelay: 2 * time.Second, Clock: clk}), clk
}

func TestOnOff(t *testing.T) {
	s, clk := newService()
	ctx := context.Background()

	st, err := s.PowerStatus(ctx, &NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, &Status{Node: "n1", Outlet: 1}, st)

	st, err = s.PowerOn(ctx, &NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, &Status{Node: "n1", Outlet: 1, On: true, Changed: clk.Now()}, st)

	clk.Advance(time.Minute)
	// Switching to the current state changes nothing.
	st, err = s.PowerOn(ctx, &NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(-time.Minute), st.Changed)

	st, err = s.PowerOff(ctx, &NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.False(t, st.On)

	_, err = s.PowerOn(ctx, &NodeArgs{Node: "n9"})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestPowerCycle(t *testing.T) {
	s, clk := newService()
	ctx := context.Background()
	_, err := s.PowerOn(ctx, &NodeArgs{Node: "n2"})
	require.NoError(t, err)

	done := make(chan *Status, 1)
	go func() {
		st, err := s.PowerCycle(ctx, &NodeArgs{Node: "n2"})
		assert.NoError(t, err)
		done <- st
	}()
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))

	st, err := s.PowerStatus(ctx, &NodeArgs{Node: "n2"})
	require.NoError(t, err)
	assert.False(t, st.On, "off during the cycle")
	_, err = s.PowerOn(ctx, &NodeArgs{Node: "n2"})
	assert.True(t, errors.Is(err, errors.AlreadyExists))
	_, err = s.PowerCycle(ctx, &NodeArgs{Node: "n2"})
	assert.True(t, errors.Is(err, errors.AlreadyExists))

	clk.Advance(2 * time.Second)
	st = <-done
	assert.True(t, st.On)
}

func TestPowerCycleCancelled(t *testing.T) {
	s, clk := newService()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.PowerCycle(ctx, &NodeArgs{Node: "n1"})
		done <- err
	}()
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	st, err := s.PowerOn(context.Background(), &NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.True(t, st.On)
}
