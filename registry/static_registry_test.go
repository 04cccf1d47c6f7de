package registry

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDiscoverSeed(t *testing.T) {
	seed := map[string][]ServiceInstance{
		"auth": {{Addr: "10.0.0.1:7001", TLS: true}},
	}
	reg := NewStaticRegistry(seed)
	seed["auth"][0].Addr = "changed"

	instances, err := reg.Discover(context.Background(), "auth")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{{Addr: "10.0.0.1:7001", TLS: true}}, instances)

	_, err = reg.Discover(context.Background(), "power")
	assert.True(t, errors.Is(err, ErrNoInstances))
}

func TestStaticRegisterReplacesSameAddr(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry(nil)
	require.NoError(t, reg.Register(ctx, "power", ServiceInstance{Addr: "a:1", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, "power", ServiceInstance{Addr: "a:1", Weight: 3}, 0))
	require.NoError(t, reg.Register(ctx, "power", ServiceInstance{Addr: "b:1"}, 0))

	instances, err := reg.Discover(ctx, "power")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{{Addr: "a:1", Weight: 3}, {Addr: "b:1"}}, instances)

	require.NoError(t, reg.Deregister(ctx, "power", "a:1"))
	instances, err = reg.Discover(ctx, "power")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{{Addr: "b:1"}}, instances)

	assert.True(t, errors.Is(reg.Register(ctx, "power", ServiceInstance{}, 0), errors.NotValid))
}

func TestStaticWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry(nil)
	updates := reg.Watch(ctx, "reservation")

	require.NoError(t, reg.Register(context.Background(), "reservation", ServiceInstance{Addr: "a:1"}, 0))
	require.NoError(t, reg.Register(context.Background(), "reservation", ServiceInstance{Addr: "b:1"}, 0))

	// Unread updates collapse into the latest list.
	select {
	case instances := <-updates:
		assert.Len(t, instances, 2)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
