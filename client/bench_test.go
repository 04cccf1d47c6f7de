package client

import (
	"context"
	"testing"

	"hen/registry"
)

func benchClient(b *testing.B) *Client {
	reg := registry.NewStaticRegistry(nil)
	startDaemon(b, reg)
	return newClient(b, Config{Registry: reg, PoolSize: 8})
}

func BenchmarkSerialCall(b *testing.B) {
	c := benchClient(b)
	ctx := context.Background()
	var res addResult
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Call(ctx, "arith", "add", &addArgs{A: 1, B: 2}, &res); err != nil {
			b.Fatal(err)
		}
	}
}

// Calls share the pooled endpoints, several in flight per connection.
func BenchmarkConcurrentCall(b *testing.B) {
	c := benchClient(b)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var res addResult
		for pb.Next() {
			if err := c.Call(ctx, "arith", "add", &addArgs{A: 1, B: 2}, &res); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
