//go:build benchmark
// +build benchmark

// Package throughput benchmarks tag reads against the in-process simulator.
package throughput

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/testing/testutil"
)

func newBenchFactory(b *testing.B) *modbus.Factory {
	b.Helper()
	sim := testutil.StartSimulator(b)
	sim.LoadFactoryIO()

	factory := modbus.NewFactory(modbus.FactoryConfig{}, zerolog.Nop(), nil)
	b.Cleanup(func() { _ = factory.Close() })
	if _, err := factory.Register("bench", sim.ClientOptions(), testutil.FactoryIOTags()); err != nil {
		b.Fatalf("register failed: %v", err)
	}
	return factory
}

// BenchmarkReadTag measures one scaled register read per iteration.
func BenchmarkReadTag(b *testing.B) {
	factory := newBenchFactory(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := factory.ReadTag(ctx, "bench", "temperature"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReadTags measures a full tag map read per iteration.
func BenchmarkReadTags(b *testing.B) {
	factory := newBenchFactory(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := factory.ReadTags(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportMetric(float64(b.N*len(testutil.FactoryIOTags()))/b.Elapsed().Seconds(), "tags/s")
}

// BenchmarkReadTag_Parallel measures contention on the request gate.
func BenchmarkReadTag_Parallel(b *testing.B) {
	factory := newBenchFactory(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := factory.ReadTag(ctx, "bench", "speed"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
