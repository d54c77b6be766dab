package test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"dotrpc/client"
	"dotrpc/codec"
	"dotrpc/discovery"
	"dotrpc/registry"
	"dotrpc/server"
)

// ---- setup shared by the benchmarks ----

func setupServerAndClient(b *testing.B, codecType codec.CodecType) *client.Client {
	reg := registry.NewMemoryRegistry()

	svr := server.NewServer(discovery.NewResolver(reg, discovery.Options{}), server.Options{
		Host:   "127.0.0.1",
		Logger: zap.NewNop(),
	})
	if err := svr.AddService(&Arith{}); err != nil {
		b.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(svr.Shutdown)

	c := client.NewClient(discovery.NewResolver(reg, discovery.Options{}), client.Options{
		Codec:  codecType,
		Logger: zap.NewNop(),
	})
	b.Cleanup(func() { c.Disconnect() })
	return c
}

// ---- Benchmark 1: serial calls (one connection per call) ----

func BenchmarkSerialJSON(b *testing.B) {
	benchmarkSerial(b, codec.CodecTypeJSON)
}

func BenchmarkSerialBinary(b *testing.B) {
	benchmarkSerial(b, codec.CodecTypeBinary)
}

func benchmarkSerial(b *testing.B, codecType codec.CodecType) {
	c := setupServerAndClient(b, codecType)
	args := &Args{A: 1, B: 2}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var reply Reply
		if err := c.Call(context.Background(), "arith.add", args, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

// ---- Benchmark 2: concurrent calls ----

func BenchmarkConcurrent(b *testing.B) {
	c := setupServerAndClient(b, codec.CodecTypeJSON)
	args := &Args{A: 1, B: 2}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			var reply Reply
			if err := c.Call(context.Background(), "arith.add", args, &reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
