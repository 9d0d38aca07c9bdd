package engine

import (
	"context"
	"testing"

	"github.com/wippyai/apex-wasm/internal/guest"
)

// BenchmarkProcAlloc_AllocFree benchmarks a bind and release through the
// host exports.
func BenchmarkProcAlloc_AllocFree(b *testing.B) {
	ctx := context.Background()
	p := newPartition(b, testLayout, guest.Config{})
	inst := p.instance(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := inst.Call(ctx, guest.ProcAlloc); err != nil {
			b.Fatal(err)
		}
		if _, err := inst.Call(ctx, guest.ProcFree); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkInstantiate benchmarks instantiating and binding a process module.
func BenchmarkInstantiate(b *testing.B) {
	ctx := context.Background()
	p := newPartition(b, testLayout, guest.Config{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inst, err := p.engine.Instantiate(ctx, p.module)
		if err != nil {
			b.Fatal(err)
		}
		if err := inst.Close(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
