package runtime

import (
	"context"
	"testing"

	"github.com/wippyai/apex-wasm/internal/guest"
)

// BenchmarkPartition_Process benchmarks a full process lifecycle: create,
// start, bind, run, release.
func BenchmarkPartition_Process(b *testing.B) {
	ctx := context.Background()
	p, err := New(ctx, testConfig(4))
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close(ctx)

	mod, err := p.Load(ctx, "proc", guest.Process(guest.Config{Work: 1}))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pid, err := p.CreateProcess(ProcessAttribute{Name: processName("bench", i), Module: mod})
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Start(ctx, pid); err != nil {
			b.Fatal(err)
		}
		p.Wait()
		if res, _ := p.Result(pid); res.Err != nil {
			b.Fatal(res.Err)
		}
	}
}
