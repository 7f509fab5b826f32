package pool

import (
	"context"
	"testing"
	"time"
)

func TestRun_ResultsKeepInputOrder(t *testing.T) {
	// Slower inputs finish later; results must still line up by index
	inputs := []int{3, 1, 2}

	results := Run(context.Background(), 3, inputs, func(_ context.Context, in int) int {
		time.Sleep(time.Duration(in) * 20 * time.Millisecond)
		return in * 10
	})

	want := []int{30, 10, 20}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}

func TestRun_Empty(t *testing.T) {
	results := Run(context.Background(), 4, nil, func(_ context.Context, in int) int { return in })
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestRun_WorkerPanicDoesNotKillOthers(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7}

	results := Run(context.Background(), 2, inputs, func(_ context.Context, in int) int {
		if in == 1 {
			panic("boom")
		}
		time.Sleep(5 * time.Millisecond)
		return in + 100
	})

	if results[1] != 0 {
		t.Errorf("panicked slot = %d, want zero value", results[1])
	}
	// The surviving worker must have processed the rest
	done := 0
	for i, r := range results {
		if i == 1 {
			continue
		}
		if r == i+100 {
			done++
		}
	}
	if done != len(inputs)-1 {
		t.Errorf("%d of %d remaining inputs processed", done, len(inputs)-1)
	}
}

func TestRun_ContextCancelStopsNewWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inputs := []int{1, 2, 3}
	results := Run(ctx, 1, inputs, func(_ context.Context, in int) int { return in })

	for i, r := range results {
		if r != 0 {
			t.Errorf("results[%d] = %d, want zero value after cancel", i, r)
		}
	}
}
