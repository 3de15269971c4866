package transfer

import (
	"testing"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

const mib = 1024 * 1024

func TestThreadCount(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		threshold int64
		max       int
		want      int
	}{
		{"below threshold", mib - 1, mib, 4, 1},
		{"at threshold", mib, mib, 4, 1},
		{"two slices", 2*mib - 1, mib, 4, 2},
		{"capped", 10 * mib, mib, 4, 4},
		{"empty", 0, mib, 4, 1},
		{"bad max", 10 * mib, mib, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ThreadCount(tt.total, tt.threshold, tt.max); got != tt.want {
				t.Fatalf("ThreadCount(%d, %d, %d) = %d, want %d", tt.total, tt.threshold, tt.max, got, tt.want)
			}
		})
	}
}

func lengths(ranges []Range) []int64 {
	out := make([]int64, len(ranges))
	for i, r := range ranges {
		out[i] = r.Length
	}
	return out
}

func TestPartitionLastRangeTakesRemainder(t *testing.T) {
	tests := []struct {
		total   int64
		threads int
		want    []int64
	}{
		{10 * mib, 4, []int64{2621440, 2621440, 2621440, 2621440}},
		{10*mib + 2, 4, []int64{2621440, 2621440, 2621440, 2621442}},
		{7, 3, []int64{2, 2, 3}},
		{2, 4, []int64{1, 1}},
		{0, 4, []int64{0}},
	}
	for _, tt := range tests {
		got := lengths(Partition(tt.total, tt.threads))
		if len(got) != len(tt.want) {
			t.Fatalf("Partition(%d, %d) = %v, want %v", tt.total, tt.threads, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Partition(%d, %d) = %v, want %v", tt.total, tt.threads, got, tt.want)
			}
		}
	}
}

func TestPartitionCoversPayload(t *testing.T) {
	for total := int64(1); total < 200; total += 7 {
		for threads := 1; threads <= 16; threads++ {
			ranges := Partition(total, threads)
			var off int64
			for i, r := range ranges {
				if r.Index != i {
					t.Fatalf("range %d has index %d", i, r.Index)
				}
				if r.Offset != off {
					t.Fatalf("Partition(%d, %d): range %d starts at %d, want %d", total, threads, i, r.Offset, off)
				}
				if r.Length <= 0 {
					t.Fatalf("Partition(%d, %d): empty range %d", total, threads, i)
				}
				off = r.End()
			}
			if off != total {
				t.Fatalf("Partition(%d, %d) covers %d bytes", total, threads, off)
			}
		}
	}
}

func TestNewPlan(t *testing.T) {
	p := config.DefaultPipeline()
	p.ParallelTransferThreshold = mib
	p.MaxParallelThreads = 4

	plan, err := NewPlan(10*mib, p)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if plan.ThreadCount != 4 || len(plan.Ranges) != 4 {
		t.Fatalf("plan has %d threads, %d ranges", plan.ThreadCount, len(plan.Ranges))
	}
	if _, err := NewPlan(-1, p); !errors.Is(errors.Invalid, err) {
		t.Fatalf("negative size: got %v", err)
	}
}

func TestPlanFromSpecs(t *testing.T) {
	p := config.DefaultPipeline()
	p.ParallelTransferThreshold = 10
	plan, err := NewPlan(95, p)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	back, err := PlanFromSpecs(95, plan.Specs())
	if err != nil {
		t.Fatalf("PlanFromSpecs: %v", err)
	}
	if len(back.Ranges) != len(plan.Ranges) {
		t.Fatalf("got %d ranges, want %d", len(back.Ranges), len(plan.Ranges))
	}
	for i := range back.Ranges {
		if back.Ranges[i] != plan.Ranges[i] {
			t.Fatalf("range %d = %+v, want %+v", i, back.Ranges[i], plan.Ranges[i])
		}
	}

	bad := [][]protocol.RangeSpec{
		nil,
		{{Offset: 0, Length: 50}, {Offset: 60, Length: 35}},
		{{Offset: 0, Length: 50}, {Offset: 40, Length: 55}},
		{{Offset: 0, Length: 90}},
	}
	for i, specs := range bad {
		if _, err := PlanFromSpecs(95, specs); !errors.Is(errors.Protocol, err) {
			t.Errorf("case %d: got %v, want protocol error", i, err)
		}
	}
}
