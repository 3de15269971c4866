package transfer

import (
	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

// Range is one worker's contiguous slice of the payload.
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// Plan splits a payload across workers.
type Plan struct {
	TotalBytes  int64
	ThreadCount int
	Ranges      []Range
}

// ThreadCount returns the number of workers for a payload: one below the
// threshold, otherwise one per threshold-sized slice up to maxThreads.
func ThreadCount(totalBytes, threshold int64, maxThreads int) int {
	if maxThreads < 1 {
		maxThreads = 1
	}
	if threshold <= 0 || totalBytes < threshold {
		return 1
	}
	n := (totalBytes + threshold - 1) / threshold
	if n > int64(maxThreads) {
		return maxThreads
	}
	return int(n)
}

// Partition divides totalBytes into threads ranges. Every range gets
// totalBytes/threads bytes and the last range also takes the remainder.
func Partition(totalBytes int64, threads int) []Range {
	if threads < 1 {
		threads = 1
	}
	if totalBytes < int64(threads) {
		// Never hand a worker an empty range unless the payload is empty.
		threads = int(max(totalBytes, 1))
	}
	base := totalBytes / int64(threads)
	ranges := make([]Range, threads)
	var off int64
	for i := range ranges {
		length := base
		if i == threads-1 {
			length = totalBytes - off
		}
		ranges[i] = Range{Index: i, Offset: off, Length: length}
		off += length
	}
	return ranges
}

// NewPlan derives the plan for totalBytes under p.
func NewPlan(totalBytes int64, p config.Pipeline) (Plan, error) {
	if totalBytes < 0 {
		return Plan{}, errors.E("transfer.NewPlan", errors.Invalid, errors.Errorf("negative size %d", totalBytes))
	}
	threads := ThreadCount(totalBytes, p.ParallelTransferThreshold, p.MaxParallelThreads)
	ranges := Partition(totalBytes, threads)
	return Plan{TotalBytes: totalBytes, ThreadCount: len(ranges), Ranges: ranges}, nil
}

// Specs converts the plan's ranges to their wire form.
func (p Plan) Specs() []protocol.RangeSpec {
	specs := make([]protocol.RangeSpec, len(p.Ranges))
	for i, r := range p.Ranges {
		specs[i] = protocol.RangeSpec{Offset: r.Offset, Length: r.Length}
	}
	return specs
}

// PlanFromSpecs rebuilds a plan received over the wire, checking that the
// ranges partition [0, totalBytes).
func PlanFromSpecs(totalBytes int64, specs []protocol.RangeSpec) (Plan, error) {
	const op = "transfer.PlanFromSpecs"
	if len(specs) == 0 {
		return Plan{}, errors.E(op, errors.Protocol, errors.Str("plan has no ranges"))
	}
	ranges := make([]Range, len(specs))
	var off int64
	for i, s := range specs {
		if s.Offset != off || s.Length < 0 {
			return Plan{}, errors.E(op, errors.Protocol, errors.Errorf("range %d at %d+%d does not continue at %d", i, s.Offset, s.Length, off))
		}
		ranges[i] = Range{Index: i, Offset: s.Offset, Length: s.Length}
		off += s.Length
	}
	if off != totalBytes {
		return Plan{}, errors.E(op, errors.Protocol, errors.Errorf("ranges cover %d of %d bytes", off, totalBytes))
	}
	return Plan{TotalBytes: totalBytes, ThreadCount: len(ranges), Ranges: ranges}, nil
}
