package gridserver

import "sync/atomic"

// Faults injects failures into parallel transfers. The zero value injects
// nothing.
type Faults struct {
	// FailThread is the 1-based range index whose data channel is dropped
	// after FailAfterChunks chunks. Zero disables.
	FailThread      int
	FailAfterChunks int

	// CorruptChecksums is how many completed transfers report a wrong
	// checksum before the server behaves again.
	CorruptChecksums atomic.Int32
}

func (f *Faults) dropAfter(index int) (int, bool) {
	if f == nil || f.FailThread == 0 || f.FailThread != index+1 {
		return 0, false
	}
	return f.FailAfterChunks, true
}

func (f *Faults) corruptNext() bool {
	if f == nil {
		return false
	}
	for {
		n := f.CorruptChecksums.Load()
		if n <= 0 {
			return false
		}
		if f.CorruptChecksums.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
