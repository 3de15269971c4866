package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultInterval is how often a Reporter prints.
const DefaultInterval = time.Second

// Reporter prints a progress line for a meter at a fixed interval.
type Reporter struct {
	w      io.Writer
	label  string
	meter  *Meter
	ticker *time.Ticker
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// Start begins reporting m to w every interval.
func Start(w io.Writer, label string, m *Meter, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reporter{
		w:      w,
		label:  label,
		meter:  m,
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.exited)
	defer r.ticker.Stop()
	for {
		select {
		case <-r.ticker.C:
			fmt.Fprintln(r.w, Line(r.label, r.meter.Snapshot()))
		case <-r.done:
			return
		}
	}
}

// Stop ends reporting and prints the summary line. It is safe to call
// more than once.
func (r *Reporter) Stop() {
	r.once.Do(func() {
		close(r.done)
		<-r.exited
		fmt.Fprintln(r.w, Summary(r.label, r.meter.Snapshot()))
	})
}

// Line renders one progress line.
func Line(label string, s Stats) string {
	return fmt.Sprintf("%s %s/%s %.1f%% %s/s eta=%s",
		label, FormatBytes(s.BytesDone), FormatBytes(s.Total), s.Percent,
		FormatBytes(int64(s.RateBps)), s.ETA.Round(time.Second))
}

// Summary renders the final line for a transfer.
func Summary(label string, s Stats) string {
	return fmt.Sprintf("%s %s in %s avg=%s/s peak=%s/s",
		label, FormatBytes(s.BytesDone), s.Elapsed.Round(time.Millisecond),
		FormatBytes(int64(s.AvgBps())), FormatBytes(int64(s.PeakBps)))
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", max(n, 0))
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(n)/float64(div), "KMGTP"[exp])
}
