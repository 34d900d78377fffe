package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker displays batch fetch progress and tallies per-item outcomes
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	current   int64
	outcomes  map[string]int
	mutex     sync.RWMutex
}

// FetchSummary contains final batch statistics
type FetchSummary struct {
	Total     int64
	Completed int64
	TotalTime time.Duration
	Outcomes  map[string]int
}

// NewProgressTracker creates a tracker for total items. Quiet trackers only count.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		out:       os.Stdout,
		startTime: time.Now(),
		total:     total,
		outcomes:  make(map[string]int),
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "last"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set("prefix", "Fetching: ")
		tracker.bar = bar
	}

	return tracker
}

// Record counts one finished item with its outcome name
func (p *ProgressTracker) Record(outcome string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current++
	p.outcomes[outcome]++
	if p.bar != nil {
		p.bar.SetCurrent(p.current)
		p.bar.Set("last", outcome)
	}
}

// Finish completes the progress bar and returns the summary
func (p *ProgressTracker) Finish() *FetchSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil {
		p.bar.Finish()
	}

	outcomes := make(map[string]int, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}
	summary := &FetchSummary{
		Total:     p.total,
		Completed: p.current,
		TotalTime: time.Since(p.startTime),
		Outcomes:  outcomes,
	}

	if !p.quiet {
		fmt.Fprint(p.out, summary.String())
	}
	return summary
}

// GetCurrentStats returns the completed count and percentage
func (p *ProgressTracker) GetCurrentStats() (completed int64, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.total > 0 {
		percentage = float64(p.current) / float64(p.total) * 100
	}
	return p.current, percentage
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// String renders the summary with outcomes in name order
func (s *FetchSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nFetched %d/%d in %v\n", s.Completed, s.Total, s.TotalTime.Round(time.Millisecond))

	names := make([]string, 0, len(s.Outcomes))
	for name := range s.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-16s %d\n", name+":", s.Outcomes[name])
	}
	return b.String()
}
