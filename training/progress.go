package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

const barWidth = 40

// ProgressBar renders per-batch training progress on one terminal line, rewritten in place.
type ProgressBar struct {
	out     io.Writer
	title   string
	total   int
	step    int
	started time.Time
	values  map[string]float64
}

// NewProgressBar creates a progress bar over total batches.
func NewProgressBar(out io.Writer, title string, total int) *ProgressBar {
	return &ProgressBar{
		out:     out,
		title:   title,
		total:   total,
		started: time.Now(),
		values:  make(map[string]float64),
	}
}

// Update moves the bar to step and merges the running metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.step = step
	pb.values = lo.Assign(pb.values, metrics)
	pb.draw()
}

// Finish draws the full bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.step = pb.total
	pb.draw()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) draw() {
	done := 1.0
	if pb.total > 0 {
		done = lo.Clamp(float64(pb.step)/float64(pb.total), 0, 1)
	}
	cells := int(done * barWidth)

	elapsed := time.Since(pb.started)
	var remaining time.Duration
	if pb.step > 0 && done > 0 {
		remaining = time.Duration(float64(elapsed)/done) - elapsed
	}
	rate := 0.0
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(pb.step) / s
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s%s| %d/%d [%s<%s, %.1f batch/s",
		pb.title, done*100, strings.Repeat("█", cells), strings.Repeat(" ", barWidth-cells),
		pb.step, pb.total, clock(elapsed), clock(remaining), rate)

	names := lo.Keys(pb.values)
	sort.Strings(names)
	for _, name := range names {
		v := pb.values[name]
		if strings.Contains(name, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", name, v*100)
			continue
		}
		fmt.Fprintf(&b, ", %s=%.3f", name, v)
	}
	b.WriteString("]")
	fmt.Fprint(pb.out, b.String())
}

// clock formats d as MM:SS.
func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
