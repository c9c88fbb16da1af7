package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders per-epoch training progress on one line
type ProgressBar struct {
	w           io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a progress bar writing to w. A nil w discards
// output.
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	if w == nil {
		w = io.Discard
	}
	pb := &ProgressBar{
		w:           w,
		description: description,
		total:       total,
		width:       30,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
	pb.startTime = pb.now()
	return pb
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	fmt.Fprint(pb.w, "\r"+pb.line())
}

// Finish completes the progress bar with the final metrics
func (pb *ProgressBar) Finish(metrics map[string]float64) {
	pb.current = pb.total
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	fmt.Fprintln(pb.w, "\r"+pb.line())
}

func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%% [%s] %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, "accuracy") {
			fmt.Fprintf(&b, ", %s=%.2f%%", k, pb.metrics[k]*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", k, pb.metrics[k])
		}
	}
	b.WriteString("]")
	return b.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
