// Package monitor accounts for reassignments, evaluates the stopping rule of the clustering loop, and writes the
// progress records of a run.
//
// Progress records are written to an io.Writer, separate from the klog logs and from errors. With verbosity 2 or
// more there is exactly one line per completed pass starting with "iteration", so the number of passes can be
// parsed from it. Verbosity 3 adds indented detail lines, which never start with "iteration".
package monitor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Stop is the reason a run terminated, or Continue.
type Stop int

const (
	Continue Stop = iota

	// Converged means the fraction of reassigned samples is at or below the tolerance.
	Converged

	// IterationCap means the maximum number of passes was reached.
	IterationCap
)

// String implements fmt.Stringer.
func (s Stop) String() string {
	switch s {
	case Continue:
		return "continue"
	case Converged:
		return "converged"
	case IterationCap:
		return "iteration cap reached"
	}
	return fmt.Sprintf("Stop(%d)", int(s))
}

// ShardStats are the diagnostics of one shard in one pass.
type ShardStats struct {
	Device  int
	Samples int
	Changed int

	// Skipped samples are the ones whose bounds proved the assignment unchanged, Yinyang passes only.
	Skipped int

	// Evaluations is the number of sample-centroid distances computed.
	Evaluations int64
}

// Record of one completed pass.
type Record struct {
	// Iteration is the label of the pass.
	Iteration int

	// Kind of pass: "lloyd", "yinyang-init" (full pass building the bounds) or "yinyang".
	Kind string

	// Groups is the number of Yinyang centroid groups, 0 for Lloyd passes.
	Groups int

	Shards []ShardStats

	// Empty clusters, which kept their previous centroid.
	Empty []int

	AssignTime, ReduceTime time.Duration
}

// Changed returns the total number of reassigned samples.
func (r *Record) Changed() int {
	var changed int
	for _, shard := range r.Shards {
		changed += shard.Changed
	}
	return changed
}

// Monitor of a run.
type Monitor struct {
	w             io.Writer
	verbosity     int
	numSamples    int
	tolerance     float64
	maxIterations int

	passes int
	start  time.Time
}

// New creates a Monitor for a run over numSamples samples.
// A nil writer disables the progress records.
func New(w io.Writer, verbosity, numSamples int, tolerance float64, maxIterations int) *Monitor {
	return &Monitor{
		w:             w,
		verbosity:     verbosity,
		numSamples:    numSamples,
		tolerance:     tolerance,
		maxIterations: maxIterations,
	}
}

// Passes returns the number of passes recorded so far.
func (m *Monitor) Passes() int {
	return m.passes
}

// Ratio returns the fraction of samples reassigned.
func (m *Monitor) Ratio(changed int) float64 {
	if m.numSamples == 0 {
		return 0
	}
	return float64(changed) / float64(m.numSamples)
}

// Start records the start of the run. The description is only written with verbosity 1.
func (m *Monitor) Start(description string) {
	m.start = time.Now()
	if m.verbosity == 1 {
		m.printf("kmeans: %s\n", description)
	}
}

// Iteration records a completed pass and evaluates the stopping rule.
func (m *Monitor) Iteration(record *Record) Stop {
	m.passes++
	changed := record.Changed()
	if m.verbosity >= 2 {
		m.writeRecord(record, changed)
	}
	if len(record.Empty) > 0 {
		klog.V(1).Infof("iteration %d: %d empty clusters kept their previous centroid: %v",
			record.Iteration, len(record.Empty), record.Empty)
	}
	if m.Ratio(changed) <= m.tolerance {
		return Converged
	}
	if m.maxIterations > 0 && m.passes >= m.maxIterations {
		klog.Warningf("kmeans stopped after %d passes without converging, %d samples (%.2f%%) still reassigned",
			m.passes, changed, 100*m.Ratio(changed))
		return IterationCap
	}
	return Continue
}

// Finish records the end of the run. It is only written with verbosity 1.
func (m *Monitor) Finish(stop Stop) {
	if m.verbosity == 1 {
		m.printf("kmeans: %s after %d passes in %s\n", stop, m.passes, time.Since(m.start).Round(time.Microsecond))
	}
}

func (m *Monitor) writeRecord(record *Record, changed int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "iteration %d: %d reassignments (%.2f%%), %s", record.Iteration, changed,
		100*m.Ratio(changed), record.Kind)
	if record.Groups > 0 {
		fmt.Fprintf(&sb, ", %d groups", record.Groups)
	}
	sb.WriteString(", shards [")
	for ii, shard := range record.Shards {
		if ii > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d:%d/%d", shard.Device, shard.Changed, shard.Samples)
	}
	sb.WriteString("]\n")
	if m.verbosity >= 3 {
		fmt.Fprintf(&sb, "  timing: assign %s, reduce %s\n", record.AssignTime, record.ReduceTime)
		for _, shard := range record.Shards {
			fmt.Fprintf(&sb, "  device %d: %d distance evaluations", shard.Device, shard.Evaluations)
			if record.Groups > 0 && shard.Samples > 0 {
				fmt.Fprintf(&sb, ", %d samples skipped (%.1f%%)", shard.Skipped,
					100*float64(shard.Skipped)/float64(shard.Samples))
			}
			sb.WriteByte('\n')
		}
		if len(record.Empty) > 0 {
			fmt.Fprintf(&sb, "  empty clusters: %v\n", record.Empty)
		}
	}
	m.printf("%s", sb.String())
}

func (m *Monitor) printf(format string, args ...any) {
	if m.w == nil {
		return
	}
	if _, err := fmt.Fprintf(m.w, format, args...); err != nil {
		klog.Errorf("failed to write kmeans progress: %v", err)
	}
}
