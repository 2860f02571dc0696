package estimator

import (
	"context"
	"fmt"
	"math"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/writeback"
)

// Progress bands of the flash pipeline. Each phase maps its own completion
// into its slice of the bar.
const (
	ExtractStart = 0.05
	ExtractSpan  = 0.20
	SplitStart   = 0.25
	SplitSpan    = 0.55
	FlushStart   = 0.80
	FlushSpan    = 0.19
	FlushCeiling = 0.99
)

const mib = 1024 * 1024

// DefaultExtractBudget is the byte count the boot-file extraction is
// expected to reach; the image tree minus the payload is a few hundred MB.
const DefaultExtractBudget = 500_000_000

// DefaultPayloadSize is assumed when the payload size cannot be read.
const DefaultPayloadSize = 4_000_000_000

// DefaultDirtyThreshold is the backlog treated as "flush done".
const DefaultDirtyThreshold = 10 * mib

// ExtractSampler estimates the bulk copy: bytes on the target minus bytes
// still sitting in the page cache.
type ExtractSampler struct {
	Dest   string
	Dirty  writeback.Reader
	Budget int64
}

// Sample implements Sampler.
func (s *ExtractSampler) Sample(context.Context) (Reading, error) {
	size, err := DirSize(s.Dest)
	if err != nil {
		return Reading{}, err
	}
	budget := s.Budget
	if budget <= 0 {
		budget = DefaultExtractBudget
	}
	actual := math.Max(float64(size)-float64(writeback.Sample(s.Dirty)), 0)
	return Reading{
		Message:  "Extracting boot files...",
		Fraction: ExtractStart + math.Min(actual/float64(budget), 1)*ExtractSpan,
	}, nil
}

// SplitSampler estimates the payload split: growth of the target since the
// split started against the payload size.
type SplitSampler struct {
	Dest     string
	Name     string
	Baseline int64
	Total    int64
}

// NewSplitSampler measures the baseline now.
func NewSplitSampler(dest, name string, total int64) *SplitSampler {
	baseline, _ := DirSize(dest)
	if total <= 0 {
		total = DefaultPayloadSize
	}
	return &SplitSampler{Dest: dest, Name: name, Baseline: baseline, Total: total}
}

// Sample implements Sampler.
func (s *SplitSampler) Sample(context.Context) (Reading, error) {
	size, err := DirSize(s.Dest)
	if err != nil {
		return Reading{}, err
	}
	done := math.Max(float64(size-s.Baseline), 0)
	return Reading{
		Message:  fmt.Sprintf("Splitting %s: %.0f / %.0f MB", s.Name, done/mib, float64(s.Total)/mib),
		Fraction: SplitStart + math.Min(done/float64(s.Total), 1)*SplitSpan,
	}, nil
}

var spinnerFrames = []string{"-", "\\", "|", "/"}

// FlushGauge turns the shrinking writeback backlog into readings for the
// final sync. It is not a Sampler: the controller drives it inline.
type FlushGauge struct {
	initial   float64
	threshold uint64
	spin      int
}

// NewFlushGauge starts a gauge from the backlog measured when sync began.
func NewFlushGauge(initial, threshold uint64) *FlushGauge {
	if threshold == 0 {
		threshold = DefaultDirtyThreshold
	}
	return &FlushGauge{initial: math.Max(float64(initial), 1), threshold: threshold}
}

// Drained reports whether dirty is under the done threshold.
func (g *FlushGauge) Drained(dirty uint64) bool {
	return dirty <= g.threshold
}

// Reading maps the current backlog.
func (g *FlushGauge) Reading(dirty uint64) Reading {
	if g.Drained(dirty) {
		g.spin = (g.spin + 1) % len(spinnerFrames)
		return Reading{Message: "Finishing writes... " + spinnerFrames[g.spin], Fraction: FlushCeiling}
	}
	frac := FlushStart + (1-float64(dirty)/g.initial)*FlushSpan
	return Reading{
		Message:  fmt.Sprintf("Flushing cache: %.1f MB left", float64(dirty)/mib),
		Fraction: math.Min(frac, FlushCeiling),
	}
}

// Factory builds the samplers the controller runs during the copy phases.
type Factory interface {
	ExtractSampler(job *windusb.FlashJob) Sampler
	SplitSampler(job *windusb.FlashJob, payloadSize int64) Sampler
}

// DefaultFactory builds ExtractSampler and SplitSampler.
type DefaultFactory struct {
	Dirty         writeback.Reader
	ExtractBudget int64
}

// ExtractSampler implements Factory.
func (f DefaultFactory) ExtractSampler(job *windusb.FlashJob) Sampler {
	return &ExtractSampler{Dest: job.USBMount, Dirty: f.Dirty, Budget: f.ExtractBudget}
}

// SplitSampler implements Factory.
func (f DefaultFactory) SplitSampler(job *windusb.FlashJob, payloadSize int64) Sampler {
	return NewSplitSampler(job.USBMount, job.Payload.Name(), payloadSize)
}
