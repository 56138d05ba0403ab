package schedule

import (
	"fmt"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/registry"
)

// Fixed repeats every Period starting at Next.
type Fixed struct {
	Base

	// Next is authoritative; nil once the schedule has finished.
	Next   *time.Time
	Period time.Duration
}

// NewFixed builds a schedule whose first run is due at start.
func NewFixed(task, queue registry.Ref, start time.Time, reps int, period time.Duration, makeUp bool) (*Fixed, error) {
	if reps < 0 {
		return nil, fmt.Errorf("repetitions must not be negative, got %d", reps)
	}
	// Periods are stored as whole seconds.
	if period < 0 || period%time.Second != 0 || (reps != 1 && period == 0) {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidPeriod, period)
	}
	next := start.UTC()
	return &Fixed{
		Base: Base{
			Task:        task,
			Queue:       queue,
			Repetitions: reps,
			Remaining:   reps,
			MakeUp:      makeUp,
		},
		Next:   &next,
		Period: period,
	}, nil
}

func (f *Fixed) Kind() Kind { return KindFixed }

func (f *Fixed) NextDue() *time.Time {
	return f.Next
}

func (f *Fixed) Enqueued(now time.Time) error {
	if f.Next == nil || !f.Next.Before(now) {
		return fmt.Errorf("%w: fixed schedule %d due at %v, now %v", ErrEnqueuedTooEarly, f.ID, f.Next, now)
	}
	lastRun := f.Repetitions > 0 && f.Remaining <= 1
	if !lastRun && f.Period <= 0 {
		return ErrInvalidPeriod
	}

	f.consume()
	if f.Finished() {
		f.Next = nil
		return nil
	}

	next := f.Next.Add(f.Period)
	if !f.MakeUp && next.Before(now) {
		// Skip every occurrence that has already elapsed.
		missed := (now.Sub(next) + f.Period - 1) / f.Period
		next = next.Add(missed * f.Period)
	}
	f.Next = &next
	return nil
}
