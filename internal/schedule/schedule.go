// Package schedule computes when a task is next due and advances repetition
// state once an occurrence has been dispatched.
package schedule

import (
	"errors"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/registry"
)

// ErrEnqueuedTooEarly is returned when a record is advanced before its due time.
// It always indicates a scheduling bug in the caller.
var ErrEnqueuedTooEarly = errors.New("schedule enqueued too early")

var ErrInvalidPeriod = errors.New("period must be a positive whole number of seconds for repeating schedules")

type Kind string

const (
	KindFixed    Kind = "fixed"
	KindCalendar Kind = "calendar"
)

// Base holds the fields shared by every schedule variant.
type Base struct {
	ID    int64
	Task  registry.Ref
	Queue registry.Ref

	// Repetitions is the total number of planned runs, 0 for unbounded.
	Repetitions int
	Remaining   int

	// Owner is the scheduler process currently claiming the record.
	Owner *string

	// MakeUp keeps missed occurrences instead of fast-forwarding past them.
	MakeUp bool

	// Version is bumped by the store on every write and guards dispatches.
	Version   int64
	CreatedAt time.Time
}

func (b *Base) Meta() *Base { return b }

// Finished reports whether all runs of a bounded schedule have been dispatched.
func (b *Base) Finished() bool {
	return b.Remaining == 0 && b.Repetitions > 0
}

func (b *Base) OwnedBy(process string) bool {
	return b.Owner != nil && *b.Owner == process
}

func (b *Base) consume() {
	if b.Repetitions > 0 {
		b.Remaining--
	}
}

// Record is a schedule variant.
type Record interface {
	Meta() *Base
	Kind() Kind
	Finished() bool
	// NextDue returns nil when nothing further is due.
	NextDue() *time.Time
	// Enqueued advances the record past the occurrence that was just dispatched.
	// It must only be called once NextDue is strictly before now.
	Enqueued(now time.Time) error
}

// IsDue reports whether r has an occurrence strictly before now.
func IsDue(r Record, now time.Time) bool {
	next := r.NextDue()
	return next != nil && next.Before(now)
}

// Clone returns a deep copy of r with an empty next-due cache.
func Clone(r Record) Record {
	switch v := r.(type) {
	case *Fixed:
		c := *v
		c.Owner = clonePtr(v.Owner)
		c.Next = clonePtr(v.Next)
		return &c
	case *Calendar:
		c := *v
		c.Owner = clonePtr(v.Owner)
		c.Anchor = clonePtr(v.Anchor)
		c.Fields = v.Fields.normalize()
		c.next = nil
		return &c
	default:
		return r
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
