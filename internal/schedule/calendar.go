package schedule

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RezaEskandarii/gofleet/internal/registry"
)

// Calendar runs whenever the clock matches every one of its Fields.
// The next due time is derived from Anchor and cached until Enqueued.
type Calendar struct {
	Base

	// Anchor is the instant the next occurrence is searched from.
	Anchor *time.Time
	Fields Fields

	next *time.Time
}

var _ cron.Schedule = (*Calendar)(nil)

// NewCalendar decodes encoding (a field-letter encoding or a predefined
// frequency name) and anchors the schedule at now.
func NewCalendar(task, queue registry.Ref, encoding string, reps int, makeUp bool, now time.Time, rng *rand.Rand) (*Calendar, error) {
	if reps < 0 {
		return nil, fmt.Errorf("repetitions must not be negative, got %d", reps)
	}
	if enc, ok := Predefined(encoding, rng); ok {
		encoding = enc
	}
	return NewCalendarFromFields(task, queue, Decode(encoding), reps, makeUp, now), nil
}

func NewCalendarFromFields(task, queue registry.Ref, fields Fields, reps int, makeUp bool, now time.Time) *Calendar {
	anchor := now.UTC()
	return &Calendar{
		Base: Base{
			Task:        task,
			Queue:       queue,
			Repetitions: reps,
			Remaining:   reps,
			MakeUp:      makeUp,
		},
		Anchor: &anchor,
		Fields: fields.normalize(),
	}
}

func (c *Calendar) Kind() Kind { return KindCalendar }

func (c *Calendar) NextDue() *time.Time {
	if c.Finished() {
		return nil
	}
	if c.next == nil {
		anchor := time.Now().UTC()
		if c.Anchor != nil {
			anchor = *c.Anchor
		}
		if next, ok := c.Fields.Next(anchor); ok {
			c.next = &next
		}
	}
	return c.next
}

func (c *Calendar) Enqueued(now time.Time) error {
	due := c.NextDue()
	if due == nil || !due.Before(now) {
		return fmt.Errorf("%w: calendar schedule %d due at %v, now %v", ErrEnqueuedTooEarly, c.ID, due, now)
	}

	c.consume()
	if !c.Finished() {
		anchor := now.UTC()
		if c.MakeUp {
			anchor = *due
		}
		c.Anchor = &anchor
	}
	c.next = nil
	return nil
}

// Next implements cron.Schedule. It returns the zero time when no occurrence exists.
func (c *Calendar) Next(t time.Time) time.Time {
	next, _ := c.Fields.Next(t)
	return next
}
