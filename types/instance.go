package types

import (
	"time"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
)

// Instance is one run of a task, enqueued by a scheduler or created by hand.
type Instance struct {
	ID         int64
	ScheduleID *int64
	Task       registry.Ref
	Queue      registry.Ref
	Status     state.Status
	Request    *state.Request
	Executor   *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	LastError  *string
}

// NewInstance returns a CREATED instance of task on queue.
func NewInstance(task, queue registry.Ref, scheduleID *int64) *Instance {
	return &Instance{
		ScheduleID: scheduleID,
		Task:       task,
		Queue:      queue,
		Status:     state.StatusCreated,
	}
}

// Run is the view of the instance handed to task handlers.
func (i *Instance) Run() registry.Run {
	run := registry.Run{InstanceID: i.ID, Task: i.Task, Queue: i.Queue}
	if i.ScheduleID != nil {
		run.ScheduleID = *i.ScheduleID
	}
	return run
}
