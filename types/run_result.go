package types

import (
	"time"

	"github.com/RezaEskandarii/gofleet/internal/state"
)

// RunResult is what an executor records once an instance stops running.
type RunResult struct {
	InstanceID int64
	Err        error
	Status     state.Status
	StartedAt  time.Time
	EndedAt    time.Time
}
