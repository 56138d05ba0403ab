package state

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task instance. The numeric values are
// banded: anything below SUCCESS is transitive, anything from FAILURE up is a
// failure, and everything in between is a final non-failure state.
type Status int

const (
	StatusCreated  Status = 1 // created but nothing else
	StatusRunning  Status = 2
	StatusPaused   Status = 3
	StatusStopping Status = 4 // should become ENDED

	StatusSuccess Status = 7
	StatusEnded   Status = 8  // ended gracefully
	StatusKilled  Status = 9  // forcefully killed
	StatusHandled Status = 12 // was ERROR, but the problem has been handled

	StatusFailure     Status = 13 // task reported failure
	StatusError       Status = 14 // error during execution
	StatusTimedOut    Status = 15
	StatusInterrupted Status = 16
	StatusOverflow    Status = 17
)

const (
	finalThreshold   = StatusSuccess
	failureThreshold = StatusFailure
)

var statusNames = map[Status]string{
	StatusCreated:     "CREATED",
	StatusRunning:     "RUNNING",
	StatusPaused:      "PAUSED",
	StatusStopping:    "STOPPING",
	StatusSuccess:     "SUCCESS",
	StatusEnded:       "ENDED",
	StatusKilled:      "KILLED",
	StatusHandled:     "HANDLED",
	StatusFailure:     "FAILURE",
	StatusError:       "ERROR",
	StatusTimedOut:    "TIMEDOUT",
	StatusInterrupted: "INTERRUPTED",
	StatusOverflow:    "OVERFLOW",
}

// AllStatuses lists every status in ascending order.
var AllStatuses = []Status{
	StatusCreated,
	StatusRunning,
	StatusPaused,
	StatusStopping,
	StatusSuccess,
	StatusEnded,
	StatusKilled,
	StatusHandled,
	StatusFailure,
	StatusError,
	StatusTimedOut,
	StatusInterrupted,
	StatusOverflow,
}

var statusByName = reverseIndex(statusNames)

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStatus resolves a status name, case-insensitively.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusByName[strings.ToUpper(strings.TrimSpace(name))]
	return s, ok
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	v, ok := ParseStatus(string(text))
	if !ok {
		return fmt.Errorf("unknown status %q", text)
	}
	*s = v
	return nil
}

// IsFinal reports whether no further transition is expected from s.
func IsFinal(s Status) bool {
	return s >= finalThreshold
}

// IsFailure reports whether s is a failed final state.
func IsFailure(s Status) bool {
	return s >= failureThreshold
}

// Group returns the statuses belonging to a named group. Names are
// active, running, succeeded, failed and final; an unknown name yields nil.
func Group(name string) []Status {
	var keep func(Status) bool
	switch strings.ToLower(name) {
	case "active":
		keep = func(s Status) bool { return s < finalThreshold }
	case "running":
		keep = func(s Status) bool { return s == StatusRunning }
	case "succeeded":
		keep = func(s Status) bool { return s >= finalThreshold && s < failureThreshold }
	case "failed":
		keep = func(s Status) bool { return s >= failureThreshold }
	case "final":
		keep = func(s Status) bool { return s >= finalThreshold }
	default:
		return nil
	}

	group := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if keep(s) {
			group = append(group, s)
		}
	}
	return group
}

type Transition struct {
	From Status
	To   Status
}

// ValidTransitions holds the transitive-to-transitive moves. Any transitive
// status may also move straight to a final one, see IsValidTransition.
var ValidTransitions = []Transition{
	{From: StatusCreated, To: StatusRunning},
	{From: StatusRunning, To: StatusPaused},
	{From: StatusPaused, To: StatusRunning},
	{From: StatusRunning, To: StatusStopping},
	{From: StatusPaused, To: StatusStopping},
	{From: StatusError, To: StatusHandled},
}

func IsValidTransition(from, to Status) bool {
	if _, ok := statusNames[to]; !ok {
		return false
	}
	if !IsFinal(from) && IsFinal(to) {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

func reverseIndex[K comparable](names map[K]string) map[string]K {
	index := make(map[string]K, len(names))
	for value, name := range names {
		index[name] = value
	}
	return index
}
