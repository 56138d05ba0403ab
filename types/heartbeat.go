package types

import "time"

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleExecutor  Role = "executor"
	// RoleBoth marks a process that beats as scheduler and executor.
	RoleBoth Role = "both"
)

// Covers reports whether a heartbeat recorded as h stands for role.
func (h Role) Covers(role Role) bool {
	return h == role || h == RoleBoth
}

// Merge returns the role of a process already beating as h that now also beats as role.
func (h Role) Merge(role Role) Role {
	if h == "" || h == role {
		return role
	}
	return RoleBoth
}

// Heartbeat is the liveness record of one scheduler or executor process.
type Heartbeat struct {
	Process   string
	Role      Role
	LastBeat  time.Time
	Active    bool
	StartedAt time.Time
}

// Alive reports whether the process beat recently enough as of cutoff.
func (h Heartbeat) Alive(cutoff time.Time) bool {
	return h.Active && !h.LastBeat.Before(cutoff)
}
