package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownTask  = errors.New("unknown task type")
	ErrUnknownQueue = errors.New("unknown queue type")
	// ErrTaskFailed marks a task that ran to completion but reported failure,
	// as opposed to one that errored out.
	ErrTaskFailed = errors.New("task reported failure")
)

// Ref points at a registered task or queue variant by type discriminator and id.
type Ref struct {
	Type string `json:"type" yaml:"type"`
	ID   int64  `json:"id" yaml:"id"`
}

func (r Ref) String() string {
	return r.Type + ":" + strconv.FormatInt(r.ID, 10)
}

func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// ParseRef reads the "type:id" form produced by String.
func ParseRef(s string) (Ref, error) {
	typ, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || typ == "" {
		return Ref{}, fmt.Errorf("invalid reference %q: want type:id", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid reference %q: %w", s, err)
	}
	return Ref{Type: typ, ID: n}, nil
}

// Run describes the instance a TaskFunc is invoked for.
type Run struct {
	InstanceID int64
	ScheduleID int64
	Task       Ref
	Queue      Ref
}

type TaskFunc func(ctx context.Context, run Run) error

// Task is a registered task variant. A zero Timeout means no limit.
type Task struct {
	Type    string
	Handler TaskFunc
	Timeout time.Duration
}

// Fail wraps a reason so the instance ends as FAILURE instead of ERROR.
func Fail(reason string) error {
	return fmt.Errorf("%w: %s", ErrTaskFailed, reason)
}

// Builder collects registrations during process start-up.
type Builder struct {
	mutex  sync.Mutex
	tasks  map[string]Task
	queues map[string]struct{}
}

func NewBuilder() *Builder {
	return &Builder{
		tasks:  make(map[string]Task),
		queues: make(map[string]struct{}),
	}
}

// RegisterTask adds a new task variant by type name.
func (b *Builder) RegisterTask(task Task) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if task.Type == "" || task.Handler == nil {
		return errors.New("task must have a type and a handler")
	}
	if _, exists := b.tasks[task.Type]; exists {
		return fmt.Errorf("task '%s' already registered", task.Type)
	}
	b.tasks[task.Type] = task
	return nil
}

func (b *Builder) RegisterQueue(queueType string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if queueType == "" {
		return errors.New("queue type is required")
	}
	if _, exists := b.queues[queueType]; exists {
		return fmt.Errorf("queue '%s' already registered", queueType)
	}
	b.queues[queueType] = struct{}{}
	return nil
}

// Build freezes the registrations. Later Register calls do not affect the result.
func (b *Builder) Build() *Registry {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	r := &Registry{
		tasks:  make(map[string]Task, len(b.tasks)),
		queues: make(map[string]struct{}, len(b.queues)),
	}
	for k, v := range b.tasks {
		r.tasks[k] = v
	}
	for k := range b.queues {
		r.queues[k] = struct{}{}
	}
	return r
}

// Registry is an immutable lookup table of task and queue variants.
type Registry struct {
	tasks  map[string]Task
	queues map[string]struct{}
}

func (r *Registry) Exists(taskType string) bool {
	_, ok := r.tasks[taskType]
	return ok
}

func (r *Registry) Resolve(ref Ref) (Task, error) {
	task, ok := r.tasks[ref.Type]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, ref.Type)
	}
	return task, nil
}

func (r *Registry) HasQueue(queueType string) bool {
	_, ok := r.queues[queueType]
	return ok
}

// Validate checks that both references name registered variants.
func (r *Registry) Validate(task, queue Ref) error {
	if !r.Exists(task.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Type)
	}
	if !r.HasQueue(queue.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue.Type)
	}
	return nil
}

func (r *Registry) Tasks() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Queues() []string {
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
