package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskState is the lifecycle state of a scheduled task.
type TaskState int

const (
	Scheduled TaskState = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s TaskState) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskKind distinguishes one-time from repeating tasks.
type TaskKind int

const (
	OneTime TaskKind = iota
	Recurring
	Cron
)

func (k TaskKind) String() string {
	switch k {
	case OneTime:
		return "one_time"
	case Recurring:
		return "recurring"
	case Cron:
		return "cron"
	default:
		return "unknown"
	}
}

// Func is a task callback. Callbacks must observe ctx: it is cancelled on
// task timeout, explicit cancel, and scheduler shutdown.
type Func func(ctx context.Context) error

// TaskInfo is a point-in-time snapshot of a task.
type TaskInfo struct {
	ID           string
	Kind         TaskKind
	State        TaskState
	NextRun      time.Time
	Interval     time.Duration
	FailureCount int
	LastError    error
}

// Result reports the outcome of one task run (or an explicit cancel) to the
// scheduler's result handler.
type Result struct {
	TaskID       string
	State        TaskState
	Err          error
	FailureCount int
	Duration     time.Duration
}

type task struct {
	id       string
	kind     TaskKind
	fn       Func
	interval time.Duration
	cronSpec cron.Schedule

	state           TaskState
	nextRun         time.Time
	failureCount    int
	lastErr         error
	cancelRequested bool
	cancelRun       context.CancelFunc
}

func (t *task) snapshot() TaskInfo {
	return TaskInfo{
		ID:           t.id,
		Kind:         t.kind,
		State:        t.state,
		NextRun:      t.nextRun,
		Interval:     t.interval,
		FailureCount: t.failureCount,
		LastError:    t.lastErr,
	}
}

// next computes the task's next run time after a completed run.
func (t *task) next(now time.Time) time.Time {
	if t.kind == Cron {
		return t.cronSpec.Next(now)
	}
	return now.Add(t.interval)
}
