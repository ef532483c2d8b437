package scheduler

import "errors"

var (
	// ErrDuplicateTask is returned when a task id is already active
	// (Scheduled or Running). Terminal ids may be reused.
	ErrDuplicateTask = errors.New("task id already scheduled")

	// ErrUnknownTask is returned by Cancel when the id names no active
	// task.
	ErrUnknownTask = errors.New("task not found")

	// ErrTaskTimeout marks a run that exceeded the task timeout. The task
	// transitions to Failed and its failure count is incremented.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrInvalidSchedule is returned for a non-positive interval or an
	// unparsable cron expression.
	ErrInvalidSchedule = errors.New("invalid schedule")
)
