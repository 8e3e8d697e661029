package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrRetryConflict is returned by UpdateRetryCount when the expected retry
// count no longer matches: a concurrent worker already advanced the job.
var ErrRetryConflict = errors.New("retry count already advanced")

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// JobType classifies a notification job.
type JobType string

const (
	JobTypeLightSwitch JobType = "LIGHT_SWITCH_TASK"
	JobTypeLightStatus JobType = "LIGHT_STATUS_TASK"
)

// JobState is the completion state of a job. Once a job leaves
// JobIncomplete it is terminal and no field is mutated again.
type JobState int

const (
	JobIncomplete JobState = 0
	JobComplete   JobState = 1
	JobFailed     JobState = 2
)

// Job is one durable outbound notification.
//
// A job is eligible for dispatch iff
// state == Incomplete && retry_count <= max && next_retry_time <= now.
type Job struct {
	ID             int64
	DeviceNumber   string
	NotifyContents string // raw device payload; empty means synthetic offline event
	JobType        JobType
	State          JobState
	RetryCount     int
	NextRetryTime  int64 // epoch seconds; dispatch eligibility gate
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// User is a control-plane login account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
}

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
