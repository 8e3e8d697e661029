package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bridge.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateJobDefaults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, "dev-1", `{"status":3}`, JobTypeLightSwitch)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobIncomplete {
		t.Fatalf("State = %v, want Incomplete", j.State)
	}
	if j.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", j.RetryCount)
	}
	if j.NextRetryTime > time.Now().Unix() {
		t.Fatalf("NextRetryTime = %d is in the future", j.NextRetryTime)
	}
}

func TestGetIncompleteJobsEligibility(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	eligible, err := st.CreateJob(ctx, "dev-1", "", JobTypeLightStatus)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// A job pushed into the future is outside the eligibility window.
	future, err := st.CreateJob(ctx, "dev-2", "", JobTypeLightStatus)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.UpdateRetryCount(ctx, future, 1, 0, now+3600); err != nil {
		t.Fatalf("UpdateRetryCount: %v", err)
	}
	// Exhausted jobs never reappear.
	exhausted, err := st.CreateJob(ctx, "dev-3", "", JobTypeLightStatus)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.UpdateRetryCount(ctx, exhausted, 7, 0, now-1); err != nil {
		t.Fatalf("UpdateRetryCount: %v", err)
	}
	// A different job type does not leak into this poll.
	if _, err := st.CreateJob(ctx, "dev-4", "x", JobTypeLightSwitch); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := st.GetIncompleteJobs(ctx, 6, JobTypeLightStatus)
	if err != nil {
		t.Fatalf("GetIncompleteJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != eligible {
		t.Fatalf("jobs = %+v, want exactly job %d", jobs, eligible)
	}
}

func TestUpdateRetryCountCAS(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, "dev-1", "x", JobTypeLightSwitch)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	next := time.Now().Unix() + 60

	// Two writers race with the same expected old count: exactly one wins.
	if err := st.UpdateRetryCount(ctx, id, 1, 0, next); err != nil {
		t.Fatalf("first UpdateRetryCount: %v", err)
	}
	err = st.UpdateRetryCount(ctx, id, 1, 0, next)
	if !errors.Is(err, ErrRetryConflict) {
		t.Fatalf("second UpdateRetryCount err = %v, want ErrRetryConflict", err)
	}

	j, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1 (only the winner applied)", j.RetryCount)
	}
}

func TestTerminalTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	done, _ := st.CreateJob(ctx, "dev-1", "x", JobTypeLightSwitch)
	failed, _ := st.CreateJob(ctx, "dev-2", "x", JobTypeLightSwitch)

	if err := st.UpdateSuccess(ctx, done); err != nil {
		t.Fatalf("UpdateSuccess: %v", err)
	}
	if err := st.UpdateFailed(ctx, failed); err != nil {
		t.Fatalf("UpdateFailed: %v", err)
	}

	jobs, err := st.GetIncompleteJobs(ctx, 6, JobTypeLightSwitch)
	if err != nil {
		t.Fatalf("GetIncompleteJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want none after terminal transitions", jobs)
	}

	// CAS updates must not resurrect a terminal job.
	err = st.UpdateRetryCount(ctx, done, 1, 0, time.Now().Unix())
	if !errors.Is(err, ErrRetryConflict) {
		t.Fatalf("UpdateRetryCount on terminal job err = %v, want ErrRetryConflict", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.UserByName(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UserByName err = %v, want ErrNotFound", err)
	}
	if _, err := st.CreateUser(ctx, "admin", "$2a$10$hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := st.UserByName(ctx, "admin")
	if err != nil {
		t.Fatalf("UserByName: %v", err)
	}
	if u.PasswordHash != "$2a$10$hash" {
		t.Fatalf("PasswordHash = %q", u.PasswordHash)
	}
}
