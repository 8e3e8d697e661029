package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer: the notification job table,
// the append-only message audit tables, and control-plane users.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the sqlite database and applies migrations.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts an Incomplete job with retry_count=0 and
// next_retry_time=now, making it immediately eligible for dispatch.
func (s *Store) CreateJob(ctx context.Context, device, contents string, jobType JobType) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notify_jobs(device_number, notify_contents, job_type, is_completed, retry_count, next_retry_time, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		device, contents, string(jobType), int(JobIncomplete), 0, now.Unix(),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, errors.Wrap(err, "create job")
	}
	return res.LastInsertId()
}

// GetIncompleteJobs returns up to 10 jobs of the given type that are inside
// the eligibility window, oldest first.
func (s *Store) GetIncompleteJobs(ctx context.Context, maxRetry int, jobType JobType) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_number, notify_contents, job_type, is_completed, retry_count, next_retry_time, created_at, updated_at
		   FROM notify_jobs
		  WHERE job_type = ? AND is_completed = ? AND retry_count <= ? AND next_retry_time <= ?
		  ORDER BY id
		  LIMIT 10`,
		string(jobType), int(JobIncomplete), maxRetry, time.Now().Unix(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "query incomplete jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateRetryCount advances a job's retry state, guarded by a compare-and-swap
// on the current retry count. A concurrent writer that already advanced the
// job makes the update match zero rows; that surfaces as ErrRetryConflict.
func (s *Store) UpdateRetryCount(ctx context.Context, id int64, newCount, expectedOld int, nextRetry int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notify_jobs
		    SET retry_count = ?, next_retry_time = ?, updated_at = ?
		  WHERE id = ? AND retry_count = ? AND is_completed = ?`,
		newCount, nextRetry, time.Now().Format(time.RFC3339Nano),
		id, expectedOld, int(JobIncomplete),
	)
	if err != nil {
		return errors.Wrap(err, "update retry count")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRetryConflict
	}
	return nil
}

// UpdateSuccess marks a job Complete. Terminal; no CAS, because a single
// worker owns a job instance within one poll cycle.
func (s *Store) UpdateSuccess(ctx context.Context, id int64) error {
	return s.setState(ctx, id, JobComplete)
}

// UpdateFailed marks a job Failed after its retries are exhausted. Terminal.
func (s *Store) UpdateFailed(ctx context.Context, id int64) error {
	return s.setState(ctx, id, JobFailed)
}

func (s *Store) setState(ctx context.Context, id int64, state JobState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notify_jobs SET is_completed = ?, updated_at = ? WHERE id = ?`,
		int(state), time.Now().Format(time.RFC3339Nano), id,
	)
	return errors.Wrapf(err, "set job %d state", id)
}

// GetJob is a single-row lookup, used by tests and operator tooling.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_number, notify_contents, job_type, is_completed, retry_count, next_retry_time, created_at, updated_at
		   FROM notify_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// AppendReceived records one accepted inbound broker message. Write-only
// audit sink; nothing in this process reads it back.
func (s *Store) AppendReceived(ctx context.Context, topic, device, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO received_messages(topic, device_number, payload, at) VALUES(?,?,?,?)`,
		topic, device, payload, time.Now().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "append received message")
}

// AppendCommand records one outbound switch command issued by the control plane.
func (s *Store) AppendCommand(ctx context.Context, messageID, device, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mqtt_messages(message_id, device_number, payload, at) VALUES(?,?,?,?)`,
		messageID, device, payload, time.Now().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "append command message")
}

// UserByName looks up a control-plane account.
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "user by name")
	}
	return u, nil
}

// CreateUser inserts a login account. Used by provisioning, not by the core.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash) VALUES(?,?)`, username, passwordHash)
	if err != nil {
		return 0, errors.Wrap(err, "create user")
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                    Job
		jobType              string
		state                int
		createdAt, updatedAt string
	)
	if err := r.Scan(&j.ID, &j.DeviceNumber, &j.NotifyContents, &jobType, &state,
		&j.RetryCount, &j.NextRetryTime, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	j.JobType = JobType(jobType)
	j.State = JobState(state)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return j, nil
}
