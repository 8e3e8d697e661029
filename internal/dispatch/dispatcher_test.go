package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lampbridge/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[int64]*storage.Job
	retries []retryCall
}

type retryCall struct {
	id          int64
	newCount    int
	expectedOld int
	nextRetry   int64
}

func newFakeStore(jobs ...storage.Job) *fakeStore {
	fs := &fakeStore{jobs: map[int64]*storage.Job{}}
	for i := range jobs {
		j := jobs[i]
		fs.jobs[j.ID] = &j
	}
	return fs
}

func (f *fakeStore) GetIncompleteJobs(_ context.Context, maxRetry int, jobType storage.JobType) ([]storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Job
	for _, j := range f.jobs {
		if j.JobType == jobType && j.State == storage.JobIncomplete && j.RetryCount <= maxRetry {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRetryCount(_ context.Context, id int64, newCount, expectedOld int, nextRetry int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{id, newCount, expectedOld, nextRetry})
	j := f.jobs[id]
	if j == nil || j.State != storage.JobIncomplete || j.RetryCount != expectedOld {
		return storage.ErrRetryConflict
	}
	j.RetryCount = newCount
	j.NextRetryTime = nextRetry
	return nil
}

func (f *fakeStore) UpdateSuccess(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].State = storage.JobComplete
	return nil
}

func (f *fakeStore) UpdateFailed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].State = storage.JobFailed
	return nil
}

func (f *fakeStore) job(id int64) storage.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func newTestWorker(t *testing.T, cfg Config, fs *fakeStore) *Worker {
	t.Helper()
	return New(cfg, fs, zerolog.Nop())
}

func TestDeliverySuccess(t *testing.T) {
	t.Parallel()
	var got SwitchNotifyBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{
		ID: 1, DeviceNumber: "dev-1", JobType: storage.JobTypeLightSwitch,
		NotifyContents: `{"status":3,"strength":80,"duration":120,"ts":"2026-03-01 12:00:00","reason":4}`,
	})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightSwitch, WebhookURL: srv.URL}, fs)
	w.runCycle(context.Background())

	if fs.job(1).State != storage.JobComplete {
		t.Fatalf("job state = %v, want Complete", fs.job(1).State)
	}
	if got.Status != StatusRunning || got.Reason != ReasonPlatformOpen || got.DeviceNumber != "dev-1" {
		t.Fatalf("delivered body = %+v", got)
	}
}

func TestServerErrorSchedulesFirstRetry(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{
		ID: 1, DeviceNumber: "dev-1", JobType: storage.JobTypeLightSwitch,
		NotifyContents: `{"status":3,"strength":80,"duration":120,"ts":"2026-03-01 12:00:00","reason":4}`,
	})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightSwitch, WebhookURL: srv.URL}, fs)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.runCycle(context.Background())

	j := fs.job(1)
	if j.State != storage.JobIncomplete {
		t.Fatalf("job state = %v, want Incomplete", j.State)
	}
	if j.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", j.RetryCount)
	}
	if want := now.Add(time.Minute).Unix(); j.NextRetryTime != want {
		t.Fatalf("next retry = %d, want %d (now+60s)", j.NextRetryTime, want)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{
		ID: 1, DeviceNumber: "dev-1", JobType: storage.JobTypeLightSwitch,
		NotifyContents: `{"status":0,"ts":"2026-03-01 12:00:00","reason":1}`,
		RetryCount:     6,
	})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightSwitch, WebhookURL: srv.URL}, fs)
	w.runCycle(context.Background())

	if fs.job(1).State != storage.JobFailed {
		t.Fatalf("job state = %v, want Failed", fs.job(1).State)
	}
	if len(fs.retries) != 0 {
		t.Fatalf("retry calls = %v, want none for a terminal transition", fs.retries)
	}
}

func TestSyntheticOfflineBody(t *testing.T) {
	t.Parallel()
	var got StatusNotifyBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{ID: 1, DeviceNumber: "dev-y", JobType: storage.JobTypeLightStatus})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightStatus, WebhookURL: srv.URL}, fs)
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.runCycle(context.Background())

	if got.IsOnline {
		t.Fatal("is_online = true, want false for synthetic offline event")
	}
	if got.Timestamp != "2026-03-01 12:30:00" {
		t.Fatalf("timestamp = %q", got.Timestamp)
	}
	if fs.job(1).State != storage.JobComplete {
		t.Fatalf("job state = %v, want Complete", fs.job(1).State)
	}
}

func TestUnparseablePayloadRoutedToBackoff(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{
		ID: 1, DeviceNumber: "dev-1", JobType: storage.JobTypeLightSwitch,
		NotifyContents: "{not json",
	})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightSwitch, WebhookURL: srv.URL}, fs)
	w.runCycle(context.Background())

	if hits.Load() != 0 {
		t.Fatal("unparseable payload must not be POSTed")
	}
	j := fs.job(1)
	if j.State != storage.JobIncomplete || j.RetryCount != 1 {
		t.Fatalf("job = %+v, want Incomplete with retry count 1", j)
	}
}

func TestConcurrencyCapAndJoinBarrier(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var jobs []storage.Job
	for i := int64(1); i <= 6; i++ {
		jobs = append(jobs, storage.Job{ID: i, DeviceNumber: "dev", JobType: storage.JobTypeLightStatus})
	}
	fs := newFakeStore(jobs...)
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightStatus, WebhookURL: srv.URL, Concurrency: 2}, fs)
	w.runCycle(context.Background())

	if inFlight.Load() != 0 {
		t.Fatal("runCycle returned with deliveries still in flight")
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
	for i := int64(1); i <= 6; i++ {
		if fs.job(i).State != storage.JobComplete {
			t.Fatalf("job %d state = %v, want Complete", i, fs.job(i).State)
		}
	}
}

func TestRetryConflictIsNotRetriedInline(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeStore(storage.Job{
		ID: 1, DeviceNumber: "dev-1", JobType: storage.JobTypeLightSwitch,
		NotifyContents: `{"status":1,"ts":"t","reason":1}`,
		RetryCount:     2, // store fake holds 2; hand the worker a stale view
	})
	w := newTestWorker(t, Config{JobType: storage.JobTypeLightSwitch, WebhookURL: srv.URL}, fs)

	stale := fs.job(1)
	stale.RetryCount = 1
	w.deliver(context.Background(), stale)

	if len(fs.retries) != 1 {
		t.Fatalf("retry calls = %d, want exactly one (no inline retry of a conflict)", len(fs.retries))
	}
	if fs.job(1).RetryCount != 2 {
		t.Fatalf("retry count = %d, want untouched 2", fs.job(1).RetryCount)
	}
}
