package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragvault/internal/observability"
	"ragvault/internal/repository"
)

type fakeStatusSetter struct {
	mu     sync.Mutex
	status map[string]repository.Status
	msg    map[string]string
}

func newFakeStatusSetter() *fakeStatusSetter {
	return &fakeStatusSetter{status: map[string]repository.Status{}, msg: map[string]string{}}
}

func (f *fakeStatusSetter) SetStatus(_ context.Context, orgID, documentID string, status repository.Status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := orgID + "/" + documentID
	f.status[key] = status
	f.msg[key] = errMsg
	return nil
}

func (f *fakeStatusSetter) get(orgID, documentID string) (repository.Status, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := orgID + "/" + documentID
	return f.status[key], f.msg[key]
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	var ran int32
	var mu sync.Mutex
	done := make(chan struct{})
	runner := RunnerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		close(done)
		return nil
	})

	sched := New(Config{Workers: 1, QueueSize: 4, SoftDeadline: time.Second}, runner, nil, nil, observability.NewMockMetrics())
	sched.Start(context.Background())
	defer sched.Stop()

	require.NoError(t, sched.Submit(context.Background(), Job{OrgID: "org-a", DocumentID: "doc-1"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), ran)
}

func TestSubmitReturnsBusyWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := RunnerFunc(func(ctx context.Context, job Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	sched := New(Config{Workers: 1, QueueSize: 1, SoftDeadline: time.Second}, runner, nil, nil, observability.NewMockMetrics())
	sched.Start(context.Background())
	defer func() {
		close(block)
		sched.Stop()
	}()

	require.NoError(t, sched.Submit(context.Background(), Job{OrgID: "org-a", DocumentID: "doc-1"}))
	<-started // the only worker now holds doc-1, leaving the queue's single slot free
	require.NoError(t, sched.Submit(context.Background(), Job{OrgID: "org-a", DocumentID: "doc-2"}))
	err := sched.Submit(context.Background(), Job{OrgID: "org-a", DocumentID: "doc-3"})
	require.ErrorIs(t, err, ErrBusy)
}

func TestSoftDeadlineMarksTimeoutError(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, job Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	repo := newFakeStatusSetter()

	sched := New(Config{Workers: 1, QueueSize: 1, SoftDeadline: 20 * time.Millisecond}, runner, repo, nil, observability.NewMockMetrics())
	sched.Start(context.Background())
	require.NoError(t, sched.Submit(context.Background(), Job{OrgID: "org-a", DocumentID: "doc-1"}))
	time.Sleep(200 * time.Millisecond) // let the 20ms soft deadline expire before Stop cancels the pool
	sched.Stop()

	status, msg := repo.get("org-a", "doc-1")
	require.Equal(t, repository.StatusError, status)
	require.Equal(t, "timeout", msg)
}

func TestSubmitDeduplicatesWithinTTL(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	runner := RunnerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	dedupe := newMemDedupe()
	sched := New(Config{Workers: 1, QueueSize: 4, SoftDeadline: time.Second, DedupeTTL: time.Minute}, runner, nil, dedupe, observability.NewMockMetrics())
	sched.Start(context.Background())
	defer sched.Stop()

	job := Job{OrgID: "org-a", DocumentID: "doc-1"}
	require.NoError(t, sched.Submit(context.Background(), job))
	require.NoError(t, sched.Submit(context.Background(), job))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), calls)
}

type memDedupe struct {
	mu   sync.Mutex
	rows map[string]string
}

func newMemDedupe() *memDedupe { return &memDedupe{rows: map[string]string{}} }

func (m *memDedupe) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key], nil
}

func (m *memDedupe) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = value
	return nil
}
