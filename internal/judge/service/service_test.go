package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"kadai/internal/judge/model"
	"kadai/internal/judge/repository"
	"kadai/internal/judge/service"
	"kadai/pkg/utils/contextkey"
)

// fakeQueue is a scripted repository.SubmissionRepository: every lease
// call pops the next batch, clipped to the requested limit.
type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]*model.Submission
	leaseErr error
	limits   []int
	undos    int
}

var _ repository.SubmissionRepository = (*fakeQueue)(nil)

func (f *fakeQueue) LeaseQueued(_ context.Context, limit int) ([]*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.leaseErr != nil {
		return nil, f.leaseErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (f *fakeQueue) UndoRunning(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undos++
	return 0, nil
}

func (f *fakeQueue) IncrementCompleted(context.Context, int64) error { return nil }

func (f *fakeQueue) GetUploadedFiles(context.Context, int64) ([]*model.UploadedFile, error) {
	return nil, nil
}

func (f *fakeQueue) Finalize(context.Context, *model.Submission, *model.SubmissionSummary, []*model.JudgeResult) error {
	return nil
}

func (f *fakeQueue) leaseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits)
}

func (f *fakeQueue) leaseLimits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.limits))
	copy(out, f.limits)
	return out
}

func (f *fakeQueue) undoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.undos
}

// fakeJudger records the submissions it judged. A non-nil block channel
// stalls every run until the channel is closed.
type fakeJudger struct {
	mu     sync.Mutex
	judged []int64
	err    error
	block  chan struct{}
}

func (f *fakeJudger) Run(_ context.Context, sub *model.Submission) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.judged = append(f.judged, sub.ID)
	f.mu.Unlock()
	return f.err
}

func (f *fakeJudger) judgedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.judged))
	copy(out, f.judged)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func mustService(t *testing.T, opts service.Options) *service.Service {
	t.Helper()
	svc, err := service.NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestServiceJudgesLeasedSubmissions(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{batches: [][]*model.Submission{{
		{ID: 7, Progress: model.ProgressRunning},
		{ID: 8, Progress: model.ProgressRunning},
	}}}
	judger := &fakeJudger{}
	svc := mustService(t, service.Options{
		Submissions: queue,
		Judger:      judger,
		Pool:        service.NewPool(4),
		Tick:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return len(judger.judgedIDs()) == 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	ids := judger.judgedIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Fatalf("expected submissions 7 and 8 judged, got %v", ids)
	}
	if got := queue.undoCalls(); got != 2 {
		t.Fatalf("expected recovery at startup and shutdown, got %d", got)
	}
}

func TestServiceDoesNotLeaseWhilePoolIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	judger := &fakeJudger{block: block}
	queue := &fakeQueue{batches: [][]*model.Submission{
		{{ID: 7}},
		{{ID: 8}},
	}}
	svc := mustService(t, service.Options{
		Submissions: queue,
		Judger:      judger,
		Pool:        service.NewPool(1),
		Tick:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return queue.leaseCalls() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := queue.leaseCalls(); got != 1 {
		t.Fatalf("expected no leasing while the pool is full, got %d calls", got)
	}

	close(block)
	waitFor(t, 5*time.Second, func() bool { return queue.leaseCalls() >= 2 })
	for _, limit := range queue.leaseLimits() {
		if limit != 1 {
			t.Fatalf("expected lease limit 1, got %d", limit)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

// ctxJudger captures the log correlation fields from the job context.
type ctxJudger struct {
	mu   sync.Mutex
	ids  []int64
	keys []string
}

func (f *ctxJudger) Run(ctx context.Context, _ *model.Submission) error {
	id, _ := contextkey.SubmissionIDFrom(ctx)
	key, _ := contextkey.JobKeyFrom(ctx)
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return nil
}

func TestServiceAttachesJobContext(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{batches: [][]*model.Submission{{{ID: 7}}}}
	judger := &ctxJudger{}
	svc := mustService(t, service.Options{
		Submissions: queue,
		Judger:      judger,
		Tick:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool {
		judger.mu.Lock()
		defer judger.mu.Unlock()
		return len(judger.ids) == 1
	})
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	judger.mu.Lock()
	defer judger.mu.Unlock()
	if judger.ids[0] != 7 {
		t.Fatalf("expected submission id 7 in job context, got %d", judger.ids[0])
	}
	if judger.keys[0] != "submission-7" {
		t.Fatalf("expected job key submission-7 in job context, got %q", judger.keys[0])
	}
}

func TestServiceSurvivesLeaseFailures(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{leaseErr: errors.New("database is down")}
	svc := mustService(t, service.Options{
		Submissions: queue,
		Judger:      &fakeJudger{},
		Tick:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return queue.leaseCalls() >= 3 })
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceSurvivesFailedJobs(t *testing.T) {
	t.Parallel()

	judger := &fakeJudger{err: errors.New("transient database failure")}
	queue := &fakeQueue{batches: [][]*model.Submission{
		{{ID: 7}},
		{{ID: 8}},
	}}
	svc := mustService(t, service.Options{
		Submissions: queue,
		Judger:      judger,
		Pool:        service.NewPool(2),
		Tick:        10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return len(judger.judgedIDs()) == 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestNewServiceValidatesOptions(t *testing.T) {
	t.Parallel()

	if _, err := service.NewService(service.Options{Judger: &fakeJudger{}}); err == nil {
		t.Fatal("expected an error without a submission repository")
	}
	if _, err := service.NewService(service.Options{Submissions: &fakeQueue{}}); err == nil {
		t.Fatal("expected an error without a judger")
	}
	if _, err := service.NewService(service.Options{
		Submissions: &fakeQueue{},
		Judger:      &fakeJudger{},
	}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}
