package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// stubExecutor reports running, waits on a per-task gate when one is set and
// finishes the job as completed (or cancelled when the job was cancelled).
type stubExecutor struct {
	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}

	current int32
	peak    int32
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{gates: make(map[string]chan struct{})}
}

func (s *stubExecutor) gate(taskID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[taskID] = ch
	return ch
}

func (s *stubExecutor) startedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.started))
	copy(out, s.started)
	return out
}

func (s *stubExecutor) Execute(ctx context.Context, job *Job, reporter Reporter) {
	cur := atomic.AddInt32(&s.current, 1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, cur) {
			break
		}
	}
	defer atomic.AddInt32(&s.current, -1)

	s.mu.Lock()
	s.started = append(s.started, job.Task.ID)
	gate := s.gates[job.Task.ID]
	s.mu.Unlock()

	reporter.UpdateProgress(job.Task.ID, ProgressUpdate{Status: v1.ExecutionStatusRunning})

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if job.Cancelled() {
		reporter.UpdateProgress(job.Task.ID, ProgressUpdate{Status: v1.ExecutionStatusCancelled})
		return
	}
	reporter.UpdateProgress(job.Task.ID, ProgressUpdate{Status: v1.ExecutionStatusCompleted})
}

func testTask(id string) v1.Task {
	return v1.Task{ID: id, ProjectID: "proj-1", Title: "test task " + id}
}

func waitForStatus(t *testing.T, m *Manager, taskID string, want v1.ExecutionStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := m.GetProgress(context.Background(), taskID)
		if err == nil && progress.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	progress, err := m.GetProgress(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (last: %+v, err: %v)", taskID, want, progress, err)
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	exec := newStubExecutor()
	gate := exec.gate("task-1")
	m := NewManager(2, exec, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatalf("duplicate enqueue must be a silent no-op, got %v", err)
	}

	close(gate)
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCompleted)

	if got := exec.startedIDs(); len(got) != 1 {
		t.Errorf("expected a single execution, got %v", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	m := NewManager(1, newStubExecutor(), nil, nil, newTestLogger())
	if err := m.Enqueue(v1.Task{ProjectID: "p"}, "/repo"); err == nil {
		t.Error("expected error for missing task id")
	}
	if err := m.Enqueue(v1.Task{ID: "t"}, "/repo"); err == nil {
		t.Error("expected error for missing project id")
	}
}

func TestConcurrencyCapAndFIFOOrder(t *testing.T) {
	exec := newStubExecutor()
	var gates []chan struct{}
	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("task-%d", i)
		ids = append(ids, id)
		gates = append(gates, exec.gate(id))
	}

	m := NewManager(2, exec, nil, nil, newTestLogger())
	for _, id := range ids {
		if err := m.Enqueue(testTask(id), "/repo"); err != nil {
			t.Fatal(err)
		}
	}

	waitForStatus(t, m, ids[0], v1.ExecutionStatusRunning)
	waitForStatus(t, m, ids[1], v1.ExecutionStatusRunning)
	if got := m.GetProgressStatus(t, ids[2]); got != v1.ExecutionStatusPending {
		t.Errorf("third task must still be queued, got %s", got)
	}

	for i, gate := range gates {
		close(gate)
		waitForStatus(t, m, ids[i], v1.ExecutionStatusCompleted)
	}

	if peak := atomic.LoadInt32(&exec.peak); peak > 2 {
		t.Errorf("concurrency cap exceeded: peak %d", peak)
	}
	started := exec.startedIDs()
	if len(started) != 5 {
		t.Fatalf("expected 5 executions, got %d", len(started))
	}
	// The first two start concurrently; from the third on, a slot frees one
	// at a time and starts must follow queue order.
	for i := 2; i < 5; i++ {
		if started[i] != ids[i] {
			t.Fatalf("start order not FIFO: got %v", started)
		}
	}
}

func TestFIFOStartOrder(t *testing.T) {
	exec := newStubExecutor()
	var gates []chan struct{}
	var ids []string
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("task-%d", i)
		ids = append(ids, id)
		gates = append(gates, exec.gate(id))
	}

	m := NewManager(1, exec, nil, nil, newTestLogger())
	for _, id := range ids {
		if err := m.Enqueue(testTask(id), "/repo"); err != nil {
			t.Fatal(err)
		}
	}
	for i, gate := range gates {
		waitForStatus(t, m, ids[i], v1.ExecutionStatusRunning)
		close(gate)
		waitForStatus(t, m, ids[i], v1.ExecutionStatusCompleted)
	}

	started := exec.startedIDs()
	for i, id := range ids {
		if started[i] != id {
			t.Fatalf("start order not FIFO: got %v", started)
		}
	}
}

// GetProgressStatus is a test convenience over GetProgress.
func (m *Manager) GetProgressStatus(t *testing.T, taskID string) v1.ExecutionStatus {
	t.Helper()
	progress, err := m.GetProgress(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	return progress.Status
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	exec := newStubExecutor()
	gate := exec.gate("task-1")
	m := NewManager(1, exec, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)
	if err := m.Enqueue(testTask("task-2"), "/repo"); err != nil {
		t.Fatal(err)
	}

	if err := m.Cancel("task-2"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-2", v1.ExecutionStatusCancelled)

	close(gate)
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCompleted)

	for _, id := range exec.startedIDs() {
		if id == "task-2" {
			t.Error("cancelled queued task must never start")
		}
	}
}

func TestCancelRunningJobNeverFails(t *testing.T) {
	exec := newStubExecutor()
	_ = exec.gate("task-1") // never closed; executor exits on ctx cancel
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	m := NewManager(1, exec, nil, eventBus, newTestLogger())

	var mu sync.Mutex
	var statuses []string
	_, err := eventBus.Subscribe(bus.SubjectTaskProgress+".*", func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		statuses = append(statuses, event.Data["status"].(string))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)

	if err := m.Cancel("task-1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCancelled)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range statuses {
		if s == string(v1.ExecutionStatusFailed) {
			t.Errorf("cancellation must never surface as failed: %v", statuses)
		}
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m := NewManager(1, newStubExecutor(), nil, nil, newTestLogger())
	if err := m.Cancel("ghost"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, job *Job, reporter Reporter) {
	panic("executor blew up")
}

func TestExecutorPanicFailsJobAndReleasesSlot(t *testing.T) {
	m := NewManager(1, panicExecutor{}, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusFailed)

	// The slot must be free again for the next job.
	if err := m.Enqueue(testTask("task-2"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-2", v1.ExecutionStatusFailed)
}

func TestSetMaxConcurrentDrainsQueue(t *testing.T) {
	exec := newStubExecutor()
	gate1 := exec.gate("task-1")
	gate2 := exec.gate("task-2")
	m := NewManager(1, exec, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	if err := m.Enqueue(testTask("task-2"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)
	if got := m.GetProgressStatus(t, "task-2"); got != v1.ExecutionStatusPending {
		t.Fatalf("expected second task queued, got %s", got)
	}

	m.SetMaxConcurrent(2)
	waitForStatus(t, m, "task-2", v1.ExecutionStatusRunning)

	close(gate1)
	close(gate2)
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCompleted)
	waitForStatus(t, m, "task-2", v1.ExecutionStatusCompleted)
}

func TestPauseResumeAdvisory(t *testing.T) {
	exec := newStubExecutor()
	gate := exec.gate("task-1")
	m := NewManager(1, exec, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)

	if err := m.Pause("task-1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusPaused)

	if err := m.Pause("task-1"); err == nil {
		t.Error("pausing a paused task must be rejected")
	}

	if err := m.Resume("task-1"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)

	close(gate)
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCompleted)
}

func TestTerminalJobRemovedAfterGrace(t *testing.T) {
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	store, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(1, newStubExecutor(), store, nil, newTestLogger())
	m.removalGrace = 20 * time.Millisecond

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, tracked := m.jobs["task-1"]
		m.mu.Unlock()
		if !tracked {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.mu.Lock()
	_, tracked := m.jobs["task-1"]
	m.mu.Unlock()
	if tracked {
		t.Fatal("terminal job still tracked after the grace period")
	}

	// Status polls after removal fall back to the persisted row.
	progress, err := m.GetProgress(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if progress.Status != v1.ExecutionStatusCompleted {
		t.Errorf("expected persisted completed status, got %s", progress.Status)
	}
}

func TestProjectLockBalancedUnderChaos(t *testing.T) {
	m := NewManager(4, newStubExecutor(), nil, nil, newTestLogger())

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			projectID := fmt.Sprintf("proj-%d", i%4)
			func() {
				m.AcquireProjectLock(projectID)
				defer m.ReleaseProjectLock(projectID)
				defer func() { recover() }()
				if i%3 == 0 {
					panic("simulated executor failure under lock")
				}
			}()
		}(i)
	}
	wg.Wait()

	// Every lock must be free again.
	for i := 0; i < 4; i++ {
		projectID := fmt.Sprintf("proj-%d", i)
		acquired := make(chan struct{})
		go func() {
			m.AcquireProjectLock(projectID)
			m.ReleaseProjectLock(projectID)
			close(acquired)
		}()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatalf("lock for %s leaked", projectID)
		}
	}
}

func TestShutdownCancelsTrackedJobs(t *testing.T) {
	exec := newStubExecutor()
	_ = exec.gate("task-1")
	m := NewManager(1, exec, nil, nil, newTestLogger())

	if err := m.Enqueue(testTask("task-1"), "/repo"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "task-1", v1.ExecutionStatusRunning)

	m.Shutdown()
	waitForStatus(t, m, "task-1", v1.ExecutionStatusCancelled)
}
