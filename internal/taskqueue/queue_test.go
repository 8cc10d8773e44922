package taskqueue

import (
	"testing"
	"time"

	"github.com/rambocode/echarts-server/internal/task"
)

func newTestQueue(maxConcurrent, retryAttempts int, timeout time.Duration) *Queue {
	q := New(Config{MaxConcurrent: maxConcurrent, TaskTimeout: timeout, RetryAttempts: retryAttempts})
	return q
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	q := newTestQueue(1, 0, time.Minute)
	defer q.Stop()

	rec := task.New("dup-id", task.Config{})
	if err := q.Enqueue(rec); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(task.New("dup-id", task.Config{})); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestFIFOAmongNonRetries(t *testing.T) {
	q := newTestQueue(1, 0, time.Minute)
	defer q.Stop()

	var started []string
	q.Subscribe(func(ev Event) {
		if ev.Type == TaskStarted {
			started = append(started, ev.Record.ID)
		}
	})

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := q.Enqueue(task.New(id, task.Config{})); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	// With maxConcurrent=1, only "a" should have started so far.
	if len(started) != 1 || started[0] != "a" {
		t.Fatalf("expected only 'a' started, got %v", started)
	}

	if err := q.CompleteTask("a", "http://x/a", ""); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := q.CompleteTask("b", "http://x/b", ""); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if err := q.CompleteTask("c", "http://x/c", ""); err != nil {
		t.Fatalf("complete c: %v", err)
	}

	for i, id := range ids {
		if started[i] != id {
			t.Fatalf("expected FIFO order %v, got %v", ids, started)
		}
	}
}

func TestRetryJumpsAheadOfNewerSubmissions(t *testing.T) {
	q := newTestQueue(1, 1, time.Minute)
	defer q.Stop()

	var started []string
	q.Subscribe(func(ev Event) {
		if ev.Type == TaskStarted {
			started = append(started, ev.Record.ID)
		}
	})

	if err := q.Enqueue(task.New("first", task.Config{})); err != nil {
		t.Fatal(err)
	}
	// "first" is now processing. Fail it so it retries (jumps to head).
	if err := q.FailTask("first", "boom"); err != nil {
		t.Fatal(err)
	}
	// Enqueue a newer task while "first" (retried) sits at the head.
	if err := q.Enqueue(task.New("second", task.Config{})); err != nil {
		t.Fatal(err)
	}

	// processNext only admits one at a time and maxConcurrent=1 means the
	// retried "first" should have been re-admitted before "second" since
	// FailTask's retry path re-attempts admission before "second" exists.
	if len(started) < 2 || started[1] != "first" {
		t.Fatalf("expected retried task admitted again before newer submission, got %v", started)
	}
}

func TestConcurrencyBound(t *testing.T) {
	q := newTestQueue(2, 0, time.Minute)
	defer q.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := q.Enqueue(task.New(id, task.Config{})); err != nil {
			t.Fatal(err)
		}
	}

	status := q.GetQueueStatus()
	if status.ProcessingCount > 2 {
		t.Fatalf("processingCount %d exceeds maxConcurrent 2", status.ProcessingCount)
	}
	if status.ProcessingCount != 2 {
		t.Fatalf("expected 2 admitted with 5 pending tasks, got %d", status.ProcessingCount)
	}
}

func TestFailureRetryThenFail(t *testing.T) {
	q := newTestQueue(1, 1, time.Minute)
	defer q.Stop()

	var events []EventType
	q.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	if err := q.Enqueue(task.New("t1", task.Config{})); err != nil {
		t.Fatal(err)
	}
	if err := q.FailTask("t1", "first failure"); err != nil {
		t.Fatal(err)
	}
	rec, ok := q.GetTask("t1")
	if !ok || rec.RetryCount != 1 || rec.State != task.StateProcessing {
		t.Fatalf("expected retried task re-admitted with retryCount=1, got %+v", rec)
	}
	if err := q.FailTask("t1", "second failure"); err != nil {
		t.Fatal(err)
	}
	rec, ok = q.GetTask("t1")
	if !ok || rec.State != task.StateFailed || rec.Error != "second failure" {
		t.Fatalf("expected task failed after exhausting retries, got %+v", rec)
	}
	if rec.RetryCount > 1 {
		t.Fatalf("retryCount %d exceeds retryAttempts 1", rec.RetryCount)
	}
}

func TestTimeoutSweepFailsLongRunningTask(t *testing.T) {
	q := newTestQueue(1, 0, 10*time.Millisecond)
	defer q.Stop()

	if err := q.Enqueue(task.New("slow", task.Config{})); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	q.RunTimeoutSweep()

	rec, ok := q.GetTask("slow")
	if !ok || rec.State != task.StateFailed || rec.Error != "task timeout" {
		t.Fatalf("expected task failed by timeout sweep, got %+v", rec)
	}
}

func TestCleanupExpiredTasks(t *testing.T) {
	q := newTestQueue(1, 0, time.Minute)
	defer q.Stop()

	if err := q.Enqueue(task.New("old", task.Config{})); err != nil {
		t.Fatal(err)
	}
	if err := q.CompleteTask("old", "http://x/old", "old.png"); err != nil {
		t.Fatal(err)
	}

	// Backdate createdAt by rewriting it directly via GetTask's underlying
	// state is not possible through the public API by design (ownership is
	// exclusive to the queue); exercise via a short retention window
	// instead of mutating internals.
	removed := q.CleanupExpiredTasks(0)
	if len(removed) != 1 || removed[0].ID != "old" {
		t.Fatalf("expected 'old' evicted with retentionDays=0, got %+v", removed)
	}
	if _, ok := q.GetTask("old"); ok {
		t.Fatal("expected evicted task to be gone")
	}
}

func TestPauseSuppressesAdmission(t *testing.T) {
	q := newTestQueue(1, 0, time.Minute)
	defer q.Stop()

	q.Pause()
	if err := q.Enqueue(task.New("paused-task", task.Config{})); err != nil {
		t.Fatal(err)
	}
	status := q.GetQueueStatus()
	if status.ProcessingCount != 0 {
		t.Fatalf("expected no admission while paused, got processingCount=%d", status.ProcessingCount)
	}

	q.Resume()
	status = q.GetQueueStatus()
	if status.ProcessingCount != 1 {
		t.Fatalf("expected admission after resume, got processingCount=%d", status.ProcessingCount)
	}
}
