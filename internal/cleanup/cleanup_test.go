package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rambocode/echarts-server/internal/manager"
	"github.com/rambocode/echarts-server/internal/metrics"
	"github.com/rambocode/echarts-server/internal/render"
	"github.com/rambocode/echarts-server/internal/task"
	"github.com/rambocode/echarts-server/internal/taskqueue"
)

// alwaysFailingManager simulates every cleanup attempt failing, which a
// real *manager.Manager never currently does but the retry/stats logic
// must still handle correctly.
type alwaysFailingManager struct{}

func (alwaysFailingManager) CleanupExpiredTasks(ctx context.Context) (manager.CleanupResult, error) {
	return manager.CleanupResult{}, errors.New("object store unreachable")
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	return manager.New(manager.Config{
		Queue:             taskqueue.Config{MaxConcurrent: 2, TaskTimeout: time.Minute},
		TaskRetentionDays: 0,
	}, &render.FakeRenderer{}, nil, metrics.New())
}

func TestManualTriggerRunsCleanupAndAccumulatesStats(t *testing.T) {
	mgr := newTestManager(t)
	defer mgr.Destroy()

	rec, err := mgr.CreateTask(task.Config{Option: []byte(`{"series":[{"type":"bar","data":[1]}]}`)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := mgr.GetTask(rec.ID); ok && got.State == task.StateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sched := New(Config{CleanupHour: 2, MaxRetries: 1}, mgr)
	defer sched.Stop()

	result, err := sched.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("TriggerManual: %v", err)
	}
	if result.CleanedTasks != 1 {
		t.Fatalf("expected 1 cleaned task, got %+v", result)
	}

	status := sched.Status()
	if status.Stats.TotalTasksCleaned != 1 {
		t.Fatalf("expected running total of 1 cleaned task, got %+v", status.Stats)
	}
	if status.Stats.TotalRuns != 0 {
		t.Fatalf("manual trigger must not count toward scheduled-run total, got %d", status.Stats.TotalRuns)
	}
}

func TestManualTriggerAllAttemptsFailLeavesStatsUnchanged(t *testing.T) {
	sched := &Scheduler{
		cfg: Config{CleanupHour: 2, MaxRetries: 0}.withDefaults(),
		mgr: alwaysFailingManager{},
		cr:  cron.New(),
	}
	defer sched.Stop()

	result, err := sched.TriggerManual(context.Background())
	if err == nil {
		t.Fatal("expected an error when every cleanup attempt fails")
	}
	if result.CleanedTasks != 0 || result.DeletedFiles != 0 {
		t.Fatalf("expected zero-value result on total failure, got %+v", result)
	}

	status := sched.Status()
	if status.Stats.TotalTasksCleaned != 0 || status.Stats.TotalErrors != 0 || status.Stats.LastRunDuration != 0 {
		t.Fatalf("expected stats to remain unchanged after total failure, got %+v", status.Stats)
	}
	if !status.LastCleanupTime.IsZero() {
		t.Fatalf("expected lastCleanupTime to remain unset after total failure, got %v", status.LastCleanupTime)
	}
}

func TestRunCycleAllAttemptsFailDoesNotCountTowardTotalRuns(t *testing.T) {
	sched := &Scheduler{
		cfg: Config{CleanupHour: 2, MaxRetries: 0}.withDefaults(),
		mgr: alwaysFailingManager{},
		cr:  cron.New(),
	}
	defer sched.Stop()

	sched.runCycle()

	status := sched.Status()
	if status.Stats.TotalRuns != 0 {
		t.Fatalf("expected a fully-failed cycle not to count toward TotalRuns, got %d", status.Stats.TotalRuns)
	}
}

func TestStatusReportsNextCleanupTime(t *testing.T) {
	mgr := newTestManager(t)
	defer mgr.Destroy()

	sched := New(Config{CleanupHour: 3}, mgr)
	defer sched.Stop()

	status := sched.Status()
	if status.NextCleanupTime.IsZero() {
		t.Fatal("expected a non-zero next cleanup time from the armed cron entry")
	}
	if status.Options.CleanupHour != 3 {
		t.Fatalf("expected options to reflect configured cleanup hour, got %+v", status.Options)
	}
}
