// Package cleanup fires the task manager's retention cleanup at a
// configured local hour each day, with bounded retry and a status
// projection for the request layer.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rambocode/echarts-server/internal/logging"
	"github.com/rambocode/echarts-server/internal/manager"
)

const retryBaseDelay = 5 * time.Second

// Config configures the scheduler's trigger hour and retry budget.
type Config struct {
	CleanupHour int // 0-23, default 2
	MaxRetries  int // retries after the first attempt; taken as given (config.Load defaults it to 3)
}

func (c Config) withDefaults() Config {
	if c.CleanupHour < 0 || c.CleanupHour > 23 {
		c.CleanupHour = 2
	}
	return c
}

// Stats accumulates running totals across cycles and manual triggers.
type Stats struct {
	TotalRuns         int           `json:"totalRuns"`
	TotalTasksCleaned int           `json:"totalTasksCleaned"`
	TotalFilesCleaned int           `json:"totalFilesCleaned"`
	TotalErrors       int           `json:"totalErrors"`
	LastRunDuration   time.Duration `json:"lastRunDuration"`
}

// Status is the projection exposed over /api/system/cleanup-status.
type Status struct {
	IsRunning       bool      `json:"isRunning"`
	LastCleanupTime time.Time `json:"lastCleanupTime"`
	NextCleanupTime time.Time `json:"nextCleanupTime"`
	Stats           Stats     `json:"stats"`
	Options         Config    `json:"options"`
}

// taskManager is the subset of *manager.Manager the scheduler depends on,
// narrowed so tests can exercise retry/failure paths without driving a
// real task lifecycle end to end.
type taskManager interface {
	CleanupExpiredTasks(ctx context.Context) (manager.CleanupResult, error)
}

// Scheduler drives manager.CleanupExpiredTasks once a day at cfg.CleanupHour,
// via a robfig/cron single-entry schedule, retrying failures up to
// cfg.MaxRetries times with linear backoff.
type Scheduler struct {
	cfg Config
	mgr taskManager
	cr  *cron.Cron

	mu              sync.Mutex
	running         bool
	lastCleanupTime time.Time
	stats           Stats
}

// New constructs a Scheduler and arms its daily cron entry. The cron
// schedule string is "0 {cleanupHour} * * *", matching robfig/cron's
// standard 5-field parser.
func New(cfg Config, mgr *manager.Manager) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{cfg: cfg, mgr: mgr, cr: cron.New()}

	spec := fmt.Sprintf("0 %d * * *", cfg.CleanupHour)
	if _, err := s.cr.AddFunc(spec, s.runCycle); err != nil {
		logging.Log.Error().Err(err).Str("spec", spec).Msg("cleanup scheduler: could not arm daily trigger")
	}
	s.cr.Start()
	return s
}

// Stop halts the cron scheduler. In-flight cycles are allowed to finish.
func (s *Scheduler) Stop() {
	ctx := s.cr.Stop()
	<-ctx.Done()
}

// runCycle is invoked by cron at the scheduled hour. Stats are only
// folded in and the scheduled-cycle total only incremented when a
// cleanup attempt actually succeeded; a cycle where every attempt failed
// leaves the running totals unchanged.
func (s *Scheduler) runCycle() {
	result, duration, attempts, ok := s.retryingCleanup()
	if ok {
		s.mu.Lock()
		s.stats.TotalRuns++
		s.applyResultLocked(result, duration)
		s.mu.Unlock()
	}

	logging.Log.Info().
		Int("attempts", attempts).
		Bool("succeeded", ok).
		Int("cleaned_tasks", result.CleanedTasks).
		Int("deleted_files", result.DeletedFiles).
		Msg("cleanup cycle complete")
}

// TriggerManual runs the same retry loop as the scheduled cycle but does
// not count toward the scheduled-cycle total.
func (s *Scheduler) TriggerManual(ctx context.Context) (manager.CleanupResult, error) {
	result, duration, attempts, ok := s.retryingCleanup()
	if !ok {
		return result, fmt.Errorf("cleanup: all %d attempts failed", attempts)
	}

	s.mu.Lock()
	s.applyResultLocked(result, duration)
	s.mu.Unlock()
	return result, nil
}

// applyResultLocked folds a completed cycle's result into the running
// totals. Must be called with s.mu held.
func (s *Scheduler) applyResultLocked(result manager.CleanupResult, duration time.Duration) {
	s.lastCleanupTime = time.Now()
	s.stats.TotalTasksCleaned += result.CleanedTasks
	s.stats.TotalFilesCleaned += result.DeletedFiles
	s.stats.TotalErrors += len(result.Errors)
	s.stats.LastRunDuration = duration
}

// retryingCleanup invokes the manager's cleanup, retrying on error with
// 5s*attempt backoff up to MaxRetries. Returns the last successful result
// and how many attempts were made, with ok=false if every attempt failed
// (in which case the result is the zero value and must not be folded into
// the running stats).
func (s *Scheduler) retryingCleanup() (result manager.CleanupResult, duration time.Duration, attempts int, ok bool) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	for attempt := 1; attempt <= s.cfg.MaxRetries+1; attempt++ {
		res, err := s.mgr.CleanupExpiredTasks(context.Background())
		if err == nil {
			return res, time.Since(start), attempt, true
		}
		logging.Log.Warn().Err(err).Int("attempt", attempt).Msg("cleanup cycle attempt failed")
		if attempt <= s.cfg.MaxRetries {
			time.Sleep(retryBaseDelay * time.Duration(attempt))
		}
	}
	return manager.CleanupResult{}, time.Since(start), s.cfg.MaxRetries + 1, false
}

// Status returns the current status projection, including the next
// scheduled cron firing time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	entries := s.cr.Entries()
	if len(entries) > 0 {
		next = entries[0].Next
	}

	return Status{
		IsRunning:       s.running,
		LastCleanupTime: s.lastCleanupTime,
		NextCleanupTime: next,
		Stats:           s.stats,
		Options:         s.cfg,
	}
}
