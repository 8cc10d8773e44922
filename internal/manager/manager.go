// Package manager glues request validation, the task queue, the
// rasterizer, the object-store adapter, and metrics into the single
// orchestrator the request layer talks to.
package manager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rambocode/echarts-server/internal/logging"
	"github.com/rambocode/echarts-server/internal/metrics"
	"github.com/rambocode/echarts-server/internal/objectstore"
	"github.com/rambocode/echarts-server/internal/render"
	"github.com/rambocode/echarts-server/internal/task"
	"github.com/rambocode/echarts-server/internal/taskqueue"
)

const (
	gaugeRefreshInterval = 10 * time.Second
	deleteBatchSize      = 10
	deleteBatchPause     = 100 * time.Millisecond
)

var validImageTypes = map[task.ImageType]bool{
	task.ImagePNG: true, task.ImageJPEG: true, task.ImageJPG: true,
	task.ImageSVG: true, task.ImagePDF: true,
}

// Config bundles everything the manager needs to construct its queue and
// schedule its own housekeeping timers.
type Config struct {
	Queue             taskqueue.Config
	TaskRetentionDays int
}

// CleanupResult is returned by CleanupExpiredTasks.
type CleanupResult struct {
	CleanedTasks int              `json:"cleanedTasks"`
	DeletedFiles int              `json:"deletedFiles"`
	Errors       []DeleteFailure  `json:"errors"`
}

// DeleteFailure records one object-store delete failure during cleanup.
type DeleteFailure struct {
	FileName string `json:"fileName"`
	Error    string `json:"error"`
}

// Manager is the task lifecycle orchestrator described in spec.md §4.2.
type Manager struct {
	queue   *taskqueue.Queue
	render  render.Renderer
	store   objectstore.Adapter // nil when unconfigured: fallback to inline data URLs
	metrics *metrics.Collector

	retentionDays int

	stopGauges chan struct{}
	wg         sync.WaitGroup
}

// New wires a Manager: constructs its queue, subscribes to queue events to
// drive rendering/upload/metrics, and starts the 10-second gauge-refresh
// timer.
func New(cfg Config, renderer render.Renderer, store objectstore.Adapter, collector *metrics.Collector) *Manager {
	m := &Manager{
		queue:         taskqueue.New(cfg.Queue),
		render:        renderer,
		store:         store,
		metrics:       collector,
		retentionDays: cfg.TaskRetentionDays,
		stopGauges:    make(chan struct{}),
	}

	m.queue.Subscribe(m.onEvent)

	m.wg.Add(1)
	go m.gaugeRefreshLoop()

	return m
}

// CreateTask validates cfg and, if valid, enqueues a new task. Returns a
// copy of the record as created (state pending) or a validation error
// joining every violation.
func (m *Manager) CreateTask(cfg task.Config) (*task.Record, error) {
	if violations := validateConfig(cfg); len(violations) > 0 {
		return nil, fmt.Errorf("invalid task config: %s", strings.Join(violations, "; "))
	}

	id := uuid.New().String()
	rec := task.New(id, cfg)
	created := rec.Clone()
	if err := m.queue.Enqueue(rec); err != nil {
		return nil, err
	}
	m.metrics.RecordTaskCreated()
	return created, nil
}

func validateConfig(cfg task.Config) []string {
	var violations []string

	var probe interface{}
	if len(cfg.Option) == 0 || json.Unmarshal(cfg.Option, &probe) != nil {
		violations = append(violations, "option must be a structured object")
	} else if _, isObj := probe.(map[string]interface{}); !isObj {
		violations = append(violations, "option must be a structured object")
	}

	if cfg.Width != 0 && (cfg.Width < 1 || cfg.Width > 4000) {
		violations = append(violations, "width must be in [1,4000]")
	}
	if cfg.Height != 0 && (cfg.Height < 1 || cfg.Height > 4000) {
		violations = append(violations, "height must be in [1,4000]")
	}
	if cfg.Type != "" && !validImageTypes[cfg.Type] {
		violations = append(violations, fmt.Sprintf("type %q is not a supported image type", cfg.Type))
	}

	return violations
}

// GetTask exposes the queue's lookup for status polling.
func (m *Manager) GetTask(id string) (*task.Record, bool) {
	return m.queue.GetTask(id)
}

// QueueStatus exposes the queue's status projection.
func (m *Manager) QueueStatus() taskqueue.Status {
	return m.queue.GetQueueStatus()
}

// Metrics returns the bound metrics collector.
func (m *Manager) Metrics() *metrics.Collector {
	return m.metrics
}

// ObjectStore returns the bound adapter, or nil if unconfigured.
func (m *Manager) ObjectStore() objectstore.Adapter {
	return m.store
}

func (m *Manager) onEvent(ev taskqueue.Event) {
	switch ev.Type {
	case taskqueue.TaskStarted:
		go m.processTask(ev.Record)
	case taskqueue.TaskCompleted:
		if ev.Record.StartedAt != nil && ev.Record.CompletedAt != nil {
			m.metrics.RecordTaskCompleted(ev.Record.CompletedAt.Sub(*ev.Record.StartedAt))
		}
	case taskqueue.TaskFailed:
		m.metrics.RecordTaskFailed()
	case taskqueue.TaskRetry:
		m.metrics.RecordTaskRetried()
	case taskqueue.TaskTimeout:
		m.metrics.RecordTaskTimeout()
	}
}

// processTask performs the actual rasterize-then-upload work for a task
// that has just transitioned to processing. It runs on its own goroutine
// so that admission of other tasks is never blocked by one task's I/O.
func (m *Manager) processTask(rec *task.Record) {
	ctx := context.Background()

	result, err := m.render.Render(ctx, rec.ID, rec.Config)
	if err != nil {
		logging.Log.Error().Err(err).Str("task_id", rec.ID).Msg("render failed")
		if ferr := m.queue.FailTask(rec.ID, err.Error()); ferr != nil {
			logging.Log.Error().Err(ferr).Str("task_id", rec.ID).Msg("failTask after render error failed")
		}
		return
	}

	if m.store != nil {
		start := time.Now()
		url, fileName, err := m.store.GenerateAndUpload(ctx, rec.ID, result.Buffer, result.ContentType, result.Extension)
		m.metrics.RecordUpload(err == nil, int64(len(result.Buffer)), time.Since(start))
		if err != nil {
			logging.Log.Error().Err(err).Str("task_id", rec.ID).Msg("upload failed")
			if ferr := m.queue.FailTask(rec.ID, err.Error()); ferr != nil {
				logging.Log.Error().Err(ferr).Str("task_id", rec.ID).Msg("failTask after upload error failed")
			}
			return
		}
		if cerr := m.queue.CompleteTask(rec.ID, url, fileName); cerr != nil {
			logging.Log.Error().Err(cerr).Str("task_id", rec.ID).Msg("completeTask failed")
		}
		return
	}

	// No object-store configured: fall back to an inline data URL.
	dataURL := fmt.Sprintf("data:%s;base64,%s", result.ContentType, base64.StdEncoding.EncodeToString(result.Buffer))
	if cerr := m.queue.CompleteTask(rec.ID, dataURL, ""); cerr != nil {
		logging.Log.Error().Err(cerr).Str("task_id", rec.ID).Msg("completeTask (inline) failed")
	}
}

func (m *Manager) gaugeRefreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopGauges:
			return
		case <-ticker.C:
			status := m.queue.GetQueueStatus()
			m.metrics.SetQueueDepths(status.PendingCount, status.ProcessingCount)
			m.metrics.RefreshSystemGauges()
		}
	}
}

// CleanupExpiredTasks sweeps the queue's completed archive for entries
// past retention and, if an object-store adapter is configured, deletes
// their backing objects.
func (m *Manager) CleanupExpiredTasks(ctx context.Context) (CleanupResult, error) {
	removed := m.queue.CleanupExpiredTasks(m.retentionDays)

	result := CleanupResult{CleanedTasks: len(removed)}
	if m.store == nil || len(removed) == 0 {
		return result, nil
	}

	var fileNames []string
	for _, rec := range removed {
		if rec.State == task.StateCompleted && rec.FileName != "" {
			fileNames = append(fileNames, rec.FileName)
		}
	}
	if len(fileNames) == 0 {
		return result, nil
	}

	deleted, errs := m.deleteOSSFilesWithErrorHandling(ctx, fileNames)
	result.DeletedFiles = deleted
	result.Errors = errs
	return result, nil
}

// deleteOSSFilesWithErrorHandling processes fileNames in batches of 10,
// deleting concurrently within a batch and pausing 100ms between batches
// to throttle the external store.
func (m *Manager) deleteOSSFilesWithErrorHandling(ctx context.Context, fileNames []string) (int, []DeleteFailure) {
	var deleted int
	var failures []DeleteFailure

	for start := 0; start < len(fileNames); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(fileNames) {
			end = len(fileNames)
		}
		batch := fileNames[start:end]

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, fn := range batch {
			wg.Add(1)
			go func(fileName string) {
				defer wg.Done()
				err := m.store.Delete(ctx, fileName)
				m.metrics.RecordDelete(err == nil)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures = append(failures, DeleteFailure{FileName: fileName, Error: err.Error()})
					return
				}
				deleted++
			}(fn)
		}
		wg.Wait()

		if end < len(fileNames) {
			time.Sleep(deleteBatchPause)
		}
	}

	return deleted, failures
}

// Destroy stops the gauge-refresh timer and tears down the queue's timeout
// sweep. The retention-cleanup timer itself is owned by the cleanup
// scheduler, stopped separately by its own Stop method.
func (m *Manager) Destroy() {
	close(m.stopGauges)
	m.wg.Wait()
	m.queue.Stop()
}
