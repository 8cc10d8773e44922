// Package httpapi exposes the task lifecycle engine over HTTP: chart
// submission, status polling, and the system introspection endpoints,
// wrapped in a uniform {code, msg, data, error?} response envelope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rambocode/echarts-server/internal/cleanup"
	"github.com/rambocode/echarts-server/internal/logging"
	"github.com/rambocode/echarts-server/internal/manager"
	"github.com/rambocode/echarts-server/internal/task"
)

const maxBodyBytes = 10 << 20 // 10 MB, per spec.md §6 validation bounds

// Error type strings surfaced on Response.Error.Type, per spec.md §7.
const (
	ErrTypeValidation = "VALIDATION_ERROR"
	ErrTypeNotFound   = "NOT_FOUND_ERROR"
	ErrTypeProcessing = "PROCESSING_ERROR"
	ErrTypeSystem     = "SYSTEM_ERROR"
	ErrTypeCleanup    = "CLEANUP_ERROR"
)

// Response is the uniform JSON envelope for every endpoint in this package.
type Response struct {
	Code  int         `json:"code"`
	Msg   string      `json:"msg"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a machine-readable error kind alongside the message.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// API bundles the handlers' dependencies.
type API struct {
	mgr   *manager.Manager
	sched *cleanup.Scheduler
}

// NewRouter builds the full chi router: CORS, request-id, access logging,
// recovery, and the endpoint table from spec.md §6.
func NewRouter(mgr *manager.Manager, sched *cleanup.Scheduler) http.Handler {
	a := &API{mgr: mgr, sched: sched}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.liveness)

	r.Route("/api", func(r chi.Router) {
		r.Post("/charts/generate", a.generateChart)
		r.Get("/charts/status/{id}", a.chartStatus)

		r.Route("/system", func(r chi.Router) {
			r.Get("/queue-status", a.queueStatus)
			r.Get("/health", a.systemHealth)
			r.Get("/metrics", a.prometheusMetrics)
			r.Get("/performance", a.performanceSnapshot)
			r.Get("/cleanup-status", a.cleanupStatus)
			r.Post("/cleanup/manual", a.manualCleanup)
		})
	})

	return r
}

// accessLog logs one structured line per request in the teacher's zerolog
// call-site style (structured fields, not a formatted string).
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		a.mgr.Metrics().RecordHTTP(ww.Status(), duration)
		logging.Log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Code = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, Response{Msg: message, Error: &ErrorInfo{Type: errType, Message: message}})
}

func (a *API) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Msg: "ok"})
}

// generateChart is POST /api/charts/generate.
func (a *API) generateChart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var cfg task.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, ErrTypeValidation, "malformed request body: "+err.Error())
		return
	}

	rec, err := a.mgr.CreateTask(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrTypeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Msg: "task accepted",
		Data: map[string]interface{}{
			"taskId":    rec.ID,
			"status":    string(rec.State),
			"statusUrl": "/api/charts/status/" + rec.ID,
			"createdAt": rec.CreatedAt,
		},
	})
}

// chartStatus is GET /api/charts/status/{id}.
func (a *API) chartStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := a.mgr.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrTypeNotFound, "unknown task id")
		return
	}

	data := map[string]interface{}{
		"taskId":    rec.ID,
		"status":    string(rec.State),
		"createdAt": rec.CreatedAt,
	}
	if rec.StartedAt != nil {
		data["startedAt"] = *rec.StartedAt
	}
	if rec.CompletedAt != nil {
		data["completedAt"] = *rec.CompletedAt
	}
	if rec.ImageURL != "" {
		data["imageUrl"] = rec.ImageURL
	}
	if rec.FileName != "" {
		data["fileName"] = rec.FileName
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}

	writeJSON(w, http.StatusOK, Response{Msg: "ok", Data: data})
}

// queueStatus is GET /api/system/queue-status.
func (a *API) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Msg: "ok", Data: a.mgr.QueueStatus()})
}

// systemHealth is GET /api/system/health. Degrades to 503 when the queue is
// backpressured (pending > 1000), per spec.md §5.
func (a *API) systemHealth(w http.ResponseWriter, r *http.Request) {
	status := a.mgr.QueueStatus()
	healthy := status.PendingCount <= 1000

	data := map[string]interface{}{
		"healthy":         healthy,
		"pendingTasks":    status.PendingCount,
		"processingTasks": status.ProcessingCount,
	}
	if store := a.mgr.ObjectStore(); store != nil {
		data["objectStoreReachable"] = store.TestConnection(r.Context())
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{Msg: "ok", Data: data})
}

// prometheusMetrics is GET /api/system/metrics. A text exposition is served
// with Content-Type "text/plain; version=0.0.4; charset=utf-8", without any
// extra parameter the client library's content negotiation may append.
func (a *API) prometheusMetrics(w http.ResponseWriter, r *http.Request) {
	rec := httptest.NewRecorder()
	a.mgr.Metrics().PrometheusHandler().ServeHTTP(rec, r)
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(rec.Body.Bytes())
}

// performanceSnapshot is GET /api/system/performance.
func (a *API) performanceSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Msg: "ok", Data: a.mgr.Metrics().Snapshot()})
}

// cleanupStatus is GET /api/system/cleanup-status.
func (a *API) cleanupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Msg: "ok", Data: a.sched.Status()})
}

// manualCleanup is POST /api/system/cleanup/manual.
func (a *API) manualCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := a.sched.TriggerManual(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrTypeSystem, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Msg: "cleanup complete",
		Data: map[string]interface{}{
			"cleanedTasks": result.CleanedTasks,
			"deletedFiles": result.DeletedFiles,
			"errors":       result.Errors,
			"timestamp":    time.Now(),
		},
	})
}
