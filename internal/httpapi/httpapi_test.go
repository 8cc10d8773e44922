package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rambocode/echarts-server/internal/cleanup"
	"github.com/rambocode/echarts-server/internal/manager"
	"github.com/rambocode/echarts-server/internal/metrics"
	"github.com/rambocode/echarts-server/internal/render"
	"github.com/rambocode/echarts-server/internal/taskqueue"
)

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager, *cleanup.Scheduler) {
	t.Helper()
	mgr := manager.New(manager.Config{
		Queue:             taskqueue.Config{MaxConcurrent: 2, TaskTimeout: time.Minute},
		TaskRetentionDays: 1,
	}, &render.FakeRenderer{}, nil, metrics.New())
	sched := cleanup.New(cleanup.Config{CleanupHour: 2, MaxRetries: 1}, mgr)

	srv := httptest.NewServer(NewRouter(mgr, sched))
	t.Cleanup(func() {
		srv.Close()
		sched.Stop()
		mgr.Destroy()
	})
	return srv, mgr, sched
}

func TestGenerateChartHappyPath(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := []byte(`{"type":"png","width":600,"height":400,"option":{"series":[{"type":"bar","data":[1,2,3]}]}}`)
	resp, err := http.Post(srv.URL+"/api/charts/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data := envelope.Data.(map[string]interface{})
	if data["status"] != "pending" {
		t.Fatalf("expected status=pending, got %v", data["status"])
	}
	taskID, _ := data["taskId"].(string)
	if len(taskID) != 36 {
		t.Fatalf("expected a 36-character task id, got %q", taskID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statusResp, err := http.Get(srv.URL + "/api/charts/status/" + taskID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var statusEnvelope Response
		_ = json.NewDecoder(statusResp.Body).Decode(&statusEnvelope)
		statusResp.Body.Close()
		sd := statusEnvelope.Data.(map[string]interface{})
		if sd["status"] == "completed" {
			if sd["imageUrl"] == "" || sd["imageUrl"] == nil {
				t.Fatal("expected non-empty imageUrl on completion")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not complete in time")
}

func TestGenerateChartValidationRejection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := []byte(`{"type":"invalid","width":-1}`)
	resp, err := http.Post(srv.URL+"/api/charts/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var envelope Response
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Error == nil || envelope.Error.Type != ErrTypeValidation {
		t.Fatalf("expected error.type=VALIDATION_ERROR, got %+v", envelope.Error)
	}
}

func TestChartStatusUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/charts/status/invalid-task-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var envelope Response
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Error == nil || envelope.Error.Type != ErrTypeNotFound {
		t.Fatalf("expected error.type=NOT_FOUND_ERROR, got %+v", envelope.Error)
	}
}

func TestSystemHealthAndMetricsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/system/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy 200, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get(srv.URL + "/api/system/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	ct := metricsResp.Header.Get("Content-Type")
	if ct != "text/plain; version=0.0.4; charset=utf-8" {
		t.Fatalf("unexpected metrics content-type: %q", ct)
	}
}

func TestManualCleanupEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/system/cleanup/manual", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var envelope Response
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	data := envelope.Data.(map[string]interface{})
	if _, ok := data["cleanedTasks"]; !ok {
		t.Fatalf("expected cleanedTasks in response, got %+v", data)
	}
}
