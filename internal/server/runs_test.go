package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/store"
)

func TestTriggerRunTaskNotFound(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}, Cfg: testConfig()}

	mock.ExpectQuery(`FROM research_tasks`).
		WithArgs("task-9", "user-1").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodPost, "/api/research/tasks/task-9/runs", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("task-9")

	err = handler.trigger(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRunsForTask(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}, Cfg: testConfig()}

	now := time.Now()
	taskCols := []string{"id", "user_id", "subject", "prompt", "start_url", "entity_type_ids", "link_type_ids", "model", "cron_spec", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM research_tasks`).
		WithArgs("task-1", "user-1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow("task-1", "user-1", "Acme Corp", "", "", []byte(`{company}`), []byte(`{}`), "", "", now, now))

	errMsg := "run deadline exceeded"
	runCols := []string{"id", "task_id", "status", "started_at", "finished_at", "error", "iterations", "tokens", "cost", "suggestion"}
	mock.ExpectQuery(`FROM research_runs\s+WHERE task_id=\$1`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(runCols).
			AddRow("run-2", "task-1", store.RunStatusFailed, now, now, errMsg, 2, int64(800), 0.12, "").
			AddRow("run-1", "task-1", store.RunStatusCompleted, now.Add(-time.Hour), now.Add(-time.Hour), nil, 5, int64(3200), 0.48, "check the investor page"))

	req := httptest.NewRequest(http.MethodGet, "/api/research/tasks/task-1/runs", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("task-1")

	if err := handler.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp []RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp))
	}
	if resp[0].Status != store.RunStatusFailed || resp[0].Error == nil || *resp[0].Error != errMsg {
		t.Fatalf("unexpected failed run: %+v", resp[0])
	}
	if resp[1].Status != store.RunStatusCompleted || resp[1].Tokens != 3200 {
		t.Fatalf("unexpected completed run: %+v", resp[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunDetail(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}, Cfg: testConfig()}

	started := time.Now().Add(-2 * time.Minute)
	finished := time.Now()
	cols := []string{"id", "task_id", "status", "started_at", "finished_at", "error", "iterations", "tokens", "cost", "suggestion", "proposals", "files"}
	mock.ExpectQuery(`FROM research_runs r\s+JOIN research_tasks t`).
		WithArgs("run-1", "user-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", "task-1", store.RunStatusCompleted, started, finished, nil, 4, int64(2400), 0.42,
				"look at the acquisitions page",
				[]byte(`[{"action":"create_new","entity_type":"company"}]`),
				[]byte(`["https://acme.example"]`)))

	req := httptest.NewRequest(http.MethodGet, "/api/research/runs/run-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := handler.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp RunDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != store.RunStatusCompleted || resp.Iterations != 4 {
		t.Fatalf("unexpected run: %+v", resp)
	}
	if resp.Suggestion != "look at the acquisitions page" {
		t.Fatalf("suggestion missing: %+v", resp)
	}
	var proposals []map[string]interface{}
	if err := json.Unmarshal(resp.Proposals, &proposals); err != nil {
		t.Fatalf("decode proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0]["action"] != "create_new" {
		t.Fatalf("unexpected proposals: %+v", proposals)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &RunsHandler{Store: &store.Store{DB: db}, Cfg: testConfig()}

	mock.ExpectQuery(`FROM research_runs r`).
		WithArgs("run-9", "user-1").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/research/runs/run-9", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-9")

	err = handler.get(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelRunNotActive(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// A finished run exists in the store but has no handle in the
	// orchestrator's registry, so cancel must come back 409.
	handler := &RunsHandler{Store: &store.Store{DB: db}, Cfg: testConfig(), Orch: &research.Orchestrator{}}

	now := time.Now()
	cols := []string{"id", "task_id", "status", "started_at", "finished_at", "error", "iterations", "tokens", "cost", "suggestion", "proposals", "files"}
	mock.ExpectQuery(`FROM research_runs r\s+JOIN research_tasks t`).
		WithArgs("run-1", "user-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", "task-1", store.RunStatusCompleted, now, now, nil, 4, int64(2400), 0.42, "", []byte(`null`), []byte(`null`)))

	req := httptest.NewRequest(http.MethodPost, "/api/research/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	err = handler.cancel(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 error, got %#v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActiveRunsEmpty(t *testing.T) {
	e := echo.New()
	handler := &RunsHandler{Cfg: testConfig(), Orch: &research.Orchestrator{}}

	req := httptest.NewRequest(http.MethodGet, "/api/research/runs/active", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.active(ctx); err != nil {
		t.Fatalf("active: %v", err)
	}

	var resp []research.RunInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 0 {
		t.Fatalf("expected no active runs, got %+v", resp)
	}
}
