package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
	"sportsedge/internal/quota"
	"sportsedge/internal/report"
	"sportsedge/internal/repository/memory"
)

type stubRunner struct {
	store    *memory.Store
	checkErr error
	runs     int
}

func (s *stubRunner) Today() string { return "2026-03-01" }

func (s *stubRunner) CheckRunnable(context.Context, string, bool) error { return s.checkErr }

func (s *stubRunner) RunDaily(ctx context.Context, date string, _ report.RunOptions) (*models.Report, error) {
	s.runs++
	rep := &models.Report{Date: date, State: models.ReportCompleted, StartedAt: time.Now().UTC()}
	if err := s.store.CreateReport(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func newTestEngine(t *testing.T) (*gin.Engine, *stubRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.New()
	runner := &stubRunner{store: store}
	ledger := quota.NewLedger(map[string]int{"odds": 10}, store, time.UTC, nil)
	if _, err := ledger.Reserve(context.Background(), "odds", 1); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	r := gin.New()
	(&HealthHandler{}).Register(r)
	(&ReportHandler{Repo: store, Runner: runner, Quota: ledger}).Register(r)
	return r, runner
}

func do(r http.Handler, method, path string) (*httptest.ResponseRecorder, apiResponse) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	var body apiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealthAndReady(t *testing.T) {
	r, _ := newTestEngine(t)
	if w, _ := do(r, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	if w, _ := do(r, http.MethodGet, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("readyz=%d want=200 without db", w.Code)
	}
}

func TestReportHandler_RunAndGet(t *testing.T) {
	r, runner := newTestEngine(t)

	if w, _ := do(r, http.MethodGet, "/api/v1/reports/2026-03-01"); w.Code != http.StatusNotFound {
		t.Fatalf("get before run=%d want=404", w.Code)
	}
	w, body := do(r, http.MethodPost, "/api/v1/reports/today/run?wait=true")
	if w.Code != http.StatusOK || body.Code != 0 {
		t.Fatalf("run=%d body=%s", w.Code, w.Body.String())
	}
	if runner.runs != 1 {
		t.Fatalf("runs=%d want=1", runner.runs)
	}
	if w, _ := do(r, http.MethodGet, "/api/v1/reports/2026-03-01"); w.Code != http.StatusOK {
		t.Fatalf("get after run=%d", w.Code)
	}
	w, body = do(r, http.MethodGet, "/api/v1/reports")
	if list, ok := body.Data.([]any); w.Code != http.StatusOK || !ok || len(list) != 1 {
		t.Fatalf("list=%d body=%s", w.Code, w.Body.String())
	}
	if w, _ := do(r, http.MethodGet, "/api/v1/reports/2026-03-01/tasks"); w.Code != http.StatusOK {
		t.Fatalf("tasks=%d", w.Code)
	}
}

func TestReportHandler_RunConflict(t *testing.T) {
	r, runner := newTestEngine(t)
	runner.checkErr = errs.Newf(errs.KindDuplicateReport, "report.run", "report for 2026-03-01 already completed")
	w, body := do(r, http.MethodPost, "/api/v1/reports/2026-03-01/run")
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d want=409", w.Code)
	}
	if body.Meta["kind"] != string(errs.KindDuplicateReport) {
		t.Fatalf("meta=%v", body.Meta)
	}
	if runner.runs != 0 {
		t.Fatalf("runs=%d want=0", runner.runs)
	}
}

func TestReportHandler_BadDate(t *testing.T) {
	r, _ := newTestEngine(t)
	if w, _ := do(r, http.MethodGet, "/api/v1/reports/03-01-2026"); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want=400", w.Code)
	}
}

func TestReportHandler_Quota(t *testing.T) {
	r, _ := newTestEngine(t)
	w, body := do(r, http.MethodGet, "/api/v1/quota")
	items, ok := body.Data.([]any)
	if w.Code != http.StatusOK || !ok || len(items) != 1 {
		t.Fatalf("quota=%d body=%s", w.Code, w.Body.String())
	}
	row, _ := items[0].(map[string]any)
	if row["used"] != float64(1) || row["limit"] != float64(10) {
		t.Fatalf("row=%v", row)
	}
}
