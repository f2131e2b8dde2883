package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sportsedge/internal/models"
	"sportsedge/internal/paas"
	"sportsedge/internal/quota"
	"sportsedge/internal/report"
	"sportsedge/internal/repository"
)

// ReportRunner is the part of report.Aggregator the API drives.
type ReportRunner interface {
	Today() string
	CheckRunnable(ctx context.Context, date string, resume bool) error
	RunDaily(ctx context.Context, date string, opts report.RunOptions) (*models.Report, error)
}

type ReportHandler struct {
	Repo   repository.Repository
	Runner ReportRunner
	Quota  quota.Tracker
	Logger *zap.Logger
	// BaseCtx bounds runs started in the background; it outlives the request.
	BaseCtx context.Context
}

func (h *ReportHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1")
	g.GET("/reports", h.list)
	g.GET("/reports/:date", h.get)
	g.GET("/reports/:date/tasks", h.tasks)
	g.POST("/reports/:date/run", h.run)
	g.GET("/quota", h.quota)
}

type reportSummary struct {
	Date             string             `json:"date"`
	State            models.ReportState `json:"state"`
	Events           int                `json:"events"`
	Recommendations  int                `json:"recommendations"`
	SourceFailures   int                `json:"source_failures"`
	DeliveryFailures int                `json:"delivery_failures"`
	FatalError       string             `json:"fatal_error,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
}

func (h *ReportHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 30)
	offset := intQuery(c, "offset", 0)
	var state *string
	if v := strings.TrimSpace(c.Query("state")); v != "" {
		state = &v
	}
	items, err := h.Repo.ListReports(c.Request.Context(), repository.ListReportsParams{Limit: limit, Offset: offset, State: state})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]reportSummary, 0, len(items))
	for i := range items {
		rep := &items[i]
		out = append(out, reportSummary{
			Date:             rep.Date,
			State:            rep.State,
			Events:           len(rep.Events),
			Recommendations:  rep.RecommendationCount(),
			SourceFailures:   len(rep.SourceFailures),
			DeliveryFailures: len(rep.DeliveryFailures),
			FatalError:       rep.FatalError,
			StartedAt:        rep.StartedAt,
			FinishedAt:       rep.FinishedAt,
		})
	}
	Ok(c, out, map[string]any{"limit": limit, "offset": offset})
}

func (h *ReportHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	date, ok := h.date(c)
	if !ok {
		return
	}
	item, err := h.Repo.GetReport(c.Request.Context(), date)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "report not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *ReportHandler) tasks(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	date, ok := h.date(c)
	if !ok {
		return
	}
	items, err := h.Repo.ListDeliveryTasks(c.Request.Context(), date)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// run starts a report. With wait=true it runs inside the request and returns the
// report; otherwise it answers 202 and runs against BaseCtx.
func (h *ReportHandler) run(c *gin.Context) {
	if h.Runner == nil {
		Error(c, http.StatusInternalServerError, "runner unavailable", nil)
		return
	}
	date, ok := h.date(c)
	if !ok {
		return
	}
	resume := boolQueryDefault(c, "resume", false)
	if err := h.Runner.CheckRunnable(c.Request.Context(), date, resume); err != nil {
		KindError(c, err)
		return
	}
	paas.LogBestEffort(c, "sportsedge_manual_run", "info", map[string]any{"date": date, "resume": resume})

	opts := report.RunOptions{Resume: resume}
	if boolQueryDefault(c, "wait", false) {
		rep, err := h.Runner.RunDaily(c.Request.Context(), date, opts)
		if err != nil {
			KindError(c, err)
			return
		}
		Ok(c, rep, nil)
		return
	}

	base := h.BaseCtx
	if base == nil {
		base = context.Background()
	}
	if p := paas.ClientFromGin(c); p != nil {
		base = paas.WithClient(base, p)
	}
	go func() {
		rep, err := h.Runner.RunDaily(base, date, opts)
		if err != nil {
			h.logger().Warn("manual run failed", zap.String("date", date), zap.Error(err))
			return
		}
		h.logger().Info("manual run finished", zap.String("date", date), zap.String("state", string(rep.State)))
	}()
	Accepted(c, gin.H{"date": date, "resume": resume})
}

func (h *ReportHandler) quota(c *gin.Context) {
	if h.Quota == nil {
		Error(c, http.StatusInternalServerError, "quota tracker unavailable", nil)
		return
	}
	items, err := h.Quota.Snapshot(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

// date reads the :date param; "today" resolves in the report timezone.
func (h *ReportHandler) date(c *gin.Context) (string, bool) {
	v := strings.TrimSpace(c.Param("date"))
	if strings.EqualFold(v, "today") && h.Runner != nil {
		return h.Runner.Today(), true
	}
	if _, err := time.Parse("2006-01-02", v); err != nil {
		Error(c, http.StatusBadRequest, "invalid date, want YYYY-MM-DD", nil)
		return "", false
	}
	return v, true
}

func (h *ReportHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
