package cronrunner

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner schedules jobs with a seconds field. Jobs receive the base context so a
// shutdown cancels in-flight runs. A job still running when its next tick fires is
// skipped for that tick.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	mu      sync.Mutex
	running map[string]bool
}

func New(logger *zap.Logger, baseCtx context.Context, opts ...cron.Option) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	opts = append([]cron.Option{cron.WithSeconds()}, opts...)
	return &Runner{
		cron:    cron.New(opts...),
		logger:  logger,
		baseCtx: baseCtx,
		running: map[string]bool{},
	}
}

// Add registers job under name. The name identifies the job in logs and in overlap
// detection.
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if !r.begin(name) {
			if r.logger != nil {
				r.logger.Warn("cron job still running, tick skipped", zap.String("job", name))
			}
			return
		}
		defer r.end(name)
		job(r.baseCtx)
	})
}

func (r *Runner) begin(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) end(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Info("cron started", zap.Int("entries", len(r.cron.Entries())))
	}
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.logger != nil {
		r.logger.Info("cron stopped")
	}
}
