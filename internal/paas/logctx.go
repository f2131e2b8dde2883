package paas

import (
	"context"
	"time"
)

// LogBestEffortCtx sends an audit entry with the client carried by ctx, if any.
// Failures are dropped; the entry gets its own short deadline so a cancelled run
// still records its outcome.
func LogBestEffortCtx(ctx context.Context, action, level string, details map[string]any) {
	p := ClientFromContext(ctx)
	if p == nil {
		return
	}
	ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.CreateLog(ctx2, CreateLogRequest{
		Action:  action,
		Level:   level,
		Details: details,
	})
}
