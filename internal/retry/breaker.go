package retry

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"sportsedge/internal/errs"
)

// NewBreaker builds a per-source breaker that opens after threshold consecutive
// counted failures and stays open for openFor. A threshold <= 0 never trips.
//
// Quota denials, malformed payloads and run-level cancellation do not count:
// they say nothing about the health of the source.
func NewBreaker[T any](name string, threshold int, openFor time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("source", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsExcluded: func(err error) bool {
			switch errs.KindOf(err) {
			case errs.KindQuotaExceeded, errs.KindQuotaUnavailable, errs.KindSourceParse, errs.KindTimeout:
				return true
			}
			return false
		},
	}
	return gobreaker.NewCircuitBreaker[T](settings)
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
