package db

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jingkaihe/skillbox/pkg/logger"
)

const (
	busyAttempts = 5
	busyDelay    = 50 * time.Millisecond
	busyMaxDelay = time.Second
)

// IsBusy reports whether err is SQLite's "database is locked" condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryBusy runs op, retrying with backoff while SQLite reports the database
// as busy. Other errors are returned immediately.
func RetryBusy(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.RetryIf(IsBusy),
		retry.Attempts(busyAttempts),
		retry.Delay(busyDelay),
		retry.MaxDelay(busyMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Debug("database busy, retrying")
		}),
	)
}
