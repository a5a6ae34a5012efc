package db

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsBusy(errors.Wrap(errors.New("database is locked"), "insert")))
	assert.False(t, IsBusy(errors.New("no such table: audit_events")))
}

func TestRetryBusy(t *testing.T) {
	t.Run("retries while busy", func(t *testing.T) {
		calls := 0
		err := RetryBusy(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		err := RetryBusy(context.Background(), func() error {
			calls++
			return errors.New("constraint failed")
		})
		assert.EqualError(t, err, "constraint failed")
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		calls := 0
		err := RetryBusy(context.Background(), func() error {
			calls++
			return errors.New("database is locked")
		})
		assert.Error(t, err)
		assert.Equal(t, busyAttempts, calls)
	})
}
