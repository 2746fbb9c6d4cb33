package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "x", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterDeadline(t *testing.T) {
	cause := errors.New("refused")
	err := retry(context.Background(), "db connect", 0, func(context.Context) error { return cause })
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gave up")
}

func TestRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, "redis connect", time.Hour, func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
