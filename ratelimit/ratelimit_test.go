package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFirstActionIsImmediate(t *testing.T) {
	rl := NewRateLimiter(Config{LoginDelay: time.Hour}, quietLogger())

	start := time.Now()
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSecondActionWaits(t *testing.T) {
	rl := NewRateLimiter(Config{CheckinDelay: 50 * time.Millisecond}, quietLogger())

	require.NoError(t, rl.WaitForPermission(context.Background(), ActionCheckin))
	start := time.Now()
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionCheckin))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestActionsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(Config{LoginDelay: time.Hour}, quietLogger())

	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))
	start := time.Now()
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionCheckin))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelledWait(t *testing.T) {
	rl := NewRateLimiter(Config{LoginDelay: time.Hour}, quietLogger())
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rl.WaitForPermission(ctx, ActionLogin), context.DeadlineExceeded)
	assert.Equal(t, 1, rl.GetStats()["daily_logins"])
}

func TestDailyLimit(t *testing.T) {
	rl := NewRateLimiter(Config{DailyLogins: 2}, quietLogger())
	day := time.Date(2025, 6, 8, 9, 10, 0, 0, time.UTC)
	rl.now = func() time.Time { return day }

	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))
	require.ErrorIs(t, rl.WaitForPermission(context.Background(), ActionLogin), ErrDailyLimit)

	day = day.Add(24 * time.Hour)
	require.NoError(t, rl.WaitForPermission(context.Background(), ActionLogin))
}

func TestJitterStaysInRange(t *testing.T) {
	rl := NewRateLimiter(Config{JitterPercent: 20}, quietLogger())
	for i := 0; i < 100; i++ {
		d := rl.addJitter(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
