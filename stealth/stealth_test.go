package stealth

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

func TestUserAgentDefaults(t *testing.T) {
	s := NewStealthManager(StealthConfig{}, quietLogger())
	assert.Equal(t, DefaultUserAgent, s.UserAgent())

	s = NewStealthManager(StealthConfig{Fingerprint: FingerprintConfig{UserAgent: "custom"}}, quietLogger())
	assert.Equal(t, "custom", s.UserAgent())
}

func TestUserAgentRotation(t *testing.T) {
	pool := []string{"ua-1", "ua-2", "ua-3"}
	s := NewStealthManager(StealthConfig{
		Fingerprint: FingerprintConfig{RandomUserAgent: true, UserAgents: pool},
	}, quietLogger())

	for i := 0; i < 20; i++ {
		assert.Contains(t, pool, s.UserAgent())
	}
}

func TestRandomDelayBounds(t *testing.T) {
	s := NewStealthManager(StealthConfig{
		Timing: TimingConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}, quietLogger())

	for i := 0; i < 50; i++ {
		d := s.RandomDelay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
}

func TestPauseHonoursCancellation(t *testing.T) {
	s := NewStealthManager(StealthConfig{
		Timing: TimingConfig{MinDelay: time.Hour, MaxDelay: time.Hour},
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Pause(ctx), context.Canceled)
}

func TestPauseZeroDelay(t *testing.T) {
	s := NewStealthManager(StealthConfig{}, quietLogger())
	require.NoError(t, s.Pause(context.Background()))
}
