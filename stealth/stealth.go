package stealth

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultUserAgent is sent when no fingerprint rotation is configured
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36 Edg/137.0.0.0"

// StealthConfig controls how requests to the site are dressed up
type StealthConfig struct {
	Fingerprint FingerprintConfig
	Timing      TimingConfig
}

// FingerprintConfig for request header masking
type FingerprintConfig struct {
	RandomUserAgent bool
	UserAgent       string
	UserAgents      []string
}

// TimingConfig for pauses between accounts
type TimingConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// StealthManager picks a per-session fingerprint and paces account switches
type StealthManager struct {
	config StealthConfig
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStealthManager creates a new stealth manager
func NewStealthManager(config StealthConfig, logger *logrus.Logger) *StealthManager {
	return &StealthManager{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UserAgent returns the user agent for a new session. With rotation enabled a
// random entry of the configured pool is used; a session keeps the value it
// was given for its whole lifetime.
func (s *StealthManager) UserAgent() string {
	fp := s.config.Fingerprint
	if fp.RandomUserAgent && len(fp.UserAgents) > 0 {
		s.mu.Lock()
		ua := fp.UserAgents[s.rng.Intn(len(fp.UserAgents))]
		s.mu.Unlock()
		return ua
	}
	if fp.UserAgent != "" {
		return fp.UserAgent
	}
	return DefaultUserAgent
}

// RandomDelay returns a duration between the configured bounds
func (s *StealthManager) RandomDelay() time.Duration {
	lo, hi := s.config.Timing.MinDelay, s.config.Timing.MaxDelay
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

// Pause sleeps for a random delay between accounts
func (s *StealthManager) Pause(ctx context.Context) error {
	delay := s.RandomDelay()
	if delay <= 0 {
		return nil
	}

	s.logger.WithField("delay", delay).Debug("Pausing before next account")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
