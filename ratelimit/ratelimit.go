package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrDailyLimit is returned when an action's daily quota is used up
var ErrDailyLimit = errors.New("daily limit exceeded")

// RateLimiter spaces out requests against the site so that several accounts
// in one run do not hammer it back to back
type RateLimiter struct {
	logger   *logrus.Logger
	config   Config
	limiters map[ActionType]*rate.Limiter
	daily    map[ActionType]int
	day      string
	now      func() time.Time
	rng      *rand.Rand
	mu       sync.Mutex
}

// Config defines rate limiting behavior
type Config struct {
	// Minimum spacing applied to every action
	MinDelay time.Duration `yaml:"min_delay"`

	// Action-specific spacing
	LoginDelay   time.Duration `yaml:"login_delay"`
	CheckinDelay time.Duration `yaml:"checkin_delay"`

	// Daily limits, zero disables
	DailyLogins   int `yaml:"daily_logins"`
	DailyCheckins int `yaml:"daily_checkins"`

	// Humanization
	RandomizeDelay bool    `yaml:"randomize_delay"`
	JitterPercent  float64 `yaml:"jitter_percent"`
}

// ActionType represents the paced site actions
type ActionType string

const (
	ActionLogin   ActionType = "login"
	ActionCheckin ActionType = "checkin"
)

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config Config, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		logger:   logger,
		config:   config,
		limiters: make(map[ActionType]*rate.Limiter),
		daily:    make(map[ActionType]int),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, action := range []ActionType{ActionLogin, ActionCheckin} {
		rl.limiters[action] = newLimiter(rl.spacing(action))
	}
	return rl
}

func newLimiter(spacing time.Duration) *rate.Limiter {
	if spacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(spacing), 1)
}

// spacing is the larger of the action-specific and the general delay
func (rl *RateLimiter) spacing(action ActionType) time.Duration {
	var delay time.Duration
	switch action {
	case ActionLogin:
		delay = rl.config.LoginDelay
	case ActionCheckin:
		delay = rl.config.CheckinDelay
	}
	if rl.config.MinDelay > delay {
		delay = rl.config.MinDelay
	}
	return delay
}

// WaitForPermission blocks until the action may be performed
func (rl *RateLimiter) WaitForPermission(ctx context.Context, action ActionType) error {
	rl.mu.Lock()
	if err := rl.checkDailyLimits(action); err != nil {
		rl.mu.Unlock()
		return err
	}

	limiter, ok := rl.limiters[action]
	if !ok {
		limiter = newLimiter(rl.spacing(action))
		rl.limiters[action] = limiter
	}
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	if rl.config.RandomizeDelay && delay > 0 {
		delay = rl.addJitter(delay)
	}
	rl.daily[action]++
	rl.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	rl.logger.WithFields(logrus.Fields{
		"action": string(action),
		"delay":  delay,
	}).Info("Rate limiting - waiting")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		rl.mu.Lock()
		rl.daily[action]--
		rl.mu.Unlock()
		return ctx.Err()
	}
}

// checkDailyLimits resets the counters on a new day and enforces quotas.
// Caller holds mu.
func (rl *RateLimiter) checkDailyLimits(action ActionType) error {
	today := rl.now().Format("2006-01-02")
	if today != rl.day {
		rl.day = today
		rl.daily = make(map[ActionType]int)
	}

	var limit int
	switch action {
	case ActionLogin:
		limit = rl.config.DailyLogins
	case ActionCheckin:
		limit = rl.config.DailyCheckins
	}

	if limit > 0 && rl.daily[action] >= limit {
		return fmt.Errorf("%w for %s: %d/%d", ErrDailyLimit, action, rl.daily[action], limit)
	}
	return nil
}

// addJitter adds +/- JitterPercent randomness. Caller holds mu.
func (rl *RateLimiter) addJitter(delay time.Duration) time.Duration {
	if rl.config.JitterPercent <= 0 {
		return delay
	}

	jitter := float64(delay) * rl.config.JitterPercent / 100.0
	newDelay := float64(delay) + (rl.rng.Float64()*2-1)*jitter
	if newDelay < 0 {
		newDelay = 0
	}
	return time.Duration(newDelay)
}

// GetStats returns today's action counts
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"day":            rl.day,
		"daily_logins":   rl.daily[ActionLogin],
		"daily_checkins": rl.daily[ActionCheckin],
	}
}
