// Package checkin claims the daily reward for an authenticated session.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sxsy-checkin/extract"
	"sxsy-checkin/storage"
)

// ErrNoSignHash is returned when the sign page does not carry a hash
var ErrNoSignHash = errors.New("sign hash not found")

// Client is the part of a site session the check-in needs
type Client interface {
	SignPage(ctx context.Context) (string, error)
	SignIn(ctx context.Context, signHash string) (string, error)
	CreditPage(ctx context.Context) (string, error)
	Promote(ctx context.Context, uid string) error
}

// Result summarizes one check-in
type Result struct {
	Message string
	Balance int
	UID     string
}

// Checker runs the check-in sequence
type Checker struct {
	extractor extract.Extractor
	history   storage.CheckinHistory
	logger    *logrus.Logger
	now       func() time.Time
}

// NewChecker creates a checker. history may be nil.
func NewChecker(extractor extract.Extractor, history storage.CheckinHistory, logger *logrus.Logger) *Checker {
	return &Checker{
		extractor: extractor,
		history:   history,
		logger:    logger,
		now:       time.Now,
	}
}

// Run signs in for today and reports the resulting balance. An "already
// signed" reply is a normal result. Only failing to submit the sign request
// is an error; the balance lookup and the promotion ping are best-effort.
func (c *Checker) Run(ctx context.Context, key string, client Client) (Result, error) {
	log := c.logger.WithField("account", key)

	result, err := c.sign(ctx, client)
	if err != nil {
		log.WithError(err).Error("Check-in failed")
		c.record(ctx, key, result, false)
		return result, err
	}
	log.WithField("message", result.Message).Info("Check-in submitted")

	// The uid comes from the first credit lookup; the balance is reported after the ping
	if credit, ok := c.credit(ctx, client, log); ok {
		result.UID = credit.UID
	}
	if result.UID != "" {
		if err := client.Promote(ctx, result.UID); err != nil {
			log.WithError(err).Warn("Promotion ping failed")
		}
	}
	if credit, ok := c.credit(ctx, client, log); ok {
		result.Balance = credit.Money
		if result.UID == "" {
			result.UID = credit.UID
		}
		log.WithFields(logrus.Fields{
			"uid":     result.UID,
			"balance": result.Balance,
		}).Info("Current balance")
	}

	c.record(ctx, key, result, true)
	return result, nil
}

func (c *Checker) sign(ctx context.Context, client Client) (Result, error) {
	page, err := client.SignPage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch sign page: %w", err)
	}
	hash, ok := c.extractor.SignHash(page)
	if !ok {
		return Result{}, ErrNoSignHash
	}

	body, err := client.SignIn(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("failed to submit check-in: %w", err)
	}
	text, ok := c.extractor.CDATA(body)
	if !ok {
		c.logger.Warn("Unexpected check-in response format")
		return Result{}, nil
	}
	return Result{Message: text}, nil
}

func (c *Checker) credit(ctx context.Context, client Client, log *logrus.Entry) (extract.Credit, bool) {
	page, err := client.CreditPage(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch credit page")
		return extract.Credit{}, false
	}
	credit, ok := c.extractor.Credit(page)
	if !ok {
		log.Warn("Balance not found on credit page")
	}
	return credit, ok
}

func (c *Checker) record(ctx context.Context, key string, result Result, success bool) {
	if c.history == nil {
		return
	}
	err := c.history.SaveCheckin(ctx, &storage.CheckinRecord{
		Key:       key,
		UID:       result.UID,
		Message:   result.Message,
		Balance:   result.Balance,
		Success:   success,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.logger.WithError(err).WithField("account", key).Warn("Failed to record check-in")
	}
}
