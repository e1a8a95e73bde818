// Package auth decides, per account, whether a persisted session can be
// reused or a full captcha login is needed, and then runs the check-in.
//
// The decision logic is a pure state machine (Step). The Orchestrator drives
// it: it performs each requested effect against the site, the session store
// and the captcha solver, and feeds the observed event back in. Accounts are
// processed strictly one after another.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sxsy-checkin/account"
	"sxsy-checkin/captcha"
	"sxsy-checkin/checkin"
	"sxsy-checkin/extract"
	"sxsy-checkin/ratelimit"
	"sxsy-checkin/site"
	"sxsy-checkin/storage"
)

// Site is one fresh cookie jar talking to the forum
type Site interface {
	checkin.Client
	Hydrate(raw string) int
	Cookies() string
	CheckSession(ctx context.Context) (string, error)
	LoginPage(ctx context.Context) (string, error)
	CaptchaImage(ctx context.Context, seccodeHash string) ([]byte, error)
	VerifyCaptcha(ctx context.Context, seccodeHash, text string) (string, error)
	SubmitLogin(ctx context.Context, form site.LoginForm) (string, error)
}

// SiteFactory creates an empty session for the resolved host
type SiteFactory func() (Site, error)

// Checker runs the check-in for an authenticated session
type Checker interface {
	Run(ctx context.Context, key string, client checkin.Client) (checkin.Result, error)
}

// Pacer spaces out site actions
type Pacer interface {
	WaitForPermission(ctx context.Context, action ratelimit.ActionType) error
}

// Pauser inserts a humanizing pause between accounts
type Pauser interface {
	Pause(ctx context.Context) error
}

// Dependencies are the collaborators of an Orchestrator. Pacer and Pauser
// are optional.
type Dependencies struct {
	Store     storage.SessionStore
	NewSite   SiteFactory
	Solver    captcha.Solver
	Extractor extract.Extractor
	Checker   Checker
	Pacer     Pacer
	Pauser    Pauser
}

// Options tune the login policy
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	// ShortCircuit skips every configured account once any persisted
	// session was reused; when false only the reused keys are skipped
	ShortCircuit bool
}

// CaptchaAttempt is one image/solve/verify round
type CaptchaAttempt struct {
	Image    []byte
	Text     string
	Verified bool
}

// Outcome is the result for one account
type Outcome struct {
	Key    string
	Source Mode
	Status Status
	Reason string
	Err    error
	Result checkin.Result

	// Validated is whether the account's session passed the session check,
	// even if a later step failed
	Validated bool
}

// Report collects every outcome of a run in processing order
type Report struct {
	Outcomes []Outcome
}

// Count returns the number of outcomes with status s
func (r Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Orchestrator runs the login and check-in cycle for a batch of accounts
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps Dependencies, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.MaxAttempts <= 0 || opts.MaxAttempts > DefaultMaxAttempts {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run reuses persisted sessions first, then works through the configured
// accounts in order. It never aborts early: every account gets an outcome
// unless ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, accounts []account.Credential) Report {
	var report Report
	started := false
	pace := func() bool {
		if started && o.deps.Pauser != nil {
			if err := o.deps.Pauser.Pause(ctx); err != nil {
				return false
			}
		}
		started = true
		return ctx.Err() == nil
	}

	records, err := o.deps.Store.List(ctx)
	if err != nil {
		o.logger.WithError(fmt.Errorf("%w: %w", ErrPersistence, err)).Warn("Failed to read persisted sessions, continuing without them")
		records = nil
	}
	if len(records) > 0 {
		o.logger.WithField("count", len(records)).Info("Found persisted sessions, trying them first")
	}

	hasPassword := account.HasPassword(accounts)
	served := make(map[string]bool)
	reused := false

	for _, rec := range records {
		if !pace() {
			return o.cancelled(report)
		}
		m := o.machine(ModeReuse, rec.Key)
		m.HasPassword = hasPassword
		out := o.drive(ctx, m, account.Credential{Token: rec.Cookies})
		if out.Validated {
			reused = true
			served[rec.Key] = true
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	for _, cred := range accounts {
		key := cred.Key()
		if reused && (o.opts.ShortCircuit || served[key]) {
			o.logger.WithField("account", logKey(cred)).Info("Skipping account, a persisted session was reused")
			report.Outcomes = append(report.Outcomes, Outcome{
				Key:    key,
				Source: modeOf(cred),
				Status: StatusSkipped,
				Reason: "session reused",
			})
			continue
		}
		if !pace() {
			return o.cancelled(report)
		}

		o.logger.WithFields(logrus.Fields{
			"account": logKey(cred),
			"index":   cred.Index,
			"kind":    cred.Kind.String(),
		}).Info("Processing account")

		if cred.Kind == account.KindPassword && o.deps.Pacer != nil {
			if err := o.deps.Pacer.WaitForPermission(ctx, ratelimit.ActionLogin); err != nil {
				report.Outcomes = append(report.Outcomes, Outcome{
					Key:    key,
					Source: ModePassword,
					Status: StatusFailed,
					Reason: "rate limited",
					Err:    err,
				})
				continue
			}
		}

		out := o.drive(ctx, o.machine(modeOf(cred), key), cred)
		if out.Status == StatusSuccess {
			served[key] = true
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	return report
}

func (o *Orchestrator) cancelled(report Report) Report {
	o.logger.Warn("Run cancelled, remaining accounts not attempted")
	return report
}

func (o *Orchestrator) machine(mode Mode, key string) Machine {
	m := NewMachine(mode, key)
	m.MaxAttempts = o.opts.MaxAttempts
	m.Backoff = o.opts.Backoff
	return m
}

func modeOf(cred account.Credential) Mode {
	if cred.Kind == account.KindToken {
		return ModeToken
	}
	return ModePassword
}

func logKey(cred account.Credential) string {
	if cred.Kind == account.KindPassword {
		return account.MaskEmail(cred.Email)
	}
	return cred.Key()
}

// driver performs effects for one account. cred.Token carries the cookie
// string for reuse and token modes.
type driver struct {
	o       *Orchestrator
	session Site
	cred    account.Credential
	result  checkin.Result
	log     *logrus.Entry
}

func (o *Orchestrator) drive(ctx context.Context, m Machine, cred account.Credential) Outcome {
	log := o.logger.WithFields(logrus.Fields{
		"account": maskKey(m.Key),
		"source":  m.Mode.String(),
	})

	out := Outcome{Key: m.Key, Source: m.Mode}
	session, err := o.deps.NewSite()
	if err != nil {
		out.Status = StatusFailed
		out.Reason = "session setup failed"
		out.Err = err
		log.WithError(err).Error("Failed to create site session")
		return out
	}
	if m.Mode == ModeReuse {
		session.Hydrate(cred.Token)
	}

	d := &driver{o: o, session: session, cred: cred, log: log}
	m, effects := Step(m, Event{Kind: EventStart})
	for !m.Terminal() {
		ev, ok := d.performAll(ctx, m, effects)
		if !ok {
			m, effects = fail(m, "stalled", fmt.Errorf("no event from effects in state %s", m.State))
			break
		}
		m, effects = Step(m, ev)
	}
	d.performAll(ctx, m, effects)

	out.Status = m.Status
	out.Reason = m.Reason
	out.Err = m.Err
	out.Result = d.result
	out.Validated = m.Validated

	entry := log.WithField("status", out.Status.String())
	switch out.Status {
	case StatusSuccess:
		entry.Info("Account finished")
	case StatusSkipped:
		entry.WithField("reason", out.Reason).Info("Account skipped")
	default:
		entry.WithError(out.Err).WithField("reason", out.Reason).Error("Account failed")
	}
	return out
}

func maskKey(key string) string {
	if strings.Contains(key, "@") {
		return account.MaskEmail(key)
	}
	return key
}

// performAll runs effects in order and returns the event of the reporting one
func (d *driver) performAll(ctx context.Context, m Machine, effects []Effect) (Event, bool) {
	var ev Event
	reported := false
	for _, eff := range effects {
		if eff.Reports() && ctx.Err() != nil {
			return Event{Kind: EventCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())}, true
		}
		e, ok := d.perform(ctx, m, eff)
		if ok {
			ev, reported = e, true
		}
	}
	return ev, reported
}

func (d *driver) perform(ctx context.Context, m Machine, eff Effect) (Event, bool) {
	log := d.log.WithField("state", m.State.String())

	switch eff.Kind {
	case EffectLog:
		if eff.Err != nil {
			log = log.WithError(eff.Err)
		}
		if m.Attempts > 0 {
			log = log.WithField("attempt", m.Attempts)
		}
		log.Log(eff.Level, eff.Message)
		return Event{}, false

	case EffectHydrate:
		n := d.session.Hydrate(d.cred.Token)
		log.WithField("cookies", n).Debug("Session hydrated from token")
		return Event{}, false

	case EffectValidate:
		body, err := d.session.CheckSession(ctx)
		if err != nil {
			return Event{Kind: EventNetworkError, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}, true
		}
		if d.o.deps.Extractor.LoggedIn(body) {
			log.Info("Session is valid")
			return Event{Kind: EventSessionValid}, true
		}
		return Event{Kind: EventSessionInvalid}, true

	case EffectPersist:
		record := storage.SessionRecord{Key: m.Key, Cookies: d.session.Cookies(), UpdatedAt: d.o.now()}
		if err := d.o.deps.Store.Put(ctx, record); err != nil {
			return Event{Kind: EventPersistFailed, Err: fmt.Errorf("%w: %w", ErrPersistence, err)}, true
		}
		log.Debug("Session persisted")
		return Event{Kind: EventPersisted}, true

	case EffectDelete:
		err := d.o.deps.Store.Delete(ctx, m.Key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(fmt.Errorf("%w: %w", ErrPersistence, err)).Warn("Failed to delete stale session")
		}
		return Event{Kind: EventDeleted}, true

	case EffectFetchChallenge:
		body, err := d.session.LoginPage(ctx)
		if err != nil {
			return Event{Kind: EventNetworkError, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}, true
		}
		return Event{Kind: EventChallenge, Challenge: d.o.deps.Extractor.LoginChallenge(body)}, true

	case EffectCaptchaAttempt:
		attempt, err := d.captcha(ctx, m.Challenge.SeccodeHash)
		log.WithFields(logrus.Fields{
			"attempt":  m.Attempts + 1,
			"text":     attempt.Text,
			"verified": attempt.Verified,
		}).Debug("Captcha attempt")
		if !attempt.Verified {
			return Event{Kind: EventCaptchaRejected, Err: err}, true
		}
		return Event{Kind: EventCaptchaVerified, Text: attempt.Text}, true

	case EffectSleep:
		if err := d.o.sleep(ctx, eff.Delay); err != nil {
			return Event{Kind: EventCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, err)}, true
		}
		return Event{Kind: EventBackoffElapsed}, true

	case EffectSubmit:
		body, err := d.session.SubmitLogin(ctx, site.LoginForm{
			Email:       d.cred.Email,
			Password:    d.cred.Password,
			FormHash:    m.Challenge.FormHash,
			SeccodeHash: m.Challenge.SeccodeHash,
			LoginHash:   m.Challenge.LoginHash,
			Captcha:     m.Captcha,
		})
		if err != nil {
			return Event{Kind: EventNetworkError, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}, true
		}
		text, ok := d.o.deps.Extractor.CDATA(body)
		if !ok || !strings.Contains(text, extract.WelcomeMarker) {
			return Event{Kind: EventLoginRejected, Text: text}, true
		}
		if user, ok := d.o.deps.Extractor.WelcomeUser(text); ok {
			log = log.WithField("user", user)
		}
		log.Info("Login succeeded")
		return Event{Kind: EventLoginAccepted}, true

	case EffectCheckin:
		if d.o.deps.Pacer != nil {
			if err := d.o.deps.Pacer.WaitForPermission(ctx, ratelimit.ActionCheckin); err != nil {
				return Event{Kind: EventCheckinFailed, Err: err}, true
			}
		}
		result, err := d.o.deps.Checker.Run(ctx, m.Key, d.session)
		d.result = result
		if err != nil {
			return Event{Kind: EventCheckinFailed, Err: err}, true
		}
		return Event{Kind: EventCheckinDone}, true
	}

	return Event{}, false
}

// captcha runs one round. Failing to fetch or solve the image counts as a
// rejected attempt and skips verification.
func (d *driver) captcha(ctx context.Context, seccodeHash string) (CaptchaAttempt, error) {
	var attempt CaptchaAttempt

	image, err := d.session.CaptchaImage(ctx, seccodeHash)
	if err != nil {
		return attempt, fmt.Errorf("failed to fetch captcha image: %w", err)
	}
	attempt.Image = image

	text, err := d.o.deps.Solver.Solve(ctx, image)
	if err != nil {
		return attempt, fmt.Errorf("failed to solve captcha: %w", err)
	}
	attempt.Text = strings.TrimSpace(text)

	body, err := d.session.VerifyCaptcha(ctx, seccodeHash, attempt.Text)
	if err != nil {
		return attempt, fmt.Errorf("failed to verify captcha: %w", err)
	}
	verdict, ok := d.o.deps.Extractor.CDATA(body)
	if !ok {
		return attempt, fmt.Errorf("unexpected captcha verification response")
	}
	attempt.Verified = strings.Contains(verdict, extract.CaptchaSucceedMarker)
	if !attempt.Verified {
		return attempt, fmt.Errorf("captcha %q rejected", attempt.Text)
	}
	return attempt, nil
}
