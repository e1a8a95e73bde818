package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sxsy-checkin/extract"
)

// State is a step of one account's authentication
type State int

const (
	StateStart State = iota
	StateValidateCookie
	StateCookieExpired
	StateHydrateToken
	StateFetchChallenge
	StateCaptcha
	StateBackoff
	StateSubmit
	StatePersist
	StateAuthenticated
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateStart:          "start",
	StateValidateCookie: "validate_cookie",
	StateCookieExpired:  "cookie_expired",
	StateHydrateToken:   "hydrate_token",
	StateFetchChallenge: "fetch_challenge",
	StateCaptcha:        "captcha",
	StateBackoff:        "backoff",
	StateSubmit:         "submit_credentials",
	StatePersist:        "persist",
	StateAuthenticated:  "authenticated",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode is how an account is being authenticated
type Mode int

const (
	// ModeReuse validates a persisted session record
	ModeReuse Mode = iota
	// ModeToken hydrates a configured cookie string
	ModeToken
	// ModePassword performs the full captcha login
	ModePassword
)

func (m Mode) String() string {
	switch m {
	case ModeReuse:
		return "session"
	case ModeToken:
		return "token"
	case ModePassword:
		return "password"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Status is the final result of one account
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventKind identifies what an effect observed
type EventKind int

const (
	EventStart EventKind = iota
	EventSessionValid
	EventSessionInvalid
	EventNetworkError
	EventPersisted
	EventPersistFailed
	EventDeleted
	EventChallenge
	EventCaptchaVerified
	EventCaptchaRejected
	EventBackoffElapsed
	EventLoginAccepted
	EventLoginRejected
	EventCheckinDone
	EventCheckinFailed
	EventCancelled
)

// Event is fed back into the machine after an effect ran
type Event struct {
	Kind      EventKind
	Challenge extract.LoginChallenge
	Text      string
	Err       error
}

// EffectKind identifies work the driver must perform
type EffectKind int

const (
	EffectLog EffectKind = iota
	EffectValidate
	EffectPersist
	EffectDelete
	EffectHydrate
	EffectFetchChallenge
	EffectCaptchaAttempt
	EffectSleep
	EffectSubmit
	EffectCheckin
)

// Effect is a request from the machine to the outside world. Every effect
// except EffectLog and EffectHydrate reports back with exactly one Event.
type Effect struct {
	Kind    EffectKind
	Level   logrus.Level
	Message string
	Err     error
	Delay   time.Duration
}

// Reports tells whether performing the effect produces an event
func (e Effect) Reports() bool {
	return e.Kind != EffectLog && e.Kind != EffectHydrate
}

// DefaultMaxAttempts bounds the captcha loop. Configured limits are clamped to it.
const DefaultMaxAttempts = 3

// Machine is the full state of one account's authentication. It holds no
// secrets; the driver keeps the credential.
type Machine struct {
	State State
	Mode  Mode
	Key   string

	// HasPassword is whether the batch has password credentials to fall back on
	HasPassword bool
	MaxAttempts int
	Backoff     time.Duration

	Attempts  int
	Challenge extract.LoginChallenge
	Captcha   string

	// Validated is set once the session check passed
	Validated bool

	Status Status
	Reason string
	Err    error
}

// NewMachine returns a machine ready for EventStart
func NewMachine(mode Mode, key string) Machine {
	return Machine{
		State:       StateStart,
		Mode:        mode,
		Key:         key,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Terminal reports whether the machine has finished
func (m Machine) Terminal() bool {
	return m.State == StateDone || m.State == StateFailed
}

func logEffect(level logrus.Level, msg string, err error) Effect {
	return Effect{Kind: EffectLog, Level: level, Message: msg, Err: err}
}

func effect(kind EffectKind) Effect {
	return Effect{Kind: kind}
}

func done(m Machine, status Status, reason string) (Machine, []Effect) {
	m.State = StateDone
	m.Status = status
	m.Reason = reason
	return m, nil
}

func fail(m Machine, reason string, err error) (Machine, []Effect) {
	m.State = StateFailed
	m.Status = StatusFailed
	m.Reason = reason
	m.Err = err
	return m, nil
}

func unexpected(m Machine, ev Event) (Machine, []Effect) {
	return fail(m, "unexpected event", fmt.Errorf("event %d in state %s", ev.Kind, m.State))
}

// Step advances the machine by one event. It performs no I/O.
func Step(m Machine, ev Event) (Machine, []Effect) {
	if m.Terminal() {
		return m, nil
	}
	if ev.Kind == EventCancelled {
		return fail(m, "cancelled", ev.Err)
	}

	switch m.State {
	case StateStart:
		return stepStart(m, ev)
	case StateValidateCookie:
		return stepValidate(m, ev)
	case StateCookieExpired:
		return stepExpired(m, ev)
	case StateHydrateToken:
		return stepHydrate(m, ev)
	case StateFetchChallenge:
		return stepChallenge(m, ev)
	case StateCaptcha:
		return stepCaptcha(m, ev)
	case StateBackoff:
		return stepBackoff(m, ev)
	case StateSubmit:
		return stepSubmit(m, ev)
	case StatePersist:
		return stepPersist(m, ev)
	case StateAuthenticated:
		return stepAuthenticated(m, ev)
	}
	return unexpected(m, ev)
}

func stepStart(m Machine, ev Event) (Machine, []Effect) {
	if ev.Kind != EventStart {
		return unexpected(m, ev)
	}
	if m.MaxAttempts <= 0 || m.MaxAttempts > DefaultMaxAttempts {
		m.MaxAttempts = DefaultMaxAttempts
	}

	switch m.Mode {
	case ModeReuse:
		m.State = StateValidateCookie
		return m, []Effect{effect(EffectValidate)}
	case ModeToken:
		m.State = StateHydrateToken
		return m, []Effect{effect(EffectHydrate), effect(EffectPersist)}
	case ModePassword:
		m.State = StateFetchChallenge
		return m, []Effect{effect(EffectFetchChallenge)}
	}
	return unexpected(m, ev)
}

func stepValidate(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventSessionValid:
		m.Validated = true
		if m.Mode == ModeReuse {
			// Refresh the record's timestamp before checking in
			m.State = StatePersist
			return m, []Effect{effect(EffectPersist)}
		}
		m.State = StateAuthenticated
		return m, []Effect{effect(EffectCheckin)}
	case EventSessionInvalid:
		m.State = StateCookieExpired
		return m, []Effect{
			logEffect(logrus.WarnLevel, "Session cookies are no longer valid, removing record", nil),
			effect(EffectDelete),
		}
	case EventNetworkError:
		if m.Mode == ModeToken {
			// The token could not be confirmed; the stored record is left alone
			return fail(m, "invalid token", fmt.Errorf("%w: %w", ErrInvalidToken, ev.Err))
		}
		return fail(m, "session check failed", ev.Err)
	}
	return unexpected(m, ev)
}

func stepExpired(m Machine, ev Event) (Machine, []Effect) {
	if ev.Kind != EventDeleted {
		return unexpected(m, ev)
	}
	switch {
	case m.Mode == ModeToken:
		return fail(m, "invalid token", ErrInvalidToken)
	case m.HasPassword:
		return done(m, StatusSkipped, "deferred to credential login")
	default:
		return fail(m, "no credentials to retry", ErrNoCredentials)
	}
}

func stepHydrate(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventPersisted:
		m.State = StateValidateCookie
		return m, []Effect{effect(EffectValidate)}
	case EventPersistFailed:
		m.State = StateValidateCookie
		return m, []Effect{
			logEffect(logrus.WarnLevel, "Failed to persist token session", ev.Err),
			effect(EffectValidate),
		}
	}
	return unexpected(m, ev)
}

func stepChallenge(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventChallenge:
		if !ev.Challenge.Complete() {
			err := fmt.Errorf("%w: missing %s", ErrExtractionMiss, strings.Join(ev.Challenge.Missing(), ", "))
			return fail(m, "parameter extraction failed", err)
		}
		m.Challenge = ev.Challenge
		m.Attempts = 0
		m.State = StateCaptcha
		return m, []Effect{effect(EffectCaptchaAttempt)}
	case EventNetworkError:
		return fail(m, "login page unavailable", ev.Err)
	}
	return unexpected(m, ev)
}

func stepCaptcha(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventCaptchaVerified:
		m.Captcha = ev.Text
		m.State = StateSubmit
		return m, []Effect{effect(EffectSubmit)}
	case EventCaptchaRejected:
		m.Attempts++
		if m.Attempts >= m.MaxAttempts {
			return fail(m, "captcha retries exhausted", fmt.Errorf("%w after %d attempts", ErrCaptchaExhausted, m.Attempts))
		}
		m.State = StateBackoff
		return m, []Effect{
			logEffect(logrus.WarnLevel, fmt.Sprintf("Captcha attempt %d/%d failed, retrying", m.Attempts, m.MaxAttempts), ev.Err),
			{Kind: EffectSleep, Delay: m.Backoff},
		}
	}
	return unexpected(m, ev)
}

func stepBackoff(m Machine, ev Event) (Machine, []Effect) {
	if ev.Kind != EventBackoffElapsed {
		return unexpected(m, ev)
	}
	m.State = StateCaptcha
	return m, []Effect{effect(EffectCaptchaAttempt)}
}

func stepSubmit(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventLoginAccepted:
		m.State = StatePersist
		return m, []Effect{effect(EffectPersist)}
	case EventLoginRejected:
		err := ErrAuthRejected
		if ev.Text != "" {
			err = fmt.Errorf("%w: %s", ErrAuthRejected, ev.Text)
		}
		return fail(m, "login rejected", err)
	case EventNetworkError:
		return fail(m, "login request failed", ev.Err)
	}
	return unexpected(m, ev)
}

func stepPersist(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventPersisted:
		m.State = StateAuthenticated
		return m, []Effect{effect(EffectCheckin)}
	case EventPersistFailed:
		m.State = StateAuthenticated
		return m, []Effect{
			logEffect(logrus.WarnLevel, "Failed to persist session", ev.Err),
			effect(EffectCheckin),
		}
	}
	return unexpected(m, ev)
}

func stepAuthenticated(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventCheckinDone:
		return done(m, StatusSuccess, "")
	case EventCheckinFailed:
		return fail(m, "check-in failed", ev.Err)
	}
	return unexpected(m, ev)
}
