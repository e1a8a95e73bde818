package auth

import "errors"

var (
	// ErrNetwork wraps transport failures talking to the site
	ErrNetwork = errors.New("network error")
	// ErrExtractionMiss means the login page lacked a required token
	ErrExtractionMiss = errors.New("login parameters not found")
	// ErrCaptchaExhausted means every captcha attempt was rejected
	ErrCaptchaExhausted = errors.New("captcha retries exhausted")
	// ErrAuthRejected means the site refused the credentials
	ErrAuthRejected = errors.New("login rejected")
	// ErrPersistence wraps session store failures
	ErrPersistence = errors.New("session persistence failed")
	// ErrInvalidToken means a configured cookie string did not authenticate
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoCredentials means an expired session has no password to fall back to
	ErrNoCredentials = errors.New("no credentials to retry")
	// ErrCancelled is reported for accounts interrupted by shutdown
	ErrCancelled = errors.New("cancelled")
)
