package account

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two supported credential shapes
type Kind int

const (
	KindPassword Kind = iota
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindPassword:
		return "password"
	case KindToken:
		return "token"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultKey is the session key used when the account email is unknown
const DefaultKey = "default"

// Credential is one configured account, either an email/password pair or
// an opaque pre-authenticated cookie string
type Credential struct {
	Kind     Kind
	Email    string
	Password string
	Token    string
	// Index is the 1-based position of the line in the input
	Index int
}

// Key returns the identifier the account's session is persisted under
func (c Credential) Key() string {
	if c.Kind == KindPassword && c.Email != "" {
		return c.Email
	}
	return DefaultKey
}

// Parse splits a multi-line credential value into accounts, preserving input
// order. A line containing '&' is an email&password pair, anything else is
// treated as a raw cookie string. Blank lines are ignored.
func Parse(raw string) []Credential {
	var creds []Credential
	index := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		index++

		if email, password, ok := strings.Cut(line, "&"); ok {
			creds = append(creds, Credential{
				Kind:     KindPassword,
				Email:    strings.TrimSpace(email),
				Password: password,
				Index:    index,
			})
			continue
		}

		creds = append(creds, Credential{
			Kind:  KindToken,
			Token: line,
			Index: index,
		})
	}
	return creds
}

// HasPassword reports whether any credential can perform a full login
func HasPassword(creds []Credential) bool {
	for _, c := range creds {
		if c.Kind == KindPassword {
			return true
		}
	}
	return false
}

// MaskEmail hides most of the local part of an email for logging
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}

	username := parts[0]
	domain := parts[1]

	if len(username) <= 2 {
		return email
	}

	masked := username[:2] + strings.Repeat("*", len(username)-2)
	return masked + "@" + domain
}
