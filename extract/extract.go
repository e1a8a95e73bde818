// Package extract pulls the fixed-shape tokens the forum embeds in its pages.
// Every lookup is independent and reports absence instead of failing, so the
// caller decides which misses are fatal.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// NotLoggedInMarker appears on pages that require a session when none is present
	NotLoggedInMarker = "请先登录"
	// WelcomeMarker is embedded in the login response on success
	WelcomeMarker = "欢迎您回来"
	// CaptchaSucceedMarker is the verification response on a correct captcha
	CaptchaSucceedMarker = "succeed"
)

// LoginChallenge holds the tokens scraped from the login form. Empty fields
// were not found.
type LoginChallenge struct {
	FormHash    string
	SeccodeHash string
	LoginHash   string
}

// Complete reports whether every token needed to submit a login is present
func (c LoginChallenge) Complete() bool {
	return c.FormHash != "" && c.SeccodeHash != "" && c.LoginHash != ""
}

// Missing lists the names of absent tokens
func (c LoginChallenge) Missing() []string {
	var missing []string
	if c.FormHash == "" {
		missing = append(missing, "formhash")
	}
	if c.SeccodeHash == "" {
		missing = append(missing, "seccodehash")
	}
	if c.LoginHash == "" {
		missing = append(missing, "loginhash")
	}
	return missing
}

// Credit is the account balance block from the credit page
type Credit struct {
	Money int
	UID   string
}

// Extractor isolates the site's page contract from the login flow
type Extractor interface {
	LoginChallenge(body string) LoginChallenge
	CDATA(body string) (string, bool)
	WelcomeUser(text string) (string, bool)
	SignHash(body string) (string, bool)
	Credit(body string) (Credit, bool)
	LoggedIn(body string) bool
}

var (
	formHashPattern    = regexp.MustCompile(`name="formhash" value="([a-zA-Z0-9]{8})"`)
	seccodeHashPattern = regexp.MustCompile(`seccode_([a-zA-Z0-9]{6})`)
	// "messaqge" is how the site spells it
	loginHashPattern = regexp.MustCompile(`main_messaqge_([a-zA-Z0-9]{5})`)
	cdataPattern     = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	welcomePattern   = regexp.MustCompile(`欢迎您回来，(.*?)，现在将转入登录前页面`)
	signHashPattern  = regexp.MustCompile(`formhash=([a-zA-Z0-9]{8})`)
	moneyPattern     = regexp.MustCompile(`金钱: </em>(\d+)`)
	uidPattern       = regexp.MustCompile(`uid=(\d+)`)
)

// Regexp is the Extractor for the forum's current markup
type Regexp struct{}

// New returns the default extractor
func New() Regexp {
	return Regexp{}
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// LoginChallenge pulls formhash, seccodehash and loginhash from the login page
func (Regexp) LoginChallenge(body string) LoginChallenge {
	return LoginChallenge{
		FormHash:    firstGroup(formHashPattern, body),
		SeccodeHash: firstGroup(seccodeHashPattern, body),
		LoginHash:   firstGroup(loginHashPattern, body),
	}
}

// CDATA returns the first CDATA section of an ajax response
func (Regexp) CDATA(body string) (string, bool) {
	m := cdataPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// WelcomeUser returns the username from a login success message
func (Regexp) WelcomeUser(text string) (string, bool) {
	name := firstGroup(welcomePattern, text)
	return name, name != ""
}

// SignHash returns the formhash of the sign page
func (Regexp) SignHash(body string) (string, bool) {
	hash := firstGroup(signHashPattern, body)
	return hash, hash != ""
}

// Credit requires the balance; the uid is filled in when present
func (Regexp) Credit(body string) (Credit, bool) {
	raw := firstGroup(moneyPattern, body)
	if raw == "" {
		return Credit{}, false
	}
	money, err := strconv.Atoi(raw)
	if err != nil {
		return Credit{}, false
	}
	return Credit{Money: money, UID: firstGroup(uidPattern, body)}, true
}

// LoggedIn is false when the page asks to log in first
func (Regexp) LoggedIn(body string) bool {
	return !strings.Contains(body, NotLoggedInMarker)
}
