// Package site speaks the forum's HTTP contract. A Session is one cookie jar
// bound to one account attempt; every call returns the raw body and leaves
// interpretation to the extract package.
package site

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Options configures new sessions
type Options struct {
	Scheme    string
	UserAgent string
	Timeout   time.Duration
}

// Session is an authenticated (or about to be) conversation with the site
type Session struct {
	baseURL *url.URL
	jar     http.CookieJar
	http    *resty.Client
	opts    Options
	logger  *logrus.Entry
}

// NewSession creates a session with an empty cookie jar
func NewSession(host string, opts Options, logger *logrus.Entry) (*Session, error) {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}

	baseURL, err := url.Parse(fmt.Sprintf("%s://%s", opts.Scheme, host))
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Session{
		baseURL: baseURL,
		jar:     jar,
		http:    newClient(baseURL.String(), jar, opts),
		opts:    opts,
		logger:  logger,
	}, nil
}

func newClient(baseURL string, jar http.CookieJar, opts Options) *resty.Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	if jar != nil {
		client.SetCookieJar(jar)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	client.SetHeader("User-Agent", opts.UserAgent)
	return client
}

// Hydrate loads a serialized cookie string ("a=1; b=2") into the jar.
// Fragments without '=' are skipped.
func (s *Session) Hydrate(raw string) int {
	cookies := ParseCookies(raw)
	s.jar.SetCookies(s.baseURL, cookies)
	return len(cookies)
}

// ParseCookies splits a "name=value; name2=value2" string
func ParseCookies(raw string) []*http.Cookie {
	var cookies []*http.Cookie
	for _, item := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return cookies
}

// Cookies serializes the jar for persistence
func (s *Session) Cookies() string {
	var parts []string
	for _, c := range s.jar.Cookies(s.baseURL) {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (s *Session) get(ctx context.Context, path string, query url.Values, headers map[string]string) (*resty.Response, error) {
	req := s.http.R().SetContext(ctx).SetHeaders(headers)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}

	res, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if res.IsError() {
		return res, fmt.Errorf("GET %s: unexpected status %s", path, res.Status())
	}
	s.logger.WithFields(logrus.Fields{
		"path":   path,
		"status": res.StatusCode(),
	}).Debug("Request completed")
	return res, nil
}

func (s *Session) loginReferer() map[string]string {
	return map[string]string{"Referer": s.baseURL.String() + "/member.php?mod=logging&action=login"}
}

// CheckSession fetches a page that requires a login
func (s *Session) CheckSession(ctx context.Context) (string, error) {
	res, err := s.get(ctx, "/home.php", url.Values{"mod": {"space"}}, nil)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// LoginPage fetches the ajax login form holding the form tokens
func (s *Session) LoginPage(ctx context.Context) (string, error) {
	query := url.Values{
		"mod":         {"logging"},
		"action":      {"login"},
		"infloat":     {"yes"},
		"frommessage": {""},
		"inajax":      {"1"},
		"ajaxtarget":  {"messagelogin"},
	}
	res, err := s.get(ctx, "/member.php", query, nil)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// CaptchaImage downloads the challenge image for seccodeHash
func (s *Session) CaptchaImage(ctx context.Context, seccodeHash string) ([]byte, error) {
	query := url.Values{
		"mod":    {"seccode"},
		"update": {strconv.Itoa(10000 + rand.Intn(90000))},
		"idhash": {seccodeHash},
	}
	res, err := s.get(ctx, "/misc.php", query, s.loginReferer())
	if err != nil {
		return nil, err
	}
	if len(res.Body()) == 0 {
		return nil, fmt.Errorf("empty captcha image")
	}
	return res.Body(), nil
}

// VerifyCaptcha asks the site whether text solves the current challenge
func (s *Session) VerifyCaptcha(ctx context.Context, seccodeHash, text string) (string, error) {
	query := url.Values{
		"mod":       {"seccode"},
		"action":    {"check"},
		"inajax":    {"1"},
		"modid":     {"member::logging"},
		"idhash":    {seccodeHash},
		"secverify": {text},
	}
	res, err := s.get(ctx, "/misc.php", query, s.loginReferer())
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// LoginForm is everything submitted with the credentials
type LoginForm struct {
	Email       string
	Password    string
	FormHash    string
	SeccodeHash string
	LoginHash   string
	Captcha     string
}

// SubmitLogin posts the credentials. The returned body carries the CDATA
// verdict.
func (s *Session) SubmitLogin(ctx context.Context, form LoginForm) (string, error) {
	creditPage := s.baseURL.String() + "/home.php?mod=spacecp&ac=credit&showcredit=1"
	body := url.Values{
		"formhash":      {form.FormHash},
		"referer":       {creditPage},
		"loginfield":    {"email"},
		"username":      {form.Email},
		"password":      {form.Password},
		"questionid":    {"0"},
		"answer":        {""},
		"seccodehash":   {form.SeccodeHash},
		"seccodemodid":  {"member::logging"},
		"seccodeverify": {form.Captcha},
		"cookietime":    {"2592000"},
	}

	res, err := s.http.R().
		SetContext(ctx).
		SetHeader("Referer", creditPage).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetQueryParams(map[string]string{
			"mod":         "logging",
			"action":      "login",
			"loginsubmit": "yes",
			"loginhash":   form.LoginHash,
			"inajax":      "1",
		}).
		SetBody(body.Encode()).
		Post("/member.php")
	if err != nil {
		return "", fmt.Errorf("POST /member.php: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("POST /member.php: unexpected status %s", res.Status())
	}
	return res.String(), nil
}

// SignPage fetches the check-in plugin page holding the sign hash
func (s *Session) SignPage(ctx context.Context) (string, error) {
	res, err := s.get(ctx, "/plugin.php", url.Values{"id": {"k_misign:sign"}}, nil)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// SignIn submits today's check-in
func (s *Session) SignIn(ctx context.Context, signHash string) (string, error) {
	query := url.Values{
		"id":         {"k_misign:sign"},
		"operation":  {"qiandao"},
		"format":     {"global_usernav_extra"},
		"formhash":   {signHash},
		"inajax":     {"1"},
		"ajaxtarget": {"k_misign_topb"},
	}
	res, err := s.get(ctx, "/plugin.php", query, nil)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// CreditPage fetches the balance page
func (s *Session) CreditPage(ctx context.Context) (string, error) {
	query := url.Values{"mod": {"spacecp"}, "ac": {"credit"}, "showcredit": {"1"}}
	res, err := s.get(ctx, "/home.php", query, nil)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Promote visits the referral link for uid without any session cookies
func (s *Session) Promote(ctx context.Context, uid string) error {
	client := newClient(s.baseURL.String(), nil, s.opts)
	res, err := client.R().
		SetContext(ctx).
		SetHeader("Referer", s.baseURL.String()+"/fromuid="+uid).
		SetQueryParam("fromuid", uid).
		Get("/")
	if err != nil {
		return fmt.Errorf("GET /?fromuid: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("GET /?fromuid: unexpected status %s", res.Status())
	}
	return nil
}
