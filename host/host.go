// Package host discovers the forum's current domain from its landing page.
package host

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Resolver looks up the live domain once per run
type Resolver struct {
	discoveryURL string
	defaultHost  string
	http         *resty.Client
	logger       *logrus.Logger
}

// NewResolver creates a resolver that falls back to defaultHost
func NewResolver(discoveryURL, defaultHost, userAgent string, timeout time.Duration, logger *logrus.Logger) *Resolver {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	if userAgent != "" {
		client.SetHeader("User-Agent", userAgent)
	}
	return &Resolver{
		discoveryURL: discoveryURL,
		defaultHost:  defaultHost,
		http:         client,
		logger:       logger,
	}
}

// Resolve never fails: any error or a page without a usable link yields the
// default host. No retries are made.
func (r *Resolver) Resolve(ctx context.Context) string {
	host, err := r.lookup(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("default", r.defaultHost).Warn("Host discovery failed, using default")
		return r.defaultHost
	}
	r.logger.WithField("host", host).Info("Discovered site host")
	return host
}

func (r *Resolver) lookup(ctx context.Context) (string, error) {
	if r.discoveryURL == "" {
		return "", fmt.Errorf("no discovery url")
	}

	res, err := r.http.R().SetContext(ctx).Get(r.discoveryURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery page: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("discovery page returned %s", res.Status())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return "", fmt.Errorf("failed to parse discovery page: %w", err)
	}

	href, ok := doc.Find("[href^='https://']").First().Attr("href")
	if !ok {
		return "", fmt.Errorf("no https link on discovery page")
	}
	return ParseHost(href)
}

// ParseHost returns the host[:port] part of an absolute link
func ParseHost(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", link, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("link %q has no host", link)
	}
	return u.Host, nil
}
