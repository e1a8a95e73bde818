// Package captcha turns a login challenge image into text using a ddddocr
// HTTP service.
package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// ErrNotConfigured is returned by every Solve when no OCR endpoint is set
var ErrNotConfigured = errors.New("ocr service url not configured")

// Solver recognizes the text in a captcha image
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// OCRClient calls a ddddocr service that accepts a base64 "image" form field
// and answers {"code": 200, "data": "..."}
type OCRClient struct {
	url    string
	http   *resty.Client
	logger *logrus.Logger
}

type ocrResponse struct {
	Code    int    `json:"code"`
	Data    string `json:"data"`
	Message string `json:"message"`
}

// NewOCRClient creates a client for the service at url. An empty url is
// allowed; solving then fails with ErrNotConfigured.
func NewOCRClient(url string, timeout time.Duration, logger *logrus.Logger) *OCRClient {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &OCRClient{
		url:    strings.TrimSpace(url),
		http:   client,
		logger: logger,
	}
}

// EncodeImage is the wire encoding of the image field
func EncodeImage(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

// Solve posts the image to the OCR service and returns the recognized text
func (c *OCRClient) Solve(ctx context.Context, image []byte) (string, error) {
	if c.url == "" {
		return "", ErrNotConfigured
	}
	if len(image) == 0 {
		return "", fmt.Errorf("empty captcha image")
	}

	// Some deployments answer JSON as text/html
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"image": EncodeImage(image)}).
		SetResult(&ocrResponse{}).
		ForceContentType("application/json").
		Post(c.url)
	if err != nil {
		return "", fmt.Errorf("failed to call ocr service: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("ocr service returned %s", res.Status())
	}

	parsed, ok := res.Result().(*ocrResponse)
	if !ok {
		return "", fmt.Errorf("unexpected ocr response type %T", res.Result())
	}
	if parsed.Code != 200 {
		return "", fmt.Errorf("ocr failed (code %d): %s", parsed.Code, parsed.Message)
	}

	c.logger.WithField("text", parsed.Data).Debug("Captcha recognized")
	return parsed.Data, nil
}
