package captcha

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxsy-checkin/logger"
)

func TestSolve(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0x00}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())

		got, err := base64.StdEncoding.DecodeString(r.PostForm.Get("image"))
		assert.NoError(t, err)
		assert.Equal(t, image, got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code": 200, "data": "ab12"}`)
	}))
	defer srv.Close()

	text, err := NewOCRClient(srv.URL, time.Second, logger.Discard()).Solve(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, "ab12", text)
}

func TestSolveTextHTMLReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `{"code": 200, "data": "x9y8"}`)
	}))
	defer srv.Close()

	text, err := NewOCRClient(srv.URL, time.Second, logger.Discard()).Solve(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "x9y8", text)
}

func TestSolveFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"service error code", http.StatusOK, `{"code": 500, "message": "model not loaded"}`, "model not loaded"},
		{"http error", http.StatusInternalServerError, `oops`, "500"},
		{"bad json", http.StatusOK, `<html>`, "invalid character"},
		{"plain text reply", http.StatusOK, `{"code": 404, "message": "no image"}`, "no image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewOCRClient(srv.URL, time.Second, logger.Discard()).Solve(context.Background(), []byte("img"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSolveNotConfigured(t *testing.T) {
	_, err := NewOCRClient("  ", 0, logger.Discard()).Solve(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSolveEmptyImage(t *testing.T) {
	_, err := NewOCRClient("http://127.0.0.1:1", 0, logger.Discard()).Solve(context.Background(), nil)
	require.Error(t, err)
}

func TestEncodeImage(t *testing.T) {
	assert.Equal(t, "aGk=", EncodeImage([]byte("hi")))
}
