package host

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxsy-checkin/logger"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "first https link wins",
			status: http.StatusOK,
			body: `<html><body>
				<a href="/local">local</a>
				<a href="http://plain.example">plain</a>
				<a href="https://sxsy22.com/forum.php">enter</a>
				<a href="https://other.example/">other</a>
			</body></html>`,
			want: "sxsy22.com",
		},
		{
			name:   "link element counts too",
			status: http.StatusOK,
			body:   `<html><head><link rel="canonical" href="https://mirror.example:8443/"></head></html>`,
			want:   "mirror.example:8443",
		},
		{
			name:   "no https link",
			status: http.StatusOK,
			body:   `<html><a href="http://plain.example">x</a></html>`,
			want:   "sxsy21.com",
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			body:   `<a href="https://ignored.example">x</a>`,
			want:   "sxsy21.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			r := NewResolver(srv.URL, "sxsy21.com", "ua", time.Second, logger.Discard())
			assert.Equal(t, tt.want, r.Resolve(context.Background()))
		})
	}
}

func TestResolveDoesNotRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "sxsy21.com", "", time.Second, logger.Discard())
	assert.Equal(t, "sxsy21.com", r.Resolve(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestResolveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewResolver(url, "sxsy21.com", "", time.Second, logger.Discard())
	assert.Equal(t, "sxsy21.com", r.Resolve(context.Background()))
}

func TestParseHost(t *testing.T) {
	h, err := ParseHost("https://sxsy22.com/forum.php?x=1")
	require.NoError(t, err)
	assert.Equal(t, "sxsy22.com", h)

	_, err = ParseHost("https://")
	assert.Error(t, err)
}
