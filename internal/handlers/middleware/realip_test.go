package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

func TestRealIP(t *testing.T) {
	proxies, err := fingerprint.ParseProxies([]string{"10.0.0.1"})
	require.NoError(t, err)

	var got string
	h := RealIP(proxies)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = fingerprint.ClientIP(r)
	}))

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"trusted proxy", "10.0.0.1:443", "198.51.100.1", "198.51.100.1"},
		{"untrusted peer", "203.0.113.9:5000", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy without header", "10.0.0.1:443", "", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}

			h.ServeHTTP(httptest.NewRecorder(), r)
			require.Equal(t, tt.want, got)
		})
	}
}
