package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type logCall struct {
	level string
	msg   string
	args  []any
}

type fakeLogger struct {
	calls []logCall
}

func (l *fakeLogger) Info(msg string, args ...any) {
	l.calls = append(l.calls, logCall{"info", msg, args})
}

func (l *fakeLogger) Warn(msg string, args ...any) {
	l.calls = append(l.calls, logCall{"warn", msg, args})
}

func TestLoggerMiddleware(t *testing.T) {
	t.Run("access log fields", func(t *testing.T) {
		l := &fakeLogger{}
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, err := w.Write([]byte("hi"))
			require.NoError(t, err, "should write response")
		})

		srv := httptest.NewServer(Logger(l)(h))
		defer srv.Close()

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/test", nil)
		require.NoError(t, err)
		req.Header.Set("X-Real-IP", "203.0.113.9")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, "should make request to test server")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err, "should read response body")
		defer resp.Body.Close() // nolint:errcheck

		require.Equalf(t, http.StatusTeapot, resp.StatusCode, "should return status Teapot. Resp: %s", string(body))
		require.Equal(t, "hi", string(body), "should return 'hi' in response")

		require.Len(t, l.calls, 1, "logger should be called once")
		call := l.calls[0]
		require.Equal(t, "info", call.level)
		require.Equal(t, "got HTTP request", call.msg)
		require.Len(t, call.args, 12, "logger should log 12 fields")
		require.Equal(t, "method", call.args[0])
		require.Equal(t, "GET", call.args[1])
		require.Equal(t, "uri", call.args[2])
		require.Equal(t, "/test", call.args[3])
		require.Equal(t, "ip", call.args[4])
		require.Equal(t, "203.0.113.9", call.args[5])
		require.Equal(t, "duration", call.args[6])
		require.NotEmpty(t, call.args[7], "duration should not be empty")
		require.Equal(t, "status", call.args[8])
		require.Equal(t, http.StatusTeapot, call.args[9])
		require.Equal(t, "size", call.args[10])
		require.Equal(t, 2, call.args[11], "size should be 2 (length of 'hi')")
	})

	t.Run("server errors at warn", func(t *testing.T) {
		l := &fakeLogger{}
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		})

		w := httptest.NewRecorder()
		Logger(l)(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Len(t, l.calls, 1)
		require.Equal(t, "warn", l.calls[0].level)
		require.Equal(t, http.StatusBadGateway, l.calls[0].args[9])
	})
}
