package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewLoggerFrom(zap.New(core)), logs
}

func TestRequestLoggingRecordsStatusAndOrigin(t *testing.T) {
	logger, logs := observed()
	handler := RequestLoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/login", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "198.51.100.7", fields["origin"])
}

func TestRecoverMiddlewareAnswersGeneric500(t *testing.T) {
	logger, logs := observed()
	handler := RecoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestScrubEventDropsCredentials(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Cookies: "access-token=abc",
		Data:    `{"pin":"1234"}`,
		Headers: map[string]string{
			"authorization": "Bearer secret",
			"Cookie":        "refresh-token=def",
			"X-Doctor-Id":   "doc-1",
			"User-Agent":    "curl",
		},
	}}

	scrubbed := scrubEvent(event)

	assert.Empty(t, scrubbed.Request.Cookies)
	assert.Empty(t, scrubbed.Request.Data)
	assert.Equal(t, map[string]string{"User-Agent": "curl"}, scrubbed.Request.Headers)
	assert.Nil(t, scrubEvent(nil))
}
