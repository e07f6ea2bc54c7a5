package pin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/secevent"
	"doc-prescrip/internal/token"
)

const testOrigin = "198.51.100.7"

type recordedEvents struct {
	mu     sync.Mutex
	events []secevent.Event
}

func (r *recordedEvents) Record(_ context.Context, e secevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) count(t secevent.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	handler *Handler
	gate    *Gate
	mr      *miniredis.Miniredis
	events  *recordedEvents
}

func newFixture(t *testing.T, sitePIN string, burst int) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	events := &recordedEvents{}
	issuer, err := token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "doc-prescrip", Audience: "doc-prescrip-app"}, rdb)
	require.NoError(t, err)

	gate := NewGate(
		sitePIN,
		ratelimit.NewSlidingWindow(rdb, events, "pin:burst", burst, time.Minute),
		ratelimit.New(rdb, events),
		ratelimit.PINPolicy(),
		events,
	)
	return fixture{
		handler: NewHandler(gate, issuer, cookies.Jar{}, observability.NopLogger()),
		gate:    gate,
		mr:      mr,
		events:  events,
	}
}

func (f fixture) verify(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/verify-pin", strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", testOrigin)
	rec := httptest.NewRecorder()
	f.handler.Verify(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestVerify_Success(t *testing.T) {
	f := newFixture(t, "4821", 10)

	rec := f.verify(`{"pin":"4821"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var pinCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookies.PinAuthorized {
			pinCookie = c
		}
	}
	require.NotNil(t, pinCookie)
	assert.Equal(t, int((24 * time.Hour).Seconds()), pinCookie.MaxAge)
	assert.True(t, pinCookie.HttpOnly)
	assert.Equal(t, 1, f.events.count(secevent.PinSuccess))
}

func TestVerify_WrongPinLocksAfterThreshold(t *testing.T) {
	f := newFixture(t, "4821", 10)

	for want := 4; want >= 0; want-- {
		rec := f.verify(`{"pin":"0000"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.EqualValues(t, want, decode(t, rec)["remainingAttempts"])
	}

	rec := f.verify(`{"pin":"4821"}`)
	require.Equal(t, http.StatusLocked, rec.Code, "locked even with the right pin")
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Contains(t, decode(t, rec)["error"], "15 minutes")

	assert.Equal(t, 5, f.events.count(secevent.PinFailure))
	assert.Equal(t, 1, f.events.count(secevent.Lockout))
	assert.Equal(t, 1, f.events.count(secevent.LockedAttempt))
}

func TestVerify_StoreDownOmitsRemainingAttempts(t *testing.T) {
	f := newFixture(t, "4821", 10)
	f.mr.Close()

	rec := f.verify(`{"pin":"0000"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, decode(t, rec), "remainingAttempts")

	rec = f.verify(`{"pin":"12"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, decode(t, rec), "remainingAttempts")
}

func TestVerify_InvalidFormatCounts(t *testing.T) {
	f := newFixture(t, "4821", 10)

	for _, body := range []string{`{"pin":"12a4"}`, `{"pin":"123"}`, `{"pin":"12345678901"}`, `{"pin":" "}`} {
		rec := f.verify(body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, 4, f.events.count(secevent.PinInvalidFormat))

	rec := f.verify(`not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["remainingAttempts"])

	rec = f.verify(`{"pin":"4821"}`)
	assert.Equal(t, http.StatusLocked, rec.Code, "format probing reaches the lockout")
}

func TestVerify_RateLimitedBeforeLockout(t *testing.T) {
	f := newFixture(t, "4821", 10)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, f.verify(`{"pin":"4821"}`).Code)
	}

	rec := f.verify(`{"pin":"4821"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, f.events.count(secevent.RateLimited))
}

func TestVerify_ProgressiveLockout(t *testing.T) {
	f := newFixture(t, "4821", 1000)

	rounds := []struct {
		retryAfter string
		lock       time.Duration
	}{
		{"900", 15 * time.Minute},
		{"1800", 30 * time.Minute},
		{"3600", time.Hour},
	}
	for round, r := range rounds {
		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusUnauthorized, f.verify(`{"pin":"9999"}`).Code, "round %d attempt %d", round, i)
		}
		rec := f.verify(`{"pin":"9999"}`)
		require.Equal(t, http.StatusLocked, rec.Code)
		assert.Equal(t, r.retryAfter, rec.Header().Get("Retry-After"), "round %d", round)

		f.mr.FastForward(r.lock + time.Minute)
	}
}

func TestVerify_NotConfigured(t *testing.T) {
	f := newFixture(t, "  ", 10)

	rec := f.verify(`{"pin":"4821"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusAndRequire(t *testing.T) {
	f := newFixture(t, "4821", 10)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := f.handler.Require(ok)

	rec := httptest.NewRecorder()
	f.handler.Status(rec, httptest.NewRequest(http.MethodGet, "/api/pin-status", nil))
	assert.Equal(t, false, decode(t, rec)["authorized"])

	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/pin", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/register", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	verified := f.verify(`{"pin":"4821"}`)
	req := httptest.NewRequest(http.MethodGet, "/register", nil)
	for _, c := range verified.Result().Cookies() {
		req.AddCookie(c)
	}

	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.Status(rec, req)
	assert.Equal(t, true, decode(t, rec)["authorized"])
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "locked", Locked.String())
	assert.Equal(t, "not_configured", NotConfigured.String())
}
