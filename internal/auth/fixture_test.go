package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/federated"
	"doc-prescrip/internal/mail"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/ratelimit"
	"doc-prescrip/internal/secevent"
	"doc-prescrip/internal/token"
)

const (
	testOrigin   = "203.0.113.10"
	testEmail    = "doc@example.com"
	testPassword = "Str0ng!Pass"
)

type outbox struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (o *outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) last() mail.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		return mail.Message{}
	}
	return o.sent[len(o.sent)-1]
}

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
	mr       *miniredis.Miniredis
	limitMR  *miniredis.Miniredis
	accounts *account.Memory
	issuer   *token.Issuer
	sessions *federated.SessionStore
	otp      *OTPStore
	mailer   *outbox
	events   *recordedEvents
	service  *Service
	handler  *Handler
	hashes   int
}

type fixtureOption func(*Config)

func withAccessKey(key string) fixtureOption {
	return func(c *Config) { c.RegistrationAccessKey = key }
}

func withEmailOTP() fixtureOption {
	return func(c *Config) { c.RequireEmailOTP = true }
}

// newFixture keeps the limiter on its own miniredis so tests can take the
// limiter store down without breaking token markers.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	account.PasswordCost = 4
	t.Cleanup(func() { account.PasswordCost = 12 })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limitMR := miniredis.RunT(t)
	limitRDB := redis.NewClient(&redis.Options{Addr: limitMR.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = limitRDB.Close() })

	issuer, err := token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "doc-prescrip", Audience: "doc-prescrip-app"}, rdb)
	require.NoError(t, err)

	hash, err := account.HashPassword(testPassword)
	require.NoError(t, err)

	f := &fixture{
		mr:      mr,
		limitMR: limitMR,
		accounts: account.NewMemory(account.Doctor{
			ID: "doc-1", Email: testEmail, Phone: "9876543210", Name: "Dr. Rao",
			PasswordHash: hash, IsActive: true, ProfileComplete: true,
		}),
		issuer:   issuer,
		sessions: federated.NewSessionStore(rdb, 0),
		otp:      NewOTPStore(rdb),
		mailer:   &outbox{},
		events:   &recordedEvents{},
	}

	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.service = NewService(Deps{
		Accounts: f.accounts,
		Tokens:   issuer,
		Limiter:  ratelimit.New(limitRDB, f.events),
		OTP:      f.otp,
		Sessions: f.sessions,
		Mailer:   f.mailer,
		Events:   f.events,
		Logger:   observability.NopLogger(),
	}, cfg)
	f.service.hashPassword = func(plain string) (string, error) {
		f.hashes++
		return account.HashPassword(plain)
	}
	f.handler = NewHandler(f.service, cookies.Jar{}, observability.NopLogger())
	return f
}

func (f *fixture) post(handler http.HandlerFunc, path, body string, reqCookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", testOrigin)
	for _, c := range reqCookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
