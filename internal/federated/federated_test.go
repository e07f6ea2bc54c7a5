package federated

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/secevent"
)

type googleUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified_email"`
	Name     string `json:"name"`
}

func newFakeGoogle(t *testing.T, users map[string]googleUser) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		code := r.PostForm.Get("code")
		if _, ok := users[code]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at_" + code, "expires_in": 3600, "token_type": "Bearer"})
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		code := r.Header.Get("Authorization")[len("Bearer at_"):]
		user, ok := users[code]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type nopSink struct{}

func (nopSink) Record(context.Context, secevent.Event) {}

type fixture struct {
	handler  *Handler
	sessions *SessionStore
	accounts *account.Memory
}

func newFixture(t *testing.T, users map[string]googleUser, seed ...account.Doctor) fixture {
	t.Helper()
	google := newFakeGoogle(t, users)
	provider := NewGoogleProvider(GoogleConfig{
		ClientID:        "client",
		ClientSecret:    "secret",
		RedirectURI:     "http://localhost/api/auth/google/callback",
		OAuthBaseURL:    google.URL,
		UserInfoBaseURL: google.URL,
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sessions := NewSessionStore(rdb, 0)
	accounts := account.NewMemory(seed...)
	h := NewHandler(provider, sessions, accounts, nopSink{}, observability.NopLogger(), cookies.Jar{})
	return fixture{handler: h, sessions: sessions, accounts: accounts}
}

func callback(h *Handler, state, cookieState, code string) *httptest.ResponseRecorder {
	q := url.Values{"state": {state}, "code": {code}}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+q.Encode(), nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: cookies.OAuthState, Value: cookieState})
	}
	rec := httptest.NewRecorder()
	h.Callback(rec, req)
	return rec
}

func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestStart_SetsStateAndRedirects(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.Start(rec, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	state := responseCookie(rec, cookies.OAuthState)
	require.NotNil(t, state)
	assert.NotEmpty(t, state.Value)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state.Value, location.Query().Get("state"))
	assert.Equal(t, "client", location.Query().Get("client_id"))
}

func TestCallback_RejectsStateMismatch(t *testing.T) {
	f := newFixture(t, map[string]googleUser{"code-1": {ID: "sub-1", Email: "doc@example.com", Verified: true}})

	rec := callback(f.handler, "forged", "expected", "code-1")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?error=oauth_state", rec.Header().Get("Location"))
	assert.Nil(t, responseCookie(rec, cookies.FedSession))

	rec = callback(f.handler, "expected", "", "code-1")
	assert.Equal(t, "/login?error=oauth_state", rec.Header().Get("Location"))
}

func TestCallback_CreatesFederatedAccount(t *testing.T) {
	f := newFixture(t, map[string]googleUser{"code-1": {ID: "sub-1", Email: "new@example.com", Verified: true, Name: "Dr. New"}})

	rec := callback(f.handler, "st", "st", "code-1")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/complete-profile", rec.Header().Get("Location"))

	fed := responseCookie(rec, cookies.FedSession)
	require.NotNil(t, fed)
	assert.Equal(t, int(DefaultSessionTTL/time.Second), fed.MaxAge)

	session, err := f.sessions.Get(context.Background(), fed.Value)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", session.Email)
	assert.Equal(t, account.DefaultAccessType, session.Role)

	doctor, err := f.accounts.FindByGoogleID(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, session.DoctorID, doctor.ID)
	assert.False(t, doctor.HasPassword())
}

func TestCallback_LinksExistingAccountByEmail(t *testing.T) {
	f := newFixture(t,
		map[string]googleUser{"code-1": {ID: "sub-1", Email: "doc@example.com", Verified: true}},
		account.Doctor{ID: "doc-1", Email: "doc@example.com", PasswordHash: "$2a$hash", IsActive: true, ProfileComplete: true},
	)

	rec := callback(f.handler, "st", "st", "code-1")
	assert.Equal(t, "/", rec.Header().Get("Location"))

	doctor, err := f.accounts.FindByID(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", doctor.GoogleID)
	assert.True(t, doctor.HasPassword(), "linking keeps the password method")
	assert.Equal(t, 1, f.accounts.Len())
}

func TestCallback_RefusesUnverifiedEmailLink(t *testing.T) {
	f := newFixture(t,
		map[string]googleUser{"code-1": {ID: "sub-1", Email: "doc@example.com", Verified: false}},
		account.Doctor{ID: "doc-1", Email: "doc@example.com", IsActive: true},
	)

	rec := callback(f.handler, "st", "st", "code-1")
	assert.Equal(t, "/login?error=email_unverified", rec.Header().Get("Location"))

	doctor, err := f.accounts.FindByID(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, doctor.GoogleID)
}

func TestCallback_RejectsInactiveAccount(t *testing.T) {
	f := newFixture(t,
		map[string]googleUser{"code-1": {ID: "sub-1", Email: "doc@example.com", Verified: true}},
		account.Doctor{ID: "doc-1", Email: "doc@example.com", GoogleID: "sub-1", IsActive: false},
	)

	rec := callback(f.handler, "st", "st", "code-1")
	assert.Equal(t, "/login?error=account_inactive", rec.Header().Get("Location"))
	assert.Nil(t, responseCookie(rec, cookies.FedSession))
}

func TestCallback_ExchangeFailure(t *testing.T) {
	f := newFixture(t, map[string]googleUser{})

	rec := callback(f.handler, "st", "st", "bad-code")
	assert.Equal(t, "/login?error=oauth_failed", rec.Header().Get("Location"))
}

func TestSessionStore_Lifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewSessionStore(rdb, time.Hour)
	ctx := context.Background()

	sid, err := store.Create(ctx, Session{DoctorID: "doc-1", Role: "doctor"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(sessionKey(sid)))

	got, err := store.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DoctorID)

	require.NoError(t, store.Delete(ctx, sid))
	_, err = store.Get(ctx, sid)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Get(ctx, "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
