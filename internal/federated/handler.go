package federated

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/origin"
	"doc-prescrip/internal/secevent"
)

const stateTTL = 10 * time.Minute

var (
	errInactive   = errors.New("account is inactive")
	errUnverified = errors.New("google email is not verified")
)

type Provider interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

type Handler struct {
	provider Provider
	sessions *SessionStore
	accounts account.Store
	events   secevent.Sink
	logger   *observability.Logger
	jar      cookies.Jar
}

func NewHandler(provider Provider, sessions *SessionStore, accounts account.Store, events secevent.Sink, logger *observability.Logger, jar cookies.Jar) *Handler {
	return &Handler{
		provider: provider,
		sessions: sessions,
		accounts: accounts,
		events:   events,
		logger:   logger,
		jar:      jar,
	}
}

// Start sends the browser to Google with a fresh state bound to a cookie.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	state, err := randomToken(24)
	if err != nil {
		sentry.CaptureException(err)
		http.Redirect(w, r, "/login?error=oauth_unavailable", http.StatusFound)
		return
	}

	h.jar.Set(w, cookies.OAuthState, state, stateTTL)
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	expected := cookies.Value(r, cookies.OAuthState)
	h.jar.Clear(w, cookies.OAuthState)

	query := r.URL.Query()
	state := query.Get("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		h.logger.Warn("oauth_state_mismatch", map[string]any{"origin": origin.Of(r)})
		http.Redirect(w, r, "/login?error=oauth_state", http.StatusFound)
		return
	}
	if query.Get("error") != "" || query.Get("code") == "" {
		http.Redirect(w, r, "/login?error=oauth_denied", http.StatusFound)
		return
	}

	ctx := r.Context()
	accessToken, err := h.provider.ExchangeCode(ctx, query.Get("code"))
	if err != nil {
		h.fail(w, r, "oauth_exchange_failed", err)
		return
	}
	info, err := h.provider.GetUserInfo(ctx, accessToken)
	if err != nil {
		h.fail(w, r, "oauth_userinfo_failed", err)
		return
	}

	doctor, created, err := h.resolveAccount(ctx, info)
	if err != nil {
		switch {
		case errors.Is(err, errInactive):
			http.Redirect(w, r, "/login?error=account_inactive", http.StatusFound)
		case errors.Is(err, errUnverified):
			http.Redirect(w, r, "/login?error=email_unverified", http.StatusFound)
		default:
			h.fail(w, r, "oauth_account_failed", err)
		}
		return
	}

	sid, err := h.sessions.Create(ctx, Session{
		DoctorID: doctor.ID,
		Email:    doctor.Email,
		Name:     doctor.Name,
		Role:     doctor.AccessType,
	})
	if err != nil {
		h.fail(w, r, "oauth_session_failed", err)
		return
	}

	now := time.Now().UTC()
	if err := h.accounts.UpdateFields(ctx, doctor.ID, account.Update{LastLoginAt: &now}); err != nil {
		h.logger.Warn("last_login_update_failed", map[string]any{"doctor_id": doctor.ID, "error": err.Error()})
	}

	h.events.Record(ctx, secevent.Event{
		Origin:  origin.Of(r),
		Type:    secevent.LoginSuccess,
		Details: map[string]any{"method": "google", "doctor_id": doctor.ID, "created": created},
	})

	h.jar.Set(w, cookies.FedSession, sid, h.sessions.TTL())

	target := "/"
	if !doctor.ProfileComplete {
		target = "/complete-profile"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// resolveAccount finds the doctor for a Google identity: by subject first,
// then by verified email (linking the subject), else a new federated account.
func (h *Handler) resolveAccount(ctx context.Context, info *UserInfo) (*account.Doctor, bool, error) {
	doctor, err := h.accounts.FindByGoogleID(ctx, info.Subject)
	if err == nil {
		if !doctor.IsActive {
			return nil, false, errInactive
		}
		return doctor, false, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, false, err
	}

	if !info.EmailVerified {
		return nil, false, errUnverified
	}

	doctor, err = h.accounts.FindByEmail(ctx, info.Email)
	switch {
	case err == nil:
		if !doctor.IsActive {
			return nil, false, errInactive
		}
		linked := true
		if err := h.accounts.UpdateFields(ctx, doctor.ID, account.Update{GoogleID: &info.Subject, IsGoogleUser: &linked}); err != nil {
			return nil, false, fmt.Errorf("link google account: %w", err)
		}
		doctor.GoogleID = info.Subject
		doctor.IsGoogleUser = true
		return doctor, false, nil
	case errors.Is(err, account.ErrNotFound):
		doctor, err = h.accounts.Create(ctx, account.NewDoctor{
			Email:    info.Email,
			Name:     info.Name,
			GoogleID: info.Subject,
		})
		if err != nil {
			return nil, false, fmt.Errorf("create federated account: %w", err)
		}
		return doctor, true, nil
	default:
		return nil, false, err
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.logger.Error(event, map[string]any{"error": err.Error()})
	sentry.CaptureException(err)
	http.Redirect(w, r, "/login?error=oauth_failed", http.StatusFound)
}
