package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"doc-prescrip/internal/account"
	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/origin"
	"doc-prescrip/internal/session"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	jar     cookies.Jar
	logger  *observability.Logger
}

func NewHandler(service *Service, jar cookies.Jar, logger *observability.Logger) *Handler {
	return &Handler{service: service, jar: jar, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), origin.Of(r), body.Email, body.Password)
	if err != nil {
		h.writeFlowError(w, err, "failed to login")
		return
	}

	h.setTokenCookies(w, result.Tokens)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": profileOf(result.Doctor)})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Register(r.Context(), origin.Of(r), body)
	if err != nil {
		h.writeFlowError(w, err, "failed to register")
		return
	}

	h.setTokenCookies(w, result.Tokens)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": profileOf(result.Doctor)})
}

// Logout never fails: cookies are cleared whatever happens server-side.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context(), cookies.Value(r, cookies.RefreshToken), cookies.Value(r, cookies.FedSession))
	h.jar.Clear(w, cookies.AccessToken, cookies.RefreshToken, cookies.FedSession, cookies.PinAuthorized)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Refresh(r.Context(), cookies.Value(r, cookies.RefreshToken))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.jar.Clear(w, cookies.AccessToken, cookies.RefreshToken)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		h.internalError(w, err, "failed to refresh token")
		return
	}

	h.setTokenCookies(w, result.Tokens)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), origin.Of(r), body.Email); err != nil {
		h.writeFlowError(w, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "if an account exists for this email, a new password has been sent",
	})
}

func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.SendOTP(r.Context(), body.Email); err != nil {
		if errors.Is(err, ErrOTPCooldown) {
			w.Header().Set("Retry-After", strconv.Itoa(int(DefaultOTPCooldown.Seconds())))
			writeError(w, http.StatusTooManyRequests, "please wait before requesting another code")
			return
		}
		h.writeFlowError(w, err, "failed to send verification code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyOTP(r.Context(), origin.Of(r), body.Email, body.OTP); err != nil {
		h.writeFlowError(w, err, "failed to verify code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "verified": true})
}

// Me serves the profile of the identity the session middleware attached.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	doctorID := strings.TrimSpace(r.Header.Get(session.IdentityHeader))
	if doctorID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	doctor, err := h.service.Profile(r.Context(), doctorID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.internalError(w, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": profileOf(doctor)})
}

// writeFlowError maps the flow error taxonomy onto status codes. Anything
// unrecognised is a 500 with a generic message.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error, fallback string) {
	var locked ErrLocked
	if errors.As(err, &locked) {
		retryAfter := int((locked.RetryAfter + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      fmt.Sprintf("too many attempts, try again in %d minutes", (retryAfter+59)/60),
			"retryAfter": retryAfter,
		})
		return
	}

	status, message := http.StatusInternalServerError, fallback
	var validation ValidationError
	switch {
	case errors.As(err, &validation):
		status, message = http.StatusBadRequest, validation.Message
	case errors.Is(err, ErrInvalidCredentials):
		status, message = http.StatusUnauthorized, "invalid email or password"
	case errors.Is(err, ErrInvalidOTP):
		status, message = http.StatusUnauthorized, "invalid or expired verification code"
	case errors.Is(err, account.ErrDuplicateEmail):
		status, message = http.StatusConflict, "email already registered"
	case errors.Is(err, account.ErrDuplicatePhone):
		status, message = http.StatusConflict, "phone already registered"
	case errors.Is(err, ErrInvalidAccessKey):
		status, message = http.StatusForbidden, "invalid access key"
	case errors.Is(err, ErrEmailNotVerified):
		status, message = http.StatusForbidden, "email must be verified first"
	case errors.Is(err, ErrInactiveAccount):
		status, message = http.StatusForbidden, "account is inactive"
	}

	if status == http.StatusInternalServerError {
		h.internalError(w, err, fallback)
		return
	}

	body := map[string]any{"error": message}
	var attempt *AttemptError
	if errors.As(err, &attempt) && attempt.Remaining >= 0 {
		body["remainingAttempts"] = attempt.Remaining
	}
	writeJSON(w, status, body)
}

func (h *Handler) internalError(w http.ResponseWriter, err error, message string) {
	h.logger.Error("auth_internal_error", map[string]any{"error": err.Error()})
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, message)
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, t Tokens) {
	h.jar.Set(w, cookies.AccessToken, t.AccessToken, t.AccessTTL)
	h.jar.Set(w, cookies.RefreshToken, t.RefreshToken, t.RefreshTTL)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
