package pin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"doc-prescrip/internal/cookies"
	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/origin"
)

const maxJSONBodyBytes = 4 << 10

type Tokens interface {
	IssuePinToken() (string, error)
	ValidatePinToken(raw string) bool
	PinTTL() time.Duration
}

type Handler struct {
	gate   *Gate
	tokens Tokens
	jar    cookies.Jar
	logger *observability.Logger
}

func NewHandler(gate *Gate, tokens Tokens, jar cookies.Jar, logger *observability.Logger) *Handler {
	return &Handler{gate: gate, tokens: tokens, jar: jar, logger: logger}
}

type verifyRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body verifyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		// An undecodable body is still a submitted PIN; run it through the gate
		// as malformed so it counts.
		body.PIN = ""
	}

	result := h.gate.Verify(r.Context(), origin.Of(r), body.PIN)

	switch result.Outcome {
	case Authorized:
		signed, err := h.tokens.IssuePinToken()
		if err != nil {
			sentry.CaptureException(err)
			h.logger.Error("pin_token_issue_failed", map[string]any{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "failed to verify pin")
			return
		}
		h.jar.Set(w, cookies.PinAuthorized, signed, h.tokens.PinTTL())
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case RateLimited:
		setRetryAfter(w, result.RetryAfter)
		writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
	case Locked:
		setRetryAfter(w, result.RetryAfter)
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":      fmt.Sprintf("too many failed attempts, try again in %s", humanDuration(result.RetryAfter)),
			"retryAfter": retrySeconds(result.RetryAfter),
		})
	case InvalidFormat:
		writeJSON(w, http.StatusBadRequest, attemptBody("pin must be 4 to 10 digits", result.Remaining))
	case Rejected:
		writeJSON(w, http.StatusUnauthorized, attemptBody("invalid pin", result.Remaining))
	default:
		h.logger.Error("site_pin_not_configured", nil)
		writeError(w, http.StatusInternalServerError, "pin verification unavailable")
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	authorized := !h.gate.Enabled() || h.tokens.ValidatePinToken(cookies.Value(r, cookies.PinAuthorized))
	writeJSON(w, http.StatusOK, map[string]any{"authorized": authorized, "required": h.gate.Enabled()})
}

// Require lets a request through only with a valid pin-authorized cookie.
// Pages redirect to the PIN prompt; everything else gets 403.
func (h *Handler) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.gate.Enabled() || h.tokens.ValidatePinToken(cookies.Value(r, cookies.PinAuthorized)) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet {
			http.Redirect(w, r, "/pin", http.StatusFound)
			return
		}
		writeError(w, http.StatusForbidden, "pin authorization required")
	})
}

// attemptBody leaves remainingAttempts out when the count is unknown, which
// is the case while the limiter store is unreachable.
func attemptBody(message string, remaining int) map[string]any {
	body := map[string]any{"error": message}
	if remaining >= 0 {
		body["remainingAttempts"] = remaining
	}
	return body
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d)))
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func humanDuration(d time.Duration) string {
	minutes := int((d + time.Minute - 1) / time.Minute)
	switch {
	case minutes <= 1:
		return "1 minute"
	case minutes < 120:
		return strconv.Itoa(minutes) + " minutes"
	default:
		return strconv.Itoa((minutes+59)/60) + " hours"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
