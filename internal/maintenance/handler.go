// Package maintenance serves the cron-triggered housekeeping endpoints. Every
// route is hidden (404) unless CRON_SECRET is configured and then requires it
// as a bearer token.
package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"doc-prescrip/internal/observability"
	"doc-prescrip/internal/secevent"
)

type StaleAccounts interface {
	DeleteStaleIncomplete(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type EventLog interface {
	Recent(ctx context.Context, day time.Time, limit int) ([]secevent.Event, error)
}

type CleanupHandler struct {
	accounts   StaleAccounts
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

func NewCleanupHandler(
	accounts StaleAccounts,
	logger *observability.Logger,
	cronSecret string,
	retention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		accounts:   accounts,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !guard(w, r, h.cronSecret, http.MethodGet, http.MethodPost) {
		return
	}

	cutoff := h.now().Add(-h.retention)
	deleted, err := h.accounts.DeleteStaleIncomplete(r.Context(), cutoff, h.batchSize)
	if err != nil {
		h.logger.Error("account_cleanup_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("account_cleanup_completed", map[string]any{
		"deleted_incomplete_accounts": deleted,
		"cutoff":                      cutoff.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]any{"deletedIncompleteAccounts": deleted},
	})
}

type EventsHandler struct {
	events     EventLog
	logger     *observability.Logger
	cronSecret string
	now        func() time.Time
}

func NewEventsHandler(events EventLog, logger *observability.Logger, cronSecret string) *EventsHandler {
	return &EventsHandler{
		events:     events,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle lists one day of security events, newest first. ?day=YYYY-MM-DD picks
// an earlier day; ?limit caps the result.
func (h *EventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !guard(w, r, h.cronSecret, http.MethodGet) {
		return
	}

	day := h.now()
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, 1000)
	}

	events, err := h.events.Recent(r.Context(), day, limit)
	if err != nil {
		h.logger.Error("security_events_read_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read security events"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"day":    day.UTC().Format("2006-01-02"),
		"count":  len(events),
		"events": events,
	})
}

func guard(w http.ResponseWriter, r *http.Request, secret string, methods ...string) bool {
	if secret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}

	allowed := false
	for _, method := range methods {
		if r.Method == method {
			allowed = true
			break
		}
	}
	if !allowed {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
