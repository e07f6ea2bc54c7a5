package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// Request headers that carry credentials or PINs and must never leave the
// process inside an error report.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Doctor-Id"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
}

// scrubEvent drops cookies, request bodies and credential headers. Bodies on
// this service hold passwords, PINs and OTP codes.
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Cookies = ""
	event.Request.Data = ""
	for name := range event.Request.Headers {
		for _, scrubbed := range scrubbedHeaders {
			if http.CanonicalHeaderKey(name) == scrubbed {
				delete(event.Request.Headers, name)
			}
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
