package session

import (
	"net/http"
	"strings"
)

// IdentityHeader carries the resolved identity id to downstream handlers. Any
// client-supplied value is stripped first.
const IdentityHeader = "X-Doctor-Id"

type Routes struct {
	LoginPath    string
	HomePath     string
	PublicPaths  []string
	PublicPrefix []string
	AuthAPI      []string
}

func DefaultRoutes() Routes {
	return Routes{
		LoginPath: "/login",
		HomePath:  "/",
		PublicPaths: []string{
			"/terms", "/privacy", "/health", "/favicon.ico", "/robots.txt",
			"/register", "/forgot-password", "/pin", "/complete-profile",
		},
		PublicPrefix: []string{"/static/", "/assets/", "/_next/", "/images/", "/internal/"},
		AuthAPI: []string{
			"/api/login", "/api/register", "/api/logout", "/api/refresh", "/api/forgot-password",
			"/api/send-otp", "/api/verify-otp", "/api/verify-pin", "/api/pin-status", "/api/auth/",
		},
	}
}

type Middleware struct {
	resolver *Resolver
	routes   Routes
}

func NewMiddleware(resolver *Resolver, routes Routes) *Middleware {
	return &Middleware{resolver: resolver, routes: routes}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(IdentityHeader)
		path := r.URL.Path

		if m.isPublic(path) {
			next.ServeHTTP(w, r)
			return
		}

		id, authenticated := m.resolver.Resolve(r)

		switch {
		case path == m.routes.LoginPath:
			if authenticated {
				http.Redirect(w, r, m.routes.HomePath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		case m.isAuthAPI(path):
			next.ServeHTTP(w, r)
		case !authenticated:
			http.Redirect(w, r, m.routes.LoginPath, http.StatusFound)
		default:
			r.Header.Set(IdentityHeader, id.ID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		}
	})
}

func (m *Middleware) isPublic(path string) bool {
	for _, p := range m.routes.PublicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range m.routes.PublicPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *Middleware) isAuthAPI(path string) bool {
	for _, p := range m.routes.AuthAPI {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}
