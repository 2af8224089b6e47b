package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/ghaggin/fieldtrack/internal/model"
)

const (
	flashKey = "flash"
	nameKey  = "last_name"
)

// SessionManager keeps per-browser state (flash messages, the last user
// name typed) in a cookie session. It is unrelated to the process-wide
// login session.
type SessionManager struct {
	impl *scs.SessionManager
}

func NewSessionManager() (*SessionManager, error) {
	sm := &SessionManager{}
	sm.impl = scs.New()
	sm.impl.Lifetime = 24 * time.Hour
	sm.impl.Cookie.Name = "fieldtrack"
	sm.impl.Cookie.SameSite = http.SameSiteStrictMode

	return sm, nil
}

func (s *SessionManager) Wrap(next http.Handler) http.Handler {
	return s.impl.LoadAndSave(next)
}

func (s *SessionManager) Flash(ctx context.Context, msg string) {
	s.impl.Put(ctx, flashKey, msg)
}

func (s *SessionManager) PopFlash(ctx context.Context) string {
	return s.impl.PopString(ctx, flashKey)
}

func (s *SessionManager) RememberName(ctx context.Context, name string) {
	s.impl.Put(ctx, nameKey, name)
}

func (s *SessionManager) LastName(ctx context.Context) string {
	return s.impl.GetString(ctx, nameKey)
}

type SessionReader interface {
	Current() (model.Session, bool)
}

// RequireSession redirects to the login page while nobody is logged in.
func RequireSession(sessions SessionReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := sessions.Current(); !ok {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests unless the active session belongs to an
// administrator.
func RequireAdmin(sessions SessionReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := sessions.Current()
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !s.IsAdmin {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
