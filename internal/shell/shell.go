// Package shell is the application front end: login and home screens, the
// app lifecycle endpoints that pause and resume session monitoring, and the
// administrator's disconnect action.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ghaggin/fieldtrack/internal/auth"
	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/middleware"
	"github.com/ghaggin/fieldtrack/internal/monitor"
	"github.com/ghaggin/fieldtrack/internal/repository"
	"github.com/ghaggin/fieldtrack/internal/session"
	"github.com/ghaggin/fieldtrack/internal/template"
	"github.com/ghaggin/fieldtrack/internal/uiloop"
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownLogoutTimeout = 5 * time.Second

type Shell struct {
	log      *zap.Logger
	server   *http.Server
	loop     *uiloop.Loop
	auth     *auth.Service
	monitor  *monitor.Monitor
	sessions *session.Context
	view     *View
	cookies  *middleware.SessionManager
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   *config.Config
	Loop     *uiloop.Loop
	Auth     *auth.Service
	Monitor  *monitor.Monitor
	Sessions *session.Context
	View     *View
	Cookies  *middleware.SessionManager
}

func New(p Params) (*Shell, error) {
	s := &Shell{
		log:      p.Log.Named("shell"),
		loop:     p.Loop,
		auth:     p.Auth,
		monitor:  p.Monitor,
		sessions: p.Sessions,
		view:     p.View,
		cookies:  p.Cookies,
	}

	root := chi.NewRouter()
	root.Use(s.cookies.Wrap)

	// Session
	root.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(s.sessions))
		r.Get("/", s.home)
	})

	// Admin
	root.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(s.sessions))
		r.Get("/users", s.listUsers)
		r.Post("/users/{id}/disconnect", s.disconnectUser)
	})

	// No session
	root.Group(func(r chi.Router) {
		r.Get("/login", s.loginPage)
		r.Post("/login", s.login)
		r.Post("/logout", s.logout)
		r.Post("/lifecycle/background", s.background)
		r.Post("/lifecycle/foreground", s.foreground)
		r.Get("/healthz", s.health)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", p.Config.Shell.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Shell) Handler() http.Handler {
	return s.server.Handler
}

func RegisterHooks(lc fx.Lifecycle, s *Shell) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func (s *Shell) Start(_ context.Context) error {
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error running server", zap.Error(err))
		}
	}()
	s.log.Info("listening", zap.String("addr", s.server.Addr))
	return nil
}

// Stop closes the server and ends any session, so the user is not left
// flagged online after the app exits.
func (s *Shell) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	s.monitor.Stop()

	logoutCtx, cancel := context.WithTimeout(context.Background(), shutdownLogoutTimeout)
	defer cancel()

	var logoutErr error
	doErr := s.loop.Do(ctx, func() {
		logoutErr = s.auth.Logout(logoutCtx)
	})
	if doErr == nil && logoutErr != nil && !errors.Is(logoutErr, auth.ErrNoSession) {
		s.log.Warn("logout on shutdown failed", zap.Error(logoutErr))
	}

	return err
}

func (s *Shell) render(w http.ResponseWriter, r *http.Request, tmpl string, td *template.Data) {
	if err := template.Render(w, r, tmpl, td); err != nil {
		s.log.Error("render failed", zap.String("template", tmpl), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (s *Shell) home(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	s.render(w, r, "home.html", &template.Data{
		PageTitle: "home",
		Name:      sess.Name,
		IsAdmin:   sess.IsAdmin,
		Flash:     s.cookies.PopFlash(r.Context()),
	})
}

func (s *Shell) loginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessions.Current(); ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	s.render(w, r, "login.html", &template.Data{
		PageTitle: "login",
		LastName:  s.cookies.LastName(r.Context()),
		Flash:     s.cookies.PopFlash(r.Context()),
		Notice:    s.view.PopNotice(),
	})
}

func (s *Shell) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PostFormValue("name")
	password := r.PostFormValue("password")

	var err error
	doErr := s.loop.Do(ctx, func() {
		_, err = s.auth.Login(ctx, name, password)
		if err != nil {
			return
		}
		s.view.Show(ScreenHome)
		s.monitor.Start()
	})
	if doErr != nil {
		err = doErr
	}

	s.cookies.RememberName(ctx, name)

	switch {
	case err == nil:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case errors.Is(err, session.ErrActive):
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrThrottled):
		s.cookies.Flash(ctx, err.Error())
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	default:
		s.log.Error("login failed", zap.String("name", name), zap.Error(err))
		s.cookies.Flash(ctx, "Sign in is unavailable, try again later")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}

func (s *Shell) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var err error
	doErr := s.loop.Do(ctx, func() {
		s.monitor.Stop()
		err = s.auth.Logout(ctx)
		s.view.Show(ScreenLogin)
	})
	if doErr != nil {
		err = doErr
	}
	if err != nil && !errors.Is(err, auth.ErrNoSession) {
		s.log.Warn("logout incomplete", zap.Error(err))
	}

	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Shell) background(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Do(r.Context(), s.monitor.Stop); err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Shell) foreground(w http.ResponseWriter, r *http.Request) {
	err := s.loop.Do(r.Context(), func() {
		if _, ok := s.sessions.Current(); ok {
			s.monitor.Start()
		}
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsAdmin    bool      `json:"is_admin"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"last_active"`
}

func (s *Shell) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.auth.Users(r.Context())
	if err != nil {
		s.log.Error("list users failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{
			ID:         u.ID,
			Name:       u.Name,
			IsAdmin:    u.IsAdmin,
			Online:     u.Online,
			LastActive: u.LastActive,
		})
	}

	writeJSON(w, out)
}

func (s *Shell) disconnectUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.auth.Disconnect(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("disconnect failed", zap.String("user_id", id), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type healthView struct {
	Store   string `json:"store"`
	Monitor string `json:"monitor"`
	Session bool   `json:"session"`
	Screen  Screen `json:"screen"`
}

func (s *Shell) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	store := "ok"
	if err := s.pingStore(r.Context()); err != nil {
		s.log.Warn("store unreachable", zap.Error(err))
		status = http.StatusServiceUnavailable
		store = "error"
	}

	_, ok := s.sessions.Current()
	writeJSONStatus(w, status, healthView{
		Store:   store,
		Monitor: s.monitor.State().String(),
		Session: ok,
		Screen:  s.view.Screen(),
	})
}

// pingStore takes a store handle the way the monitor does for each check.
func (s *Shell) pingStore(ctx context.Context) error {
	c, err := s.auth.Acquire(ctx)
	if err != nil {
		return err
	}
	return c.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
