// Package auth authenticates users against the shared store and maintains
// their online flag, which administrators clear to end a session remotely.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/model"
	"github.com/ghaggin/fieldtrack/internal/monitor"
	"github.com/ghaggin/fieldtrack/internal/repository"
	"github.com/ghaggin/fieldtrack/internal/session"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidCredentials = errors.New("invalid user name or password")
	ErrThrottled          = errors.New("too many login attempts")
	ErrNoSession          = errors.New("no active session")
	ErrEmptyName          = errors.New("user name is required")
)

type Service struct {
	repo     repository.Repository
	sessions *session.Context
	log      *zap.Logger
	limiter  *rate.Limiter

	now  func() time.Time
	cost int
}

type Params struct {
	fx.In

	Repo     repository.Repository
	Sessions *session.Context
	Log      *zap.Logger
	Config   *config.Config
}

func New(p Params) *Service {
	return &Service{
		repo:     p.Repo,
		sessions: p.Sessions,
		log:      p.Log,
		limiter:  rate.NewLimiter(rate.Limit(p.Config.Auth.LoginRate), p.Config.Auth.LoginBurst),
		now:      time.Now,
		cost:     bcrypt.DefaultCost,
	}
}

func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Service) AddUser(ctx context.Context, name, password string, isAdmin bool) (*model.User, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &model.User{Name: name, PasswordHash: hash, IsAdmin: isAdmin}
	if err := s.repo.AddUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info("user added", zap.String("user_id", u.ID), zap.String("name", name), zap.Bool("admin", isAdmin))
	return u, nil
}

func (s *Service) Users(ctx context.Context) ([]model.User, error) {
	return s.repo.GetUsers(ctx)
}

// Login checks the credentials, flags the user online and begins the
// process-wide session. Callers run it on the ui loop.
func (s *Service) Login(ctx context.Context, name, password string) (model.Session, error) {
	if !s.limiter.Allow() {
		return model.Session{}, ErrThrottled
	}

	if _, ok := s.sessions.Current(); ok {
		return model.Session{}, session.ErrActive
	}

	u, err := s.repo.GetUserByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.log.Info("login rejected", zap.String("name", name))
		return model.Session{}, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.repo.SetOnline(ctx, u.ID, true, now); err != nil {
		return model.Session{}, fmt.Errorf("mark online: %w", err)
	}

	sess := model.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Name:      u.Name,
		IsAdmin:   u.IsAdmin,
		StartedAt: now,
	}
	if err := s.sessions.Begin(sess); err != nil {
		return model.Session{}, err
	}

	s.log.Info("logged in",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.Bool("admin", sess.IsAdmin),
	)
	return sess, nil
}

// Logout ends the local session and flags the user offline. The local
// session is cleared even if the store cannot be updated.
func (s *Service) Logout(ctx context.Context) error {
	sess, ok := s.sessions.End()
	if !ok {
		return ErrNoSession
	}

	log := s.log.With(zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
	if err := s.repo.SetOnline(ctx, sess.UserID, false, s.now()); err != nil {
		log.Warn("failed to mark user offline on logout", zap.Error(err))
		return fmt.Errorf("mark offline: %w", err)
	}

	log.Info("logged out")
	return nil
}

// Disconnect flags a user offline. A client logged in as that user notices
// on its next liveness check.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	if err := s.repo.SetOnline(ctx, userID, false, s.now()); err != nil {
		return err
	}

	s.log.Info("user disconnected", zap.String("user_id", userID))
	return nil
}

// ClearSessionLocally empties the session without touching the store.
func (s *Service) ClearSessionLocally() (model.Session, bool) {
	return s.sessions.End()
}

func (s *Service) IsSessionActive(ctx context.Context, userID string) (bool, error) {
	scope, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer scope.Close()

	return scope.IsSessionActive(ctx, userID)
}

// Acquire hands the monitor a scope over its own store handle.
func (s *Service) Acquire(ctx context.Context) (monitor.Checker, error) {
	scope, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return scope, nil
}

func (s *Service) acquire(ctx context.Context) (*Scope, error) {
	h, err := s.repo.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire store handle: %w", err)
	}
	return &Scope{h: h}, nil
}

// Scope is a single-use view of the online flags.
type Scope struct {
	h repository.Handle
}

// IsSessionActive reports whether userID is flagged online. A user that no
// longer exists is not active.
func (s *Scope) IsSessionActive(ctx context.Context, userID string) (bool, error) {
	online, err := s.h.IsOnline(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return online, err
}

func (s *Scope) Close() error {
	return s.h.Close()
}
