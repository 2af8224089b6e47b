package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate user name")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Repository is the shared store of users and their online flags.
type Repository interface {
	GetUserByName(ctx context.Context, name string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	AddUser(ctx context.Context, user *model.User) error
	GetUsers(ctx context.Context) ([]model.User, error)
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error

	// Acquire returns a handle that does not share a connection with
	// other callers of the repository.
	Acquire(ctx context.Context) (Handle, error)

	Close() error
}

// Handle is a scoped, read-only view of the online flags.
type Handle interface {
	IsOnline(ctx context.Context, id string) (bool, error)
	Close() error
}

type Params struct {
	fx.In

	LC     fx.Lifecycle
	Config *config.Config
	Log    *zap.Logger
}

// New opens the backend named by store.driver and closes it when the app stops.
func New(p Params) (Repository, error) {
	r, err := Open(p.Config, p.Log)
	if err != nil {
		return nil, err
	}

	p.LC.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return r.Close()
		},
	})

	return r, nil
}

// Open is New without fx, for tools that manage their own lifetime.
func Open(c *config.Config, log *zap.Logger) (Repository, error) {
	log = log.With(zap.String("driver", c.Store.Driver))

	switch c.Store.Driver {
	case "sqlite", "":
		return NewSQLite(c.Store.SQLite.Path, log)
	case "json":
		return NewJSON(c.Store.JSON.Path, log)
	case "redis":
		return NewRedis(c.Store.Redis, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
}
