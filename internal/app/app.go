// Package app wires the fieldtrack client together with fx.
package app

import (
	"github.com/ghaggin/fieldtrack/internal/auth"
	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/middleware"
	"github.com/ghaggin/fieldtrack/internal/monitor"
	"github.com/ghaggin/fieldtrack/internal/repository"
	"github.com/ghaggin/fieldtrack/internal/session"
	"github.com/ghaggin/fieldtrack/internal/shell"
	"github.com/ghaggin/fieldtrack/internal/uiloop"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides everything but the config path and the logger.
var Module = fx.Options(
	fx.Provide(
		config.New,
		repository.New,
		session.New,
		uiloop.NewLoop,
		auth.New,
		shell.NewView,
		middleware.NewSessionManager,
		shell.New,

		checkerSource,
		sessions,
		dispatcher,
		presenter,
	),
	monitor.Module,
)

func NewLogger(c *config.Config) (*zap.Logger, error) {
	if c.Log.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func checkerSource(a *auth.Service) monitor.CheckerSource { return a }

func sessions(s *session.Context) monitor.Sessions { return s }

func dispatcher(l *uiloop.Loop) monitor.Dispatcher { return l }

func presenter(v *shell.View) monitor.Presenter { return v }
