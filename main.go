package main

import (
	"flag"

	"github.com/ghaggin/fieldtrack/internal/app"
	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/shell"
	"go.uber.org/fx"
)

func main() {
	var configPath = flag.String("config", "", "path to a yaml config file")
	flag.Parse()

	newPath := func() config.Path {
		return config.Path(*configPath)
	}

	fx.New(
		fx.Provide(
			newPath,
			app.NewLogger,
		),
		app.Module,
		fx.Invoke(shell.RegisterHooks),
	).Run()
}
