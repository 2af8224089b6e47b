// Command sessionctl administers the user store shared with fieldtrack
// clients. Disconnecting a user ends their client session on its next
// liveness check.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ghaggin/fieldtrack/internal/auth"
	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/repository"
	"github.com/ghaggin/fieldtrack/internal/session"
	"go.uber.org/zap"
)

const usage = `usage: sessionctl [-config path] <command>

commands:
  add [-admin] <name> <password>   create a user
  list                             list users and their online flag
  disconnect <user-id>             flag a user offline
`

var errUsage = errors.New("bad usage")

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(context.Background(), os.Args[1:], os.Stdout, log); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Error("sessionctl failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, log *zap.Logger) error {
	fs := flag.NewFlagSet("sessionctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a yaml config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cmd, err := parseCommand(fs.Arg(0), fs.Args()[1:])
	if err != nil {
		return err
	}

	c, err := config.New(config.Path(*configPath))
	if err != nil {
		return err
	}

	repo, err := repository.Open(c, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	svc := auth.New(auth.Params{
		Repo:     repo,
		Sessions: session.New(),
		Log:      log,
		Config:   c,
	})

	return cmd(ctx, svc, out)
}

type command func(ctx context.Context, svc *auth.Service, out io.Writer) error

// parseCommand validates the arguments before anything touches the store.
func parseCommand(name string, args []string) (command, error) {
	switch name {
	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		admin := fs.Bool("admin", false, "grant administrator rights")
		if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
			return nil, errUsage
		}
		userName, password := fs.Arg(0), fs.Arg(1)

		return func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			u, err := svc.AddUser(ctx, userName, password, *admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, u.ID)
			return nil
		}, nil
	case "list":
		if len(args) != 0 {
			return nil, errUsage
		}
		return list, nil
	case "disconnect":
		if len(args) != 1 {
			return nil, errUsage
		}
		id := args[0]

		return func(ctx context.Context, svc *auth.Service, _ io.Writer) error {
			return svc.Disconnect(ctx, id)
		}, nil
	default:
		return nil, errUsage
	}
}

func list(ctx context.Context, svc *auth.Service, out io.Writer) error {
	users, err := svc.Users(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADMIN\tONLINE\tLAST ACTIVE")
	for _, u := range users {
		last := "-"
		if !u.LastActive.IsZero() {
			last = u.LastActive.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", u.ID, u.Name, u.IsAdmin, u.Online, last)
	}
	return tw.Flush()
}
