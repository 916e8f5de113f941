// credctl administers the credential table shared by the gateway instances.
//
//	credctl [--driver D] [--dsn URL] [--redis URL] <command> [flags] [args]
//
// Mutations are announced on Redis when it is configured so running gateways
// reload their pools before the TTL expires.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/redis"
)

const usage = `usage: credctl [--driver D] [--dsn URL] [--redis URL] <command>

commands:
  list                                   list credentials (secrets masked)
  add --name N --limit L [--secret S]    add a credential; secret read from stdin when omitted
  update ID [--name N] [--secret S] [--limit L]
  enable ID | disable ID | delete ID
  reset-usage                            zero every daily usage counter
  import FILE.yaml                       add credentials from a YAML list
  logs [--limit N]                       show recent call outcomes
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	settings := config.LoadStoreSettings()

	var migrate bool
	flagSet := pflag.NewFlagSet("credctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(stdout)
	flagSet.StringVar(&settings.DatabaseDriver, "driver", settings.DatabaseDriver, "database driver: postgres, mysql or sqlite")
	flagSet.StringVar(&settings.DatabaseURL, "dsn", settings.DatabaseURL, "database DSN (default $DATABASE_URL)")
	flagSet.StringVar(&settings.RedisURL, "redis", settings.RedisURL, "redis URL for pool invalidation (default $REDIS_URL)")
	flagSet.BoolVar(&migrate, "migrate", true, "create missing tables before running the command")
	flagSet.Usage = func() { fmt.Fprint(stdout, usage) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return fmt.Errorf("missing command")
	}
	if settings.DatabaseURL == "" {
		return fmt.Errorf("--dsn or DATABASE_URL is required")
	}

	db, err := database.New(settings.DatabaseDriver, settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	a := &app{db: db, stdin: stdin, out: stdout}
	if settings.RedisURL != "" {
		rc, err := redis.New(ctx, settings.RedisURL)
		if err != nil {
			// the change still lands; gateways pick it up at their next TTL reload
			fmt.Fprintf(stdout, "warning: redis unavailable, gateways will reload on TTL: %v\n", err)
		} else {
			defer rc.Close()
			a.notify = rc
		}
	}

	return a.dispatch(ctx, rest[0], rest[1:])
}
