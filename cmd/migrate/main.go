// Command migrate applies or reverts the grid record schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/luxgrid/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "LUXGRID_DATABASE_DSN"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type command struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	action  string
	steps   int
}

func parse(args []string) (command, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (default $"+dsnEnv+")")
		dir     = fs.String("path", migrations.EmbeddedPath, "Directory containing SQL migrations, or \""+migrations.EmbeddedPath+"\" for the bundled set")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	cmd := command{dsn: strings.TrimSpace(*dsn), dir: strings.TrimSpace(*dir), timeout: *timeout, quiet: *quiet}
	if cmd.dsn == "" {
		return command{}, errors.New("-database flag is required")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, errors.New("command required (up|down)")
	}
	cmd.action = rest[0]
	switch cmd.action {
	case "up":
	case "down":
		cmd.steps = 1
		if len(rest) > 1 {
			if rest[1] == "all" {
				cmd.steps = 0
				break
			}
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("invalid down steps %q (expected a positive count or all)", rest[1])
			}
			cmd.steps = n
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up or down)", cmd.action)
	}
	return cmd, nil
}

func run(args []string, out io.Writer) error {
	cmd, err := parse(args)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !cmd.quiet {
		logger = log.New(out, "luxgrid-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	if cmd.action == "up" {
		return migrations.Apply(ctx, cmd.dsn, cmd.dir, logger)
	}
	return migrations.Rollback(ctx, cmd.dsn, cmd.dir, cmd.steps, logger)
}
