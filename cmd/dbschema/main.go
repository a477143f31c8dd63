package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	_ "github.com/johndauphine/dbschema/internal/driver/mysql"
	_ "github.com/johndauphine/dbschema/internal/driver/postgres"
	"github.com/johndauphine/dbschema/internal/exitcodes"
	"github.com/johndauphine/dbschema/internal/logging"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "dbschema",
		Usage:   "Idempotent schema installation for MySQL/MariaDB and PostgreSQL",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
				EnvVars: []string{"DBSCHEMA_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before ${VAR} expansion in the config",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of the SQLite run history (for headless schedulers)",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write Prometheus metrics in textfile format after each run",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if !logging.ValidFormat(c.String("log-format")) {
				return exitcodes.NewExitError(fmt.Errorf("invalid log format %q", c.String("log-format")), exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "install",
				Usage:  "Install or upgrade modules in dependency order",
				Action: installModules,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "module",
						Aliases: []string{"m"},
						Usage:   "Install only these modules (dependencies must already be installed)",
					},
					&cli.BoolFlag{
						Name:  "repair",
						Usage: "Replay indexes, views and seeds even when nothing changed",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show installed and target versions of every module",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:      "apply",
				Usage:     "Apply raw SQL files under the run lock",
				ArgsUsage: "<file.sql>...",
				Action:    applyFiles,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Log statement previews without executing them",
					},
				},
			},
			{
				Name:   "uninstall",
				Usage:  "Drop a module's contract view",
				Action: uninstallModule,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "module",
						Aliases:  []string{"m"},
						Required: true,
						Usage:    "Module name",
					},
				},
			},
			{
				Name:   "checksum",
				Usage:  "Print each module's schema checksum without connecting",
				Action: showChecksums,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dialect",
						Usage: "Dialect to checksum for (default: database.type)",
					},
				},
			},
			{
				Name:      "split",
				Usage:     "Split a SQL file into statements and print them",
				ArgsUsage: "<file.sql>",
				Action:    splitFile,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dialect",
						Usage: "Dialect whose quoting rules apply (default: database.type)",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check database connectivity and the registry table",
				Action: healthCheck,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitcodes.FromError(err))
	}
}
