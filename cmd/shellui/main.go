package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guseggert/shellui/client"
	"github.com/guseggert/shellui/command"
	"github.com/guseggert/shellui/internal/files"
	"github.com/guseggert/shellui/ledger"
	"github.com/guseggert/shellui/process"
	"github.com/guseggert/shellui/router"
	"github.com/guseggert/shellui/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "shellui",
		Usage: "run configured shell commands and stream their output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "The base URL of the shellui server, for client commands.",
				Value:   "http://127.0.0.1:3001",
				EnvVars: []string{"SHELLUI_SERVER"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"SHELLUI_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			stopCommand,
			historyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func signalContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the shellui server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   "127.0.0.1:3001",
			EnvVars: []string{"SHELLUI_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "The command config file. Defaults to the nearest config.yaml in the working directory or its parents.",
			EnvVars: []string{command.ConfigEnvVar},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "The directory execution history is persisted in.",
			Value:   "data",
			EnvVars: []string{"SHELLUI_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:    "storage",
			Usage:   "The execution history backend. One of [json,sqlite,none].",
			Value:   "json",
			EnvVars: []string{"SHELLUI_STORAGE"},
		},
		&cli.DurationFlag{
			Name:    "persist-interval",
			Usage:   "How long history changes are coalesced before being persisted.",
			Value:   ledger.DefaultPersistInterval,
			EnvVars: []string{"SHELLUI_PERSIST_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "max-records",
			Usage:   "How many executions are retained.",
			Value:   ledger.DefaultMaxRecords,
			EnvVars: []string{"SHELLUI_MAX_RECORDS"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-origin",
			Usage:   "Host patterns allowed to open cross-origin WebSocket connections.",
			EnvVars: []string{"SHELLUI_ALLOWED_ORIGINS"},
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := buildLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		sugar := logger.Sugar()

		configPath := ctx.String("config")
		if configPath == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working dir: %w", err)
			}
			configPath, err = files.FindUp("config.yaml", wd)
			if err != nil {
				return fmt.Errorf("finding config: %w", err)
			}
		}
		if configPath == "" {
			sugar.Info("no config.yaml found, using the default commands")
		}
		catalog, err := command.NewCatalog(configPath, command.WithCatalogLogger(sugar))
		if err != nil {
			return fmt.Errorf("loading commands: %w", err)
		}

		runCtx, cancel := signalContext(ctx)
		defer cancel()

		ledgerOpts := []ledger.Option{
			ledger.WithLogger(sugar),
			ledger.WithPersistInterval(ctx.Duration("persist-interval")),
			ledger.WithMaxRecords(ctx.Int("max-records")),
		}
		storage := ctx.String("storage")
		dataDir := ctx.String("data-dir")
		switch storage {
		case "json":
			ledgerOpts = append(ledgerOpts, ledger.WithStore(ledger.NewFileStore(filepath.Join(dataDir, "executions.json"))))
		case "sqlite":
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			store, err := ledger.OpenSQLiteStore(runCtx, filepath.Join(dataDir, "executions.db"))
			if err != nil {
				return err
			}
			defer store.Close()
			ledgerOpts = append(ledgerOpts, ledger.WithStore(store))
		case "none":
		default:
			return fmt.Errorf("unsupported storage %q", storage)
		}

		l := ledger.New(ledgerOpts...)
		r := router.New(router.WithLogger(sugar), router.WithOriginPatterns(ctx.StringSlice("allowed-origin")...))
		coord := process.New(l, r, process.WithLogger(sugar))
		s := server.New(catalog, l, r, coord,
			server.WithLogger(logger),
			server.WithListenAddr(ctx.String("listen-addr")),
			server.WithStorageName(storage),
		)
		return s.Run(runCtx)
	},
}

// parseArgs parses repeated key=value flags.
func parseArgs(kvs []string) (map[string]any, error) {
	args := map[string]any{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not in key=value form", kv)
		}
		args[k] = v
	}
	return args, nil
}

func newClient(ctx *cli.Context) (*client.Client, error) {
	logger, err := buildLogger(ctx)
	if err != nil {
		return nil, err
	}
	return client.New(ctx.String("server"), client.WithLogger(logger))
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "execute a command on the server and stream its output",
	ArgsUsage: "<command-id>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "arg",
			Aliases: []string{"a"},
			Usage:   "A command argument as key=value. May be repeated.",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("expected exactly one command ID", 2)
		}
		args, err := parseArgs(ctx.StringSlice("arg"))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		c, err := newClient(ctx)
		if err != nil {
			return err
		}
		runCtx, cancel := signalContext(ctx)
		defer cancel()

		complete, err := c.Run(runCtx, ctx.Args().First(), args, os.Stdout, os.Stderr)
		if err != nil {
			return err
		}
		if complete.ExitCode != 0 {
			code := complete.ExitCode
			if code < 0 {
				code = 1
			}
			return cli.Exit("", code)
		}
		return nil
	},
}

var stopCommand = &cli.Command{
	Name:      "stop",
	Usage:     "stop a running execution",
	ArgsUsage: "<execution-id>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("expected exactly one execution ID", 2)
		}
		c, err := newClient(ctx)
		if err != nil {
			return err
		}
		err = c.Stop(ctx.Context, ctx.Args().First())
		if errors.Is(err, client.ErrNotFound) {
			return cli.Exit("execution is not running", 1)
		}
		return err
	},
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "list finished executions",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "delete",
			Usage: "Delete the execution with this ID from the history instead of listing.",
		},
	},
	Action: func(ctx *cli.Context) error {
		c, err := newClient(ctx)
		if err != nil {
			return err
		}
		if id := ctx.String("delete"); id != "" {
			return c.DeleteHistory(ctx.Context, id)
		}

		items, err := c.History(ctx.Context)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCOMMAND\tSTATUS\tEXIT\tSTARTED\tDURATION\tOUTPUT")
		for _, item := range items {
			exit := "-"
			if item.ExitCode != nil {
				exit = fmt.Sprint(*item.ExitCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				item.ID,
				item.CommandID,
				item.Status,
				exit,
				humanize.Time(item.StartedAt),
				(time.Duration(item.Duration) * time.Second).String(),
				humanize.Bytes(uint64(len(item.Output))),
			)
		}
		return tw.Flush()
	},
}
