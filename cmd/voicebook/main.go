package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/voicebook/internal/dotenv"
	"github.com/vango-go/voicebook/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicebook/pkg/gateway/server"
	"github.com/vango-go/voicebook/pkg/store"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) (*gatewayserver.Server, error)
	openStore    func(context.Context, string) (store.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdin        io.Reader
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		openStore:  store.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		stdin:      os.Stdin,
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "voicebook",
		Short:         "Voice interviews turned into a book",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.SetOut(stdout)
	root.SetErr(stderr)

	logger := func() *slog.Logger { return newLogger(stderr, logLevel) }
	root.AddCommand(
		newServeCmd(deps, logger),
		newConsoleCmd(deps, logger, stdout),
		newStateCmd(deps, stdout),
	)
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voicebook: %v\n", err)
		return 1
	}

	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voicebook: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppDeps()))
}
