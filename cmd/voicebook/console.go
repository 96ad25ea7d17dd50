package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vango-go/voicebook/internal/console"
	"github.com/vango-go/voicebook/pkg/book"
	"github.com/vango-go/voicebook/pkg/publish"
)

const consoleHelp = "space: talk/send  v: toggle vad  x: stop reply  b: build book  e: events  q: quit"

func newConsoleCmd(deps appDeps, logger func() *slog.Logger, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interview from the terminal with the local microphone and speaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), logger(), deps, stdout)
		},
	}
}

func runConsole(ctx context.Context, logger *slog.Logger, deps appDeps, stdout io.Writer) error {
	cfg, err := console.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load console config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := deps.openStore(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pub := publish.New(publish.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
	defer pub.Close()
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(ctx)
	}()

	app, err := console.New(ctx, cfg, console.Deps{
		Store:     st,
		Book:      book.NewClient(cfg.GatewayURL, nil),
		Publisher: pub,
	}, logger, stdout)
	if err != nil {
		cancel()
		<-pubDone
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("console close failed", "error", err)
		}
		cancel()
		<-pubDone
	}()

	if err := app.Connect(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	in := deps.stdin
	if in == nil {
		in = os.Stdin
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
		fmt.Fprint(stdout, consoleHelp+"\r\n")
		return keyLoop(ctx, app, f, sigCh, stdout)
	}
	fmt.Fprintln(stdout, "type a message, /book, /events, /mode manual|vad or /quit")
	return lineLoop(ctx, app, in, sigCh, stdout)
}

func keyLoop(ctx context.Context, app *console.App, in io.Reader, sigCh <-chan os.Signal, stdout io.Writer) error {
	keys := make(chan byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			select {
			case keys <- buf[0]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			return nil
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			quit, err := app.HandleKey(ctx, k)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\r\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func lineLoop(ctx context.Context, app *console.App, in io.Reader, sigCh <-chan os.Signal, stdout io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := app.HandleLine(ctx, line)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
