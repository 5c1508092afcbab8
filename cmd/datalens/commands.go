package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/vinayprograms/datalens/internal/approval"
	"github.com/vinayprograms/datalens/internal/checkpoint"
	"github.com/vinayprograms/datalens/internal/config"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/replay"
	"github.com/vinayprograms/datalens/internal/server"
	"github.com/vinayprograms/datalens/internal/session"
)

// errRunFailed is returned after a run ended with an error event.
var errRunFailed = errors.New("run failed")

// Run asks a question.
func (c *AskCmd) Run(cli *CLI) error {
	id := c.Session
	if id == "" {
		id = uuid.NewString()
	}
	return runOnce(cli, id, c.Input, c.Mode, c.JSON, c.Verbose)
}

// Run approves and executes the pending node.
func (c *ResumeCmd) Run(cli *CLI) error {
	return runOnce(cli, c.Session, "", "", c.JSON, c.Verbose)
}

func runOnce(cli *CLI, id, input, mode string, asJSON bool, verbosity int) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, globalCreds, mode)
	if err != nil {
		return err
	}
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	if !asJSON {
		fmt.Fprintf(os.Stderr, "session %s\n", id)
	}
	last := runTurn(ctx, rt, id, input, newPrinter(os.Stdout, asJSON, verbosity))

	switch last.Type {
	case events.TypeError:
		return errRunFailed
	case events.TypeInterrupt:
		if !asJSON {
			fmt.Fprintf(os.Stderr, "\nWaiting for approval of %s. Continue with: datalens resume --session %s\n", last.Node, id)
			if cfg.Storage.Backend == checkpoint.BackendMemory {
				fmt.Fprintln(os.Stderr, "Note: storage.backend is memory, so this session ends with the process.")
			}
		}
	}
	return nil
}

// runTurn streams one turn to show and returns the terminal event.
func runTurn(ctx context.Context, rt *runtime, id, input string, show func(events.Event)) events.Event {
	var last events.Event
	for ev := range rt.engine.Stream(ctx, id, input) {
		show(ev)
		last = ev
	}
	return last
}

// newPrinter writes events as JSON lines or formatted text.
func newPrinter(w io.Writer, asJSON bool, verbosity int) func(events.Event) {
	if asJSON {
		enc := json.NewEncoder(w)
		return func(ev events.Event) { _ = enc.Encode(ev) }
	}
	f := replay.NewFormatter(w, 0, verbosity)
	return f.Print
}

// Run shows the pending node.
func (c *PendingCmd) Run(cli *CLI) error {
	return withStore(cli, func(ctx context.Context, rt *runtime) error {
		cp, err := rt.store.Load(ctx, c.Session)
		if errors.Is(err, checkpoint.ErrNotFound) {
			fmt.Println("none")
			return nil
		}
		if err != nil {
			return err
		}
		if !cp.Interrupted() {
			fmt.Println("none")
			return nil
		}
		fmt.Println(cp.PendingNode)
		return nil
	})
}

// Run deletes the session checkpoint and its event log.
func (c *DiscardCmd) Run(cli *CLI) error {
	return withStore(cli, func(ctx context.Context, rt *runtime) error {
		if err := rt.store.Delete(ctx, c.Session); err != nil {
			return err
		}
		logs, err := session.NewFileStore(rt.cfg.SessionLogDir())
		if err != nil {
			return err
		}
		if err := logs.Delete(c.Session); err != nil {
			return fmt.Errorf("deleting session log: %w", err)
		}
		fmt.Printf("discarded %s\n", c.Session)
		return nil
	})
}

// withStore opens only the checkpoint store; no models or warehouse needed.
func withStore(cli *CLI, fn func(context.Context, *runtime) error) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt := &runtime{cfg: cfg}
	defer rt.cleanup()
	if err := rt.openStore(ctx); err != nil {
		return err
	}
	return fn(ctx, rt)
}

// Run starts the interactive loop.
func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, globalCreds, c.Mode)
	if err != nil {
		return err
	}
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	id := c.Session
	if id == "" {
		id = uuid.NewString()
	}
	prompter := approval.NewPrompter(os.Stdin, os.Stdout, c.Timeout)
	show := newPrinter(os.Stdout, false, c.Verbose)

	fmt.Printf("session %s (%s mode). Type 'exit' to quit.\n", id, rt.mode)
	for {
		fmt.Print("\n> ")
		line, ok, err := prompter.Line(ctx)
		if err != nil || !ok {
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		input := line
		for {
			last := runTurn(ctx, rt, id, input, show)
			if last.Type != events.TypeInterrupt {
				break
			}
			approved, err := prompter.Approve(ctx, last.Node)
			if err != nil {
				return nil
			}
			if !approved {
				fmt.Printf("Stopped before %s. Continue later with: datalens resume --session %s\n", last.Node, id)
				return nil
			}
			input = ""
		}
	}
}

// Run serves the HTTP API until interrupted.
func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.MaxConns > 0 {
		cfg.Server.MaxConns = c.MaxConns
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, globalCreds, c.Mode)
	if err != nil {
		return err
	}
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}

	srv := server.New(rt.engine, server.Config{Addr: cfg.Server.Addr, MaxConns: cfg.Server.MaxConns})
	return srv.ListenAndServe(ctx)
}

// Run replays a session log.
func (c *ReplayCmd) Run(cli *CLI) error {
	logDir := config.New().SessionLogDir()
	if cfg, err := loadConfig(cli.Config); err == nil {
		logDir = cfg.SessionLogDir()
	}
	path := resolveLogPath(c.Session, logDir)

	r := replay.New(os.Stdout, c.Verbose)
	switch {
	case c.Follow:
		return r.ReplayFileLive(path)
	case !c.NoPager && isTerminal(os.Stdout):
		return r.ReplayFileInteractive(path)
	default:
		return r.ReplayFile(path)
	}
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("datalens version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
