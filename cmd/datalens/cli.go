// Package main defines the CLI structure using kong.
package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Config file path (default: ./datalens.toml)" type:"path"`

	Ask     AskCmd     `cmd:"" help:"Ask a question in a new or existing session"`
	Resume  ResumeCmd  `cmd:"" help:"Approve and run the node a session is waiting on"`
	Pending PendingCmd `cmd:"" help:"Show which node a session is waiting on"`
	Discard DiscardCmd `cmd:"" help:"Forget a session"`
	Chat    ChatCmd    `cmd:"" help:"Interactive session with approval prompts"`
	Serve   ServeCmd   `cmd:"" help:"Serve the HTTP API"`
	Replay  ReplayCmd  `cmd:"" help:"Replay a recorded session log"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// AskCmd runs one turn with a new question.
type AskCmd struct {
	Input   string `arg:"" help:"Question to answer"`
	Session string `short:"s" help:"Session ID (default: new session)"`
	Mode    string `help:"Interrupt policy: autonomous or approval (overrides config)"`
	JSON    bool   `help:"Print events as JSON lines"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v)"`
}

// ResumeCmd continues an interrupted session.
type ResumeCmd struct {
	Session string `short:"s" required:"" help:"Session ID"`
	JSON    bool   `help:"Print events as JSON lines"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v)"`
}

// PendingCmd reports the node awaiting approval.
type PendingCmd struct {
	Session string `short:"s" required:"" help:"Session ID"`
}

// DiscardCmd deletes a session's checkpoint and event log.
type DiscardCmd struct {
	Session string `short:"s" required:"" help:"Session ID"`
}

// ChatCmd runs an interactive loop.
type ChatCmd struct {
	Session string        `short:"s" help:"Session ID (default: new session)"`
	Mode    string        `help:"Interrupt policy (overrides config)"`
	Timeout time.Duration `default:"5m" help:"How long to wait for an approval answer"`
	Verbose int           `short:"v" type:"counter" help:"Verbosity level (-v)"`
}

// ServeCmd starts the HTTP transport.
type ServeCmd struct {
	Addr     string `help:"Listen address (overrides config)"`
	MaxConns int    `help:"Maximum concurrent connections (overrides config)"`
	Mode     string `help:"Interrupt policy (overrides config)"`
}

// ReplayCmd replays a session log.
type ReplayCmd struct {
	Session string `arg:"" help:"Session log file, or a session ID in the configured log directory"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v)"`
	NoPager bool   `help:"Disable pager for output"`
	Follow  bool   `short:"f" help:"Re-render as the log grows"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
