package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/datalens/internal/session"
)

// Replayer reads and formats recorded session logs.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v)
	width          int
	maxContentSize int // maximum runes kept per text field (0 = unlimited)
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits text fields to avoid huge renders.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithWidth sets the wrap width.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		r.width = width
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadFile reads a session log, trimming oversized text fields.
func (r *Replayer) LoadFile(path string) (*session.Session, error) {
	sess, err := session.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if r.maxContentSize > 0 {
		for i := range sess.Events {
			ev := &sess.Events[i]
			ev.Text = truncateContent(ev.Text, r.maxContentSize)
			ev.Input = truncateContent(ev.Input, r.maxContentSize)
		}
	}
	return sess, nil
}

// ReplayFile loads and replays a session from a file.
func (r *Replayer) ReplayFile(path string) error {
	sess, err := r.LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replay(sess)
}

// ReplayFileInteractive loads and replays in the interactive pager.
func (r *Replayer) ReplayFileInteractive(path string) error {
	sess, err := r.LoadFile(path)
	if err != nil {
		return err
	}
	content, err := r.render(sess)
	if err != nil {
		return err
	}
	return NewPager(fmt.Sprintf("Session: %s", sess.ID)).Run(content)
}

// ReplayFileLive replays in the pager and re-renders whenever the file changes.
func (r *Replayer) ReplayFileLive(path string) error {
	sess, err := r.LoadFile(path)
	if err != nil {
		return err
	}
	renderFunc := func() (string, error) {
		sess, err := r.LoadFile(path)
		if err != nil {
			return "", err
		}
		return r.render(sess)
	}
	return NewPager(fmt.Sprintf("Session: %s (LIVE)", sess.ID)).RunLive(path, renderFunc)
}

// render replays into a string.
func (r *Replayer) render(sess *session.Session) (string, error) {
	var buf strings.Builder
	sub := *r
	sub.output = &buf
	if err := sub.Replay(sess); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Replay writes a formatted timeline of the session.
func (r *Replayer) Replay(sess *session.Session) error {
	r.printHeader(sess)
	r.printTimeline(sess)
	r.printSummary(sess)
	return nil
}

func (r *Replayer) printHeader(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("SESSION"), valueStyle.Render(sess.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status: "), statusStyle(sess.Status).Render(sess.Status))
	fmt.Fprintf(r.output, "%s %d\n", labelStyle.Render("Turns:  "), sess.Turns)
	if !sess.CreatedAt.IsZero() {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created:"), valueStyle.Render(sess.CreatedAt.Format(time.RFC3339)))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(sess *session.Session) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(sess.Events))))
	fmt.Fprintln(r.output, divider)

	f := NewFormatter(r.output, r.width, r.verbosity)
	lastTurn := 0
	for _, ev := range sess.Events {
		if ev.Turn != lastTurn {
			fmt.Fprintln(r.output)
			fmt.Fprintf(r.output, "%s %d\n", titleStyle.Render("TURN"), ev.Turn)
			lastTurn = ev.Turn
		}
		seq := seqStyle.Render(fmt.Sprintf("%d", ev.SeqID))
		ts := timeStyle.Render(ev.Timestamp.Format("15:04:05"))
		f.Timeline(seq, ts, ev.Event)
	}
}

func (r *Replayer) printSummary(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch sess.Status {
	case session.StatusComplete:
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case session.StatusInterrupted:
		fmt.Fprintln(r.output, interruptStyle.Render("AWAITING APPROVAL"))
	case session.StatusFailed:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("FAILED:"), valueStyle.Render(sess.Error))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}

	PrintStats(r.output, ComputeStats(sess))
}
