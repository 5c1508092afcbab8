// Package approval asks a human whether a paused worker may run.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/state"
)

// DefaultTimeout is how long a Prompter waits for an answer.
const DefaultTimeout = 5 * time.Minute

// Approver decides whether a pending node may execute.
type Approver interface {
	Approve(ctx context.Context, node state.Node) (bool, error)
}

// Auto answers every request the same way.
type Auto struct {
	Answer bool
}

// Approve returns the fixed answer.
func (a Auto) Approve(ctx context.Context, node state.Node) (bool, error) {
	return a.Answer, nil
}

// Prompter asks on Out and reads a line from In.
// No answer within Timeout counts as a denial, as does end of input.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	Timeout time.Duration

	lines  chan string
	logger *logging.Logger
}

// NewPrompter creates a prompter. A zero timeout uses DefaultTimeout.
func NewPrompter(in io.Reader, out io.Writer, timeout time.Duration) *Prompter {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Prompter{
		In:      in,
		Out:     out,
		Timeout: timeout,
		logger:  logging.New().WithComponent("approval"),
	}
}

// Approve asks whether node may run.
func (p *Prompter) Approve(ctx context.Context, node state.Node) (bool, error) {
	if p.lines == nil {
		p.lines = readLines(p.In)
	}
	if p.logger == nil {
		p.logger = logging.New().WithComponent("approval")
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	fmt.Fprintf(p.Out, "Approve %s? [y/N] ", node)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			fmt.Fprintln(p.Out)
			return false, nil
		}
		return parseAnswer(line), nil
	case <-timer.C:
		fmt.Fprintln(p.Out)
		p.logger.Warn("approval timed out, denying", map[string]interface{}{
			"node":    string(node),
			"timeout": timeout.String(),
		})
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Line reads the next input line, sharing the reader used for answers.
// ok is false at end of input.
func (p *Prompter) Line(ctx context.Context) (string, bool, error) {
	if p.lines == nil {
		p.lines = readLines(p.In)
	}
	select {
	case line, ok := <-p.lines:
		return line, ok, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// readLines feeds the lines of r into a channel that closes at EOF.
// The goroutine outlives a timed-out question so no input is lost.
func readLines(r io.Reader) chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func parseAnswer(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
