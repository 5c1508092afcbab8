// Package engine is the execution entry point: it drives the graph,
// translates its updates into events and audits finished answers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/audit"
	"github.com/vinayprograms/datalens/internal/chart"
	"github.com/vinayprograms/datalens/internal/checkpoint"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/graph"
	"github.com/vinayprograms/datalens/internal/state"
)

// ResumedQuestion is the question handed to the auditor when a turn was
// resumed rather than started with input.
const ResumedQuestion = "Resumed execution."

// Sink receives every event of every stream.
type Sink interface {
	Emit(ctx context.Context, sessionID string, ev events.Event) error
}

// Forgetter is a sink that keeps per-session data. Discard tells it to
// drop that data.
type Forgetter interface {
	Forget(ctx context.Context, sessionID string) error
}

// Scorer grades a finished answer.
type Scorer interface {
	Score(ctx context.Context, question, history, final string) audit.Result
}

// Config wires an Engine.
type Config struct {
	Executor   *graph.Executor
	Translator *events.Translator
	Auditor    Scorer
	Sinks      []Sink
}

// Engine runs sessions and produces their event streams.
type Engine struct {
	executor   *graph.Executor
	translator *events.Translator
	auditor    Scorer

	mu    sync.RWMutex
	sinks []Sink

	logger *logging.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	tr := cfg.Translator
	if tr == nil {
		tr = events.NewTranslator(events.DefaultObservationLimit)
	}
	return &Engine{
		executor:   cfg.Executor,
		translator: tr,
		auditor:    cfg.Auditor,
		sinks:      cfg.Sinks,
		logger:     logging.New().WithComponent("engine"),
	}
}

// AddSink registers another sink.
func (e *Engine) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Stream runs one turn of a session. A non-empty input starts a new turn;
// an empty input resumes the node awaiting approval. The stream ends with
// exactly one of interrupt, final or error.
func (e *Engine) Stream(ctx context.Context, sessionID, input string) iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		emit := func(ev events.Event) bool {
			e.publish(ctx, sessionID, ev)
			return yield(ev)
		}

		var in *state.Message
		question := ResumedQuestion
		if strings.TrimSpace(input) != "" {
			m := state.UserMessage(input)
			in = &m
			question = input
		}

		var history strings.Builder
		final := ""
		workerRan := false

		for u, err := range e.executor.Run(ctx, sessionID, in) {
			if err != nil {
				if errors.Is(err, checkpoint.ErrSessionBusy) {
					// The session's sinks belong to the run holding it.
					yield(events.Failure(err))
					return
				}
				emit(events.Failure(err))
				return
			}
			for _, ev := range e.translator.Translate(u) {
				if !emit(ev) {
					return
				}
			}
			if u.Interrupt {
				return
			}
			if u.Node.IsWorker() {
				workerRan = true
				if n := len(u.Messages); n > 0 {
					final = u.Messages[n-1].Content
				}
				fmt.Fprintf(&history, "\n[%s]: %s", u.Node, final)
			}
		}

		if !workerRan {
			final = e.previousAnswer(ctx, sessionID)
		}
		final = chart.StripPayloads(final)

		if !emit(events.AuditStart()) {
			return
		}
		metrics := audit.Failed()
		if e.auditor != nil {
			metrics = e.auditor.Score(ctx, question, history.String(), final)
		}
		emit(events.Final(final, metrics))
	}
}

// previousAnswer returns the latest assistant text stored for the session.
func (e *Engine) previousAnswer(ctx context.Context, sessionID string) string {
	cp, err := e.executor.Snapshot(ctx, sessionID)
	if err != nil {
		e.logger.Warn("failed to load previous answer", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
		return ""
	}
	return cp.State.LatestAssistantContent()
}

func (e *Engine) publish(ctx context.Context, sessionID string, ev events.Event) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Emit(ctx, sessionID, ev); err != nil {
			e.logger.Warn("sink failed", map[string]interface{}{
				"session": sessionID,
				"event":   string(ev.Type),
				"error":   err.Error(),
			})
		}
	}
}

// Pending returns the node awaiting approval, or "" when none is.
func (e *Engine) Pending(ctx context.Context, sessionID string) (state.Node, error) {
	return e.executor.Pending(ctx, sessionID)
}

// Snapshot returns the live checkpoint of a session.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	return e.executor.Snapshot(ctx, sessionID)
}

// Discard forgets a session, including what its sinks kept.
func (e *Engine) Discard(ctx context.Context, sessionID string) error {
	if err := e.executor.Discard(ctx, sessionID); err != nil {
		return err
	}

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, s := range sinks {
		f, ok := s.(Forgetter)
		if !ok {
			continue
		}
		if err := f.Forget(ctx, sessionID); err != nil {
			e.logger.Warn("sink failed to forget session", map[string]interface{}{
				"session": sessionID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// Mode returns the executor's interrupt policy.
func (e *Engine) Mode() graph.Mode {
	return e.executor.Mode()
}
