// Package graph drives the supervisor and worker nodes as a checkpointed
// finite-state machine.
package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/checkpoint"
	"github.com/vinayprograms/datalens/internal/state"
	"github.com/vinayprograms/datalens/internal/worker"
)

// Mode selects the interrupt policy.
type Mode string

const (
	// ModeAutonomous never pauses.
	ModeAutonomous Mode = "autonomous"
	// ModeApproval pauses before every fresh arrival at a worker.
	ModeApproval Mode = "approval"
)

// ParseMode validates a mode name. An empty name is approval.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeApproval:
		return ModeApproval, nil
	case ModeAutonomous:
		return ModeAutonomous, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %s or %s)", s, ModeAutonomous, ModeApproval)
	}
}

// DefaultMaxSteps bounds node executions per Run call.
const DefaultMaxSteps = 50

// Router picks the next node.
type Router interface {
	Decide(ctx context.Context, st state.SessionState, schema string) state.Route
}

// Worker acts on the state and returns the messages it produced.
type Worker interface {
	Act(ctx context.Context, st state.SessionState, schema string) ([]state.Message, error)
}

// Config wires an Executor.
type Config struct {
	Router   Router
	Workers  map[state.Node]Worker
	Store    checkpoint.Store
	Locks    *checkpoint.Locks
	Mode     Mode
	MaxSteps int
	// Schema supplies the data-schema context handed to every node.
	Schema func() string
}

// Update is what one node contributed. Messages holds only the delta.
type Update struct {
	SessionID string          `json:"session_id"`
	Node      state.Node      `json:"node"`
	Route     state.Route     `json:"route,omitempty"`
	Messages  []state.Message `json:"messages,omitempty"`
	Interrupt bool            `json:"interrupt,omitempty"`
	Seq       uint64          `json:"seq"`
}

// transitions is the legal edge set of the machine.
var transitions = map[state.Node][]state.Node{
	state.NodeSupervisor: {state.NodeEngineer, state.NodeScientist, state.NodeFinished},
	state.NodeEngineer:   {state.NodeSupervisor},
	state.NodeScientist:  {state.NodeSupervisor},
}

func allowed(from, to state.Node) bool {
	for _, n := range transitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

// target maps a routing decision onto the node it enters.
func target(r state.Route) state.Node {
	switch r {
	case state.RouteEngineer:
		return state.NodeEngineer
	case state.RouteScientist:
		return state.NodeScientist
	default:
		return state.NodeFinished
	}
}

// Executor runs sessions through the graph.
type Executor struct {
	router   Router
	workers  map[state.Node]Worker
	store    checkpoint.Store
	locks    *checkpoint.Locks
	mode     Mode
	maxSteps int
	schema   func() string
	logger   *logging.Logger
}

// New validates cfg and builds an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Router == nil {
		return nil, errors.New("graph: router is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("graph: checkpoint store is required")
	}
	for _, n := range transitions[state.NodeSupervisor] {
		if !n.IsWorker() {
			continue
		}
		if cfg.Workers[n] == nil {
			return nil, fmt.Errorf("graph: no worker for node %s", n)
		}
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if cfg.Locks == nil {
		cfg.Locks = checkpoint.NewLocks()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Schema == nil {
		cfg.Schema = func() string { return "" }
	}
	return &Executor{
		router:   cfg.Router,
		workers:  cfg.Workers,
		store:    cfg.Store,
		locks:    cfg.Locks,
		mode:     mode,
		maxSteps: cfg.MaxSteps,
		schema:   cfg.Schema,
		logger:   logging.New().WithComponent("graph"),
	}, nil
}

// Mode returns the interrupt policy in force.
func (e *Executor) Mode() Mode { return e.mode }

// Run drives the session until it finishes, pauses for approval or fails.
// A non-nil input starts a new turn; a nil input resumes the pending node.
// Each update is yielded only after its checkpoint is saved, so a consumer
// that stops early leaves the session at the last completed node. At most
// one error is yielded and it ends the sequence.
func (e *Executor) Run(ctx context.Context, sessionID string, input *state.Message) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		release, err := e.locks.Acquire(sessionID)
		if err != nil {
			yield(Update{SessionID: sessionID}, err)
			return
		}
		defer release()

		ctx, span := e.startRunSpan(ctx, sessionID, input == nil)
		status := "complete"
		var runErr error
		defer func() { e.endRunSpan(span, status, runErr) }()

		fail := func(err error) {
			status = "failed"
			runErr = err
			e.logger.Error("run failed", map[string]interface{}{
				"session": sessionID,
				"error":   err.Error(),
			})
			yield(Update{SessionID: sessionID}, err)
		}

		cp, err := e.load(ctx, sessionID)
		if err != nil {
			fail(err)
			return
		}

		st := cp.State.Clone()
		seq := cp.Seq
		current := state.NodeSupervisor
		var resumed state.Node

		switch {
		case cp.Interrupted() && input != nil:
			fail(&ResumeError{SessionID: sessionID, Pending: cp.PendingNode, Input: true})
			return
		case cp.Interrupted():
			current = cp.PendingNode
			resumed = current
			e.logger.Info("resuming", map[string]interface{}{"session": sessionID, "node": string(current)})
		case input == nil:
			fail(&ResumeError{SessionID: sessionID})
			return
		default:
			st.Append(*input)
			st.NextNode = ""
		}

		steps := 0
		for current != state.NodeFinished {
			if err := ctx.Err(); err != nil {
				status = "cancelled"
				runErr = err
				yield(Update{SessionID: sessionID}, err)
				return
			}

			if current.IsWorker() && e.mode == ModeApproval && current != resumed {
				seq++
				if err := e.save(ctx, sessionID, seq, st, current); err != nil {
					fail(err)
					return
				}
				status = "interrupted"
				e.logger.Info("awaiting approval", map[string]interface{}{"session": sessionID, "node": string(current)})
				yield(Update{SessionID: sessionID, Node: current, Interrupt: true, Seq: seq}, nil)
				return
			}
			resumed = ""

			steps++
			if steps > e.maxSteps {
				fail(&RecursionLimitError{Limit: e.maxSteps, Node: current})
				return
			}

			update, next, err := e.step(ctx, sessionID, current, &st)
			if err != nil {
				fail(err)
				return
			}
			if !allowed(current, next) {
				fail(fmt.Errorf("graph: illegal transition %s -> %s", current, next))
				return
			}

			seq++
			if err := e.save(ctx, sessionID, seq, st, ""); err != nil {
				fail(err)
				return
			}
			update.Seq = seq
			if !yield(update, nil) {
				status = "abandoned"
				return
			}
			current = next
		}
	}
}

// step executes one node against st and returns its update and successor.
func (e *Executor) step(ctx context.Context, sessionID string, node state.Node, st *state.SessionState) (Update, state.Node, error) {
	ctx, span := e.startNodeSpan(ctx, node)
	update := Update{SessionID: sessionID, Node: node}

	if node == state.NodeSupervisor {
		route := e.router.Decide(ctx, st.Clone(), e.schema())
		st.NextNode = route
		update.Route = route
		e.endNodeSpan(span, route, 0, nil)
		e.logger.Info("node complete", map[string]interface{}{
			"session": sessionID,
			"node":    string(node),
			"route":   string(route),
		})
		return update, target(route), nil
	}

	w := e.workers[node]
	if w == nil {
		err := fmt.Errorf("graph: no worker for node %s", node)
		e.endNodeSpan(span, "", 0, err)
		return update, "", err
	}
	delta, err := w.Act(ctx, st.Clone(), e.schema())
	if err != nil {
		if errors.Is(err, worker.ErrIterationLimit) {
			err = &RecursionLimitError{Limit: e.maxSteps, Node: node, Err: err}
		}
		e.endNodeSpan(span, "", 0, err)
		return update, "", err
	}
	st.Append(delta...)
	update.Messages = delta
	e.endNodeSpan(span, "", len(delta), nil)
	e.logger.Info("node complete", map[string]interface{}{
		"session":  sessionID,
		"node":     string(node),
		"messages": len(delta),
	})
	return update, state.NodeSupervisor, nil
}

func (e *Executor) load(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &checkpoint.Checkpoint{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (e *Executor) save(ctx context.Context, sessionID string, seq uint64, st state.SessionState, pending state.Node) error {
	err := e.store.Save(ctx, &checkpoint.Checkpoint{
		SessionID:   sessionID,
		Seq:         seq,
		State:       st.Clone(),
		PendingNode: pending,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Pending returns the node awaiting approval, or "" when none is.
func (e *Executor) Pending(ctx context.Context, sessionID string) (state.Node, error) {
	cp, err := e.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return cp.PendingNode, nil
}

// Snapshot returns the live checkpoint of a session.
func (e *Executor) Snapshot(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	return e.store.Load(ctx, sessionID)
}

// Discard forgets a session. It fails with checkpoint.ErrSessionBusy while
// the session is running.
func (e *Executor) Discard(ctx context.Context, sessionID string) error {
	release, err := e.locks.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()
	if err := e.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to discard session: %w", err)
	}
	e.logger.Info("session discarded", map[string]interface{}{"session": sessionID})
	return nil
}
