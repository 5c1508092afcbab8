// Package checkpoint provides checkpoint persistence for session lineages.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/datalens/internal/state"
)

var (
	// ErrNotFound is returned when a session has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrVersionConflict is returned when a save does not advance the stored sequence.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrSessionBusy is returned when a session is already being driven.
	ErrSessionBusy = errors.New("session is busy")
)

// Checkpoint is the live snapshot of one session.
type Checkpoint struct {
	SessionID   string             `json:"session_id"`
	Seq         uint64             `json:"seq"`
	State       state.SessionState `json:"state"`
	PendingNode state.Node         `json:"pending_node,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Interrupted reports whether execution is paused before a node.
func (c *Checkpoint) Interrupted() bool {
	return c.PendingNode != ""
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	return &out
}

// Store persists the live checkpoint of each session. Implementations
// copy on save and on load so callers never alias stored state.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, sessionID string) error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a store backend.
type Options struct {
	Backend  string
	Path     string // directory for file and sqlite backends
	RedisURL string
	RedisTTL time.Duration
}

// Open creates the store selected by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(filepath.Join(opts.Path, "checkpoints"))
	case BackendSQLite:
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(opts.Path, "checkpoints.db"))
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{URL: opts.RedisURL, TTL: opts.RedisTTL})
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", opts.Backend)
	}
}

// Locks hands out exclusive, non-blocking ownership of sessions.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]bool)}
}

// Acquire takes ownership of a session. It fails with ErrSessionBusy
// instead of waiting when another caller holds it.
func (l *Locks) Acquire(sessionID string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[sessionID] {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	l.held[sessionID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether a session is currently owned.
func (l *Locks) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[sessionID]
}
