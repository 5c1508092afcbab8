// Package session provides the per-session event log and its persistence.
package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/events"
)

// Status constants for sessions.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
)

// ErrNotFound is returned when no log exists for a session.
var ErrNotFound = errors.New("session not found")

// Session is the recorded history of one session across turns.
type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Turns     int       `json:"turns"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Internal state (not persisted)
	seqCounter uint64
	mu         sync.Mutex
}

// Event is one stream event as it was recorded.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Turn      int       `json:"turn,omitempty"`

	events.Event
}

// nextSeqID returns the next sequence ID for this session.
func (s *Session) nextSeqID() uint64 {
	return atomic.AddUint64(&s.seqCounter, 1)
}

// CurrentSeqID returns the last used sequence ID, or 0 before any event.
func (s *Session) CurrentSeqID() uint64 {
	return atomic.LoadUint64(&s.seqCounter)
}

// AddEvent appends an event with automatic sequencing.
func (s *Session) AddEvent(event Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = s.nextSeqID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	return event.SeqID
}

// Store is the interface for session persistence.
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
	Delete(id string) error
}

// Manager manages sessions. Callers serialize access to one session;
// different sessions never wait on each other.
type Manager struct {
	store Store
}

// NewManager creates a new session manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create starts a log for id. An empty id gets a generated one.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = generateID()
	}
	now := time.Now()
	sess := &Session{
		ID:        id,
		Status:    StatusRunning,
		Turns:     1,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	return m.store.Load(id)
}

// Update saves changes to a session.
func (m *Manager) Update(sess *Session) error {
	sess.UpdatedAt = time.Now()
	return m.store.Save(sess)
}

// Delete removes a session's log. Deleting a missing log is not an error.
func (m *Manager) Delete(id string) error {
	return m.store.Delete(id)
}

// AddEvent appends an event to a stored session.
func (m *Manager) AddEvent(id string, event Event) error {
	sess, err := m.store.Load(id)
	if err != nil {
		return err
	}
	sess.AddEvent(event)
	return m.Update(sess)
}

// generateID creates a unique session ID.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Recorder is an engine sink that keeps one log per session and flushes
// it after every event. A log stays cached only while its turn is in
// flight; interrupt, final and error events release it.
type Recorder struct {
	mgr    *Manager
	mu     sync.Mutex // guards open only
	open   map[string]*recording
	logger *logging.Logger
}

// recording is the cached log of one in-flight turn.
type recording struct {
	mu   sync.Mutex
	sess *Session
}

// NewRecorder creates a recorder writing through mgr.
func NewRecorder(mgr *Manager) *Recorder {
	return &Recorder{
		mgr:    mgr,
		open:   make(map[string]*recording),
		logger: logging.New().WithComponent("session"),
	}
}

// Emit records ev. A session that is not running starts a new turn.
func (r *Recorder) Emit(ctx context.Context, sessionID string, ev events.Event) error {
	rc := r.acquire(sessionID)
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.sess == nil {
		sess, err := r.load(sessionID)
		if err != nil {
			r.release(sessionID, rc)
			return err
		}
		rc.sess = sess
	}
	sess := rc.sess

	if sess.Status != StatusRunning {
		sess.Turns++
		sess.Status = StatusRunning
		sess.Error = ""
	}
	sess.AddEvent(Event{Turn: sess.Turns, Event: ev})

	terminal := true
	switch ev.Type {
	case events.TypeInterrupt:
		sess.Status = StatusInterrupted
	case events.TypeFinal:
		sess.Status = StatusComplete
		sess.Result = ev.Text
	case events.TypeError:
		sess.Status = StatusFailed
		sess.Error = ev.Error
	default:
		terminal = false
	}

	err := r.mgr.Update(sess)
	if terminal {
		r.release(sessionID, rc)
	}
	return err
}

// Forget drops a session's cached log and deletes it from disk, so the
// next event starts a new log at turn 1.
func (r *Recorder) Forget(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	rc := r.open[sessionID]
	delete(r.open, sessionID)
	r.mu.Unlock()

	if rc != nil {
		// Wait for an in-flight write, then make any holder reload.
		rc.mu.Lock()
		rc.sess = nil
		rc.mu.Unlock()
	}
	if err := r.mgr.Delete(sessionID); err != nil {
		return fmt.Errorf("failed to delete session log: %w", err)
	}
	r.logger.Debug("session log deleted", map[string]interface{}{"session": sessionID})
	return nil
}

// acquire returns the cache entry of a session, creating an empty one.
func (r *Recorder) acquire(id string) *recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.open[id]
	if !ok {
		rc = &recording{}
		r.open[id] = rc
	}
	return rc
}

// release evicts rc unless it was already replaced.
func (r *Recorder) release(id string, rc *recording) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open[id] == rc {
		delete(r.open, id)
	}
}

func (r *Recorder) load(id string) (*Session, error) {
	sess, err := r.mgr.Get(id)
	if errors.Is(err, ErrNotFound) {
		sess, err = r.mgr.Create(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	r.logger.Debug("session log opened", map[string]interface{}{"session": id, "turns": sess.Turns})
	return sess, nil
}

// JSONL record types for streaming format
const (
	RecordTypeHeader = "header" // Session metadata (first line)
	RecordTypeEvent  = "event"  // Individual event
	RecordTypeFooter = "footer" // Final state (last line)
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Event fields
	*Event `json:",omitempty"`

	// Footer fields
	Status    string    `json:"status,omitempty"`
	Turns     int       `json:"turns,omitempty"`
	Result    string    `json:"result,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore implements Store with one JSONL file per session.
type FileStore struct {
	dir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the log file of a session.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save persists a session to disk in JSONL format.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := writeSession(w, sess); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	// Rename so a live reader never sees a half-written log.
	if err := os.Rename(tmp.Name(), s.Path(sess.ID)); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func writeSession(w io.Writer, sess *Session) error {
	sess.mu.Lock()
	evts := make([]Event, len(sess.Events))
	copy(evts, sess.Events)
	sess.mu.Unlock()

	header := JSONLRecord{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		CreatedAt:  sess.CreatedAt,
	}
	if err := writeLine(w, header); err != nil {
		return err
	}

	for i := range evts {
		record := JSONLRecord{
			RecordType: RecordTypeEvent,
			Event:      &evts[i],
		}
		if err := writeLine(w, record); err != nil {
			return err
		}
	}

	footer := JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		Turns:      sess.Turns,
		Result:     sess.Result,
		Failure:    sess.Error,
		UpdatedAt:  sess.UpdatedAt,
	}
	return writeLine(w, footer)
}

// writeLine writes a single JSONL record.
func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// Delete removes a session's log file.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load reads a session from disk.
func (s *FileStore) Load(id string) (*Session, error) {
	sess, err := LoadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// LoadFile reads a session log from path.
func LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses a JSONL session log.
func Read(r io.Reader) (*Session, error) {
	sess := &Session{Events: []Event{}}

	// bufio.Reader rather than Scanner: no line length limit.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if parseErr := parseLine(trimmed, sess); parseErr != nil {
				return nil, parseErr
			}
		}
		if err == io.EOF {
			break
		}
	}

	// Restore sequence counter from last event
	if len(sess.Events) > 0 {
		sess.seqCounter = sess.Events[len(sess.Events)-1].SeqID
	}
	return sess, nil
}

// parseLine parses a single JSONL line into the session.
func parseLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Turns = record.Turns
		sess.Result = record.Result
		sess.Error = record.Failure
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}
