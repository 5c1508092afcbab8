package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/datalens/internal/audit"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/state"
)

func newManager(t *testing.T) (*Manager, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store error: %v", err)
	}
	return NewManager(store), store
}

func TestSession_Create(t *testing.T) {
	mgr, _ := newManager(t)

	sess, err := mgr.Create("s1")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if sess.ID != "s1" || sess.Status != StatusRunning || sess.Turns != 1 {
		t.Errorf("unexpected session: %+v", sess)
	}

	gen, err := mgr.Create("")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if len(gen.ID) != 32 {
		t.Errorf("expected generated hex id, got %q", gen.ID)
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	mgr, _ := newManager(t)

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, _ := mgr.Create("")
		if ids[sess.ID] {
			t.Errorf("duplicate session ID: %s", sess.ID)
		}
		ids[sess.ID] = true
	}
}

func TestSession_RoundTrip(t *testing.T) {
	mgr, _ := newManager(t)
	sess, _ := mgr.Create("s1")

	sess.AddEvent(Event{Event: events.Routing(state.RouteEngineer)})
	sess.AddEvent(Event{Event: events.Action("execute_sql_query", "SELECT 1", "sql")})
	sess.AddEvent(Event{Event: events.Final("42", audit.Result{Groundedness: 1, Completeness: 0.5, Reasoning: "ok"})})
	sess.Status = StatusComplete
	sess.Result = "42"
	if err := mgr.Update(sess); err != nil {
		t.Fatalf("update error: %v", err)
	}

	loaded, err := mgr.Get("s1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if loaded.Status != StatusComplete || loaded.Result != "42" || loaded.Turns != 1 {
		t.Errorf("footer not restored: %+v", loaded)
	}
	if len(loaded.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(loaded.Events))
	}
	if loaded.Events[0].Type != events.TypeRouting || loaded.Events[0].Route != state.RouteEngineer {
		t.Errorf("routing event wrong: %+v", loaded.Events[0])
	}
	if loaded.Events[1].Input != "SELECT 1" || loaded.Events[1].Lang != "sql" {
		t.Errorf("action event wrong: %+v", loaded.Events[1])
	}
	final := loaded.Events[2]
	if final.Metrics == nil || final.Metrics.Completeness != 0.5 {
		t.Errorf("metrics lost: %+v", final)
	}
	if loaded.CurrentSeqID() != 3 {
		t.Errorf("sequence counter not restored: %d", loaded.CurrentSeqID())
	}
}

func TestSession_SequenceIDs(t *testing.T) {
	sess := &Session{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.AddEvent(Event{Event: events.Thought("x")})
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, e := range sess.Events {
		if seen[e.SeqID] {
			t.Errorf("duplicate seq %d", e.SeqID)
		}
		seen[e.SeqID] = true
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	}
	if sess.CurrentSeqID() != 50 {
		t.Errorf("expected seq 50, got %d", sess.CurrentSeqID())
	}
}

func TestFileStore_NotFound(t *testing.T) {
	_, store := newManager(t)
	if _, err := store.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_JSONLLayout(t *testing.T) {
	mgr, store := newManager(t)
	sess, _ := mgr.Create("s1")
	sess.AddEvent(Event{Event: events.Thought("hello")})
	mgr.Update(sess)

	data, err := os.ReadFile(store.Path("s1"))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, event, footer; got %d lines", len(lines))
	}
	for i, want := range []string{`"_type":"header"`, `"_type":"event"`, `"_type":"footer"`} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d missing %s: %s", i, want, lines[i])
		}
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(store.Path("s1")), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestRead_TolerantOfMissingNewline(t *testing.T) {
	input := `{"_type":"header","id":"s9"}
{"_type":"event","seq":1,"type":"thought","text":"hi"}
{"_type":"footer","status":"complete","turns":2}`

	sess, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if sess.ID != "s9" || sess.Status != StatusComplete || sess.Turns != 2 || len(sess.Events) != 1 {
		t.Errorf("unexpected session: %+v", sess)
	}
}

func TestRead_BadLine(t *testing.T) {
	if _, err := Read(strings.NewReader("{not json}\n")); err == nil {
		t.Error("expected parse error")
	}
}

func TestRecorder_Turns(t *testing.T) {
	mgr, _ := newManager(t)
	rec := NewRecorder(mgr)
	ctx := context.Background()

	// Turn 1 pauses for approval.
	rec.Emit(ctx, "s1", events.Routing(state.RouteEngineer))
	rec.Emit(ctx, "s1", events.Interrupt(state.NodeEngineer))

	sess, err := mgr.Get("s1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if sess.Status != StatusInterrupted || sess.Turns != 1 || len(sess.Events) != 2 {
		t.Errorf("after interrupt: %+v", sess)
	}

	// Turn 2 resumes and completes.
	rec.Emit(ctx, "s1", events.NodeStart(state.NodeEngineer))
	rec.Emit(ctx, "s1", events.AuditStart())
	rec.Emit(ctx, "s1", events.Final("42", audit.Failed()))

	sess, _ = mgr.Get("s1")
	if sess.Status != StatusComplete || sess.Turns != 2 || sess.Result != "42" {
		t.Errorf("after final: %+v", sess)
	}
	if sess.Events[2].Turn != 2 || sess.Events[0].Turn != 1 {
		t.Errorf("turn numbers wrong: %d, %d", sess.Events[0].Turn, sess.Events[2].Turn)
	}

	// Turn 3 fails.
	rec.Emit(ctx, "s1", events.Failure(errors.New("recursion limit exceeded")))
	sess, _ = mgr.Get("s1")
	if sess.Status != StatusFailed || sess.Error != "recursion limit exceeded" || sess.Turns != 3 {
		t.Errorf("after error: %+v", sess)
	}
}

func TestRecorder_ReopensExistingLog(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	first := NewRecorder(mgr)
	first.Emit(ctx, "s1", events.Final("a", audit.Failed()))

	second := NewRecorder(mgr)
	second.Emit(ctx, "s1", events.Routing(state.RouteFinish))

	sess, _ := mgr.Get("s1")
	if len(sess.Events) != 2 || sess.Turns != 2 {
		t.Errorf("expected the log to continue, got %d events over %d turns", len(sess.Events), sess.Turns)
	}
	if sess.Events[1].SeqID != 2 {
		t.Errorf("sequence should continue, got %d", sess.Events[1].SeqID)
	}
}

func cachedLogs(r *Recorder) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func TestRecorder_ReleasesFinishedTurns(t *testing.T) {
	mgr, _ := newManager(t)
	rec := NewRecorder(mgr)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("s%d", i)
		rec.Emit(ctx, id, events.Routing(state.RouteEngineer))
		rec.Emit(ctx, id, events.NodeStart(state.NodeEngineer))
		switch i % 3 {
		case 0:
			rec.Emit(ctx, id, events.Final("done", audit.Failed()))
		case 1:
			rec.Emit(ctx, id, events.Interrupt(state.NodeScientist))
		case 2:
			rec.Emit(ctx, id, events.Failure(errors.New("boom")))
		}
	}
	if n := cachedLogs(rec); n != 0 {
		t.Errorf("expected no cached logs after every turn ended, got %d", n)
	}

	rec.Emit(ctx, "live", events.Routing(state.RouteEngineer))
	if n := cachedLogs(rec); n != 1 {
		t.Errorf("expected the in-flight turn to stay cached, got %d", n)
	}

	// A released log is reloaded from disk and continues.
	rec.Emit(ctx, "s1", events.NodeStart(state.NodeScientist))
	rec.Emit(ctx, "s1", events.Final("later", audit.Failed()))
	sess, err := mgr.Get("s1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if sess.Turns != 2 || len(sess.Events) != 5 || sess.Events[4].SeqID != 5 {
		t.Errorf("expected the log to continue, got %d events over %d turns", len(sess.Events), sess.Turns)
	}
}

func TestRecorder_ForgetStartsFreshLog(t *testing.T) {
	mgr, store := newManager(t)
	rec := NewRecorder(mgr)
	ctx := context.Background()

	rec.Emit(ctx, "s1", events.Routing(state.RouteEngineer))
	rec.Emit(ctx, "s1", events.Final("a", audit.Failed()))
	rec.Emit(ctx, "s1", events.Routing(state.RouteScientist))

	if err := rec.Forget(ctx, "s1"); err != nil {
		t.Fatalf("forget error: %v", err)
	}
	if _, err := os.Stat(store.Path("s1")); !os.IsNotExist(err) {
		t.Errorf("expected log file removed, stat returned %v", err)
	}
	if _, err := mgr.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rec.Emit(ctx, "s1", events.Routing(state.RouteFinish))
	sess, err := mgr.Get("s1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if sess.Turns != 1 || len(sess.Events) != 1 || sess.Events[0].SeqID != 1 {
		t.Errorf("expected a fresh log, got %d events over %d turns", len(sess.Events), sess.Turns)
	}

	if err := rec.Forget(ctx, "never-recorded"); err != nil {
		t.Errorf("forgetting an unknown session should succeed, got %v", err)
	}
}

// gatedStore blocks saves of one session until the gate opens.
type gatedStore struct {
	*FileStore
	blocked string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedStore) Save(sess *Session) error {
	if sess.ID == s.blocked {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.FileStore.Save(sess)
}

func TestRecorder_SessionsWriteIndependently(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store error: %v", err)
	}
	store := &gatedStore{FileStore: fs, blocked: "slow", entered: make(chan struct{}), gate: make(chan struct{})}
	rec := NewRecorder(NewManager(store))
	ctx := context.Background()

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		rec.Emit(ctx, "slow", events.Routing(state.RouteEngineer))
	}()
	<-store.entered

	fastDone := make(chan error, 1)
	go func() { fastDone <- rec.Emit(ctx, "fast", events.Routing(state.RouteEngineer)) }()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Errorf("emit error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("a slow session log blocked another session")
	}

	close(store.gate)
	<-slowDone
}
