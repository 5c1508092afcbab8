package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/datalens/internal/audit"
	"github.com/vinayprograms/datalens/internal/checkpoint"
	"github.com/vinayprograms/datalens/internal/config"
	"github.com/vinayprograms/datalens/internal/engine"
	"github.com/vinayprograms/datalens/internal/events"
	"github.com/vinayprograms/datalens/internal/graph"
	"github.com/vinayprograms/datalens/internal/publish"
	"github.com/vinayprograms/datalens/internal/router"
	"github.com/vinayprograms/datalens/internal/session"
	"github.com/vinayprograms/datalens/internal/state"
	"github.com/vinayprograms/datalens/internal/tools"
	"github.com/vinayprograms/datalens/internal/worker"
)

// runtime wires the engine from configuration.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials
	mode  graph.Mode

	// Components
	provider  llm.Provider
	routerLLM llm.Provider
	telem     telemetry.Exporter
	store     checkpoint.Store
	warehouse *tools.Warehouse
	golden    *tools.GoldenIndex
	logStore  *session.FileStore
	recorder  *session.Recorder
	publisher *publish.Publisher
	exec      *graph.Executor
	engine    *engine.Engine

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime. An empty mode uses the configured one.
func newRuntime(cfg *config.Config, creds *credentials.Credentials, mode string) (*runtime, error) {
	if mode == "" {
		mode = cfg.Engine.Mode
	}
	m, err := graph.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, creds: creds, mode: m}, nil
}

// setup creates every component. Call cleanup when done, even on error.
func (rt *runtime) setup(ctx context.Context) error {
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.createProviders(); err != nil {
		return err
	}
	if err := rt.openStore(ctx); err != nil {
		return err
	}
	if err := rt.openWarehouse(); err != nil {
		return err
	}
	if err := rt.loadGolden(ctx); err != nil {
		return err
	}
	if err := rt.createExecutor(); err != nil {
		return err
	}
	if err := rt.setupSinks(); err != nil {
		return err
	}
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// createProviders creates the worker/judge model and the router model.
func (rt *runtime) createProviders() error {
	var err error
	rt.provider, err = rt.newProvider(rt.cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	if rt.cfg.SmallLLM.Model == "" {
		rt.routerLLM = rt.provider
		return nil
	}
	rt.routerLLM, err = rt.newProvider(rt.cfg.Router())
	if err != nil {
		return fmt.Errorf("creating router LLM provider: %w", err)
	}
	return nil
}

func (rt *runtime) newProvider(c config.LLMConfig) (llm.Provider, error) {
	name := c.Provider
	if name == "" {
		name = llm.InferProviderFromModel(c.Model)
	}
	if name == "" && c.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}

	p, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    name,
		Model:       c.Model,
		APIKey:      rt.apiKey(name, c),
		MaxTokens:   c.MaxTokens,
		BaseURL:     c.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(c.Thinking)},
		RetryConfig: parseRetryConfig(c.MaxRetries, c.RetryBackoff),
	})
	if err != nil {
		return nil, err
	}
	return withTimeout(p, rt.cfg.Engine.LLMTimeout.Duration), nil
}

// apiKey prefers credentials.toml and falls back to the environment.
func (rt *runtime) apiKey(provider string, c config.LLMConfig) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	return c.APIKey()
}

// openStore opens the checkpoint backend.
func (rt *runtime) openStore(ctx context.Context) error {
	store, err := checkpoint.Open(ctx, checkpoint.Options{
		Backend:  rt.cfg.Storage.Backend,
		Path:     rt.cfg.StoragePath(),
		RedisURL: rt.cfg.Storage.RedisURL,
		RedisTTL: rt.cfg.Storage.RedisTTL.Duration,
	})
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	rt.store = store
	if c, ok := store.(io.Closer); ok {
		rt.addCloser(func() { c.Close() })
	}
	return nil
}

// openWarehouse opens the analytical database.
func (rt *runtime) openWarehouse() error {
	if rt.cfg.Warehouse.Path == "" {
		return fmt.Errorf("warehouse.path not configured")
	}
	schema, err := rt.cfg.WarehouseSchema()
	if err != nil {
		return err
	}
	rt.warehouse, err = tools.OpenWarehouse(tools.WarehouseConfig{
		Path:    config.ExpandHome(rt.cfg.Warehouse.Path),
		Schema:  schema,
		MaxRows: rt.cfg.Warehouse.MaxRows,
	})
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	rt.addCloser(func() { rt.warehouse.Close() })
	return nil
}

// loadGolden loads the golden query library and optionally follows edits.
func (rt *runtime) loadGolden(ctx context.Context) error {
	path := rt.cfg.Golden.Path
	var err error
	if path == "" {
		rt.golden, err = tools.NewGoldenIndex()
	} else {
		path = config.ExpandHome(path)
		rt.golden, err = tools.LoadGoldenFile(path)
	}
	if err != nil {
		return fmt.Errorf("loading golden queries: %w", err)
	}
	if path != "" && rt.cfg.Golden.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		rt.addCloser(cancel)
		if err := rt.golden.Watch(watchCtx, path); err != nil {
			return err
		}
	}
	return nil
}

// createExecutor builds the workers, router, auditor, executor and engine.
func (rt *runtime) createExecutor() error {
	policy := state.ContextPolicy{
		MaxBytes:   rt.cfg.Engine.MaxHistoryBytes,
		KeepRecent: rt.cfg.Engine.KeepRecent,
	}
	opts := []worker.Option{
		worker.WithMaxIterations(rt.cfg.Engine.WorkerMaxIterations),
		worker.WithToolTimeout(rt.cfg.Engine.ToolTimeout.Duration),
		worker.WithContextPolicy(policy),
	}

	engineer := worker.NewEngineer(rt.provider, tools.EngineerTools(rt.warehouse, rt.golden), opts...)
	scientist := worker.NewScientist(rt.provider, tools.ScientistTools(rt.warehouse), rt.golden, opts...)

	var err error
	rt.exec, err = graph.New(graph.Config{
		Router: router.New(rt.routerLLM, router.WithContextPolicy(policy)),
		Workers: map[state.Node]graph.Worker{
			state.NodeEngineer:  engineer,
			state.NodeScientist: scientist,
		},
		Store:    rt.store,
		Mode:     rt.mode,
		MaxSteps: rt.cfg.Engine.MaxSteps,
		Schema:   rt.warehouse.Schema,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	rt.engine = engine.New(engine.Config{
		Executor:   rt.exec,
		Translator: events.NewTranslator(rt.cfg.Engine.ObservationLimit),
		Auditor:    audit.New(rt.provider),
	})
	return nil
}

// setupSinks attaches the session log, telemetry and NATS publisher.
func (rt *runtime) setupSinks() error {
	var err error
	rt.logStore, err = session.NewFileStore(rt.cfg.SessionLogDir())
	if err != nil {
		return fmt.Errorf("creating session log directory: %w", err)
	}
	rt.recorder = session.NewRecorder(session.NewManager(rt.logStore))
	rt.engine.AddSink(rt.recorder)
	rt.engine.AddSink(telemetrySink{rt.telem})

	if rt.cfg.NATS.URL != "" {
		rt.publisher, err = publish.Connect(rt.cfg.NATS.URL, rt.cfg.NATS.Subject)
		if err != nil {
			return err
		}
		rt.addCloser(func() { rt.publisher.Close() })
		rt.engine.AddSink(rt.publisher)
	}
	return nil
}

// cleanup runs closers in reverse order.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// telemetrySink forwards stream events to the telemetry exporter.
type telemetrySink struct {
	telem telemetry.Exporter
}

func (s telemetrySink) Emit(ctx context.Context, sessionID string, ev events.Event) error {
	attrs := map[string]interface{}{"session": sessionID}
	switch ev.Type {
	case events.TypeRouting:
		attrs["route"] = string(ev.Route)
	case events.TypeNodeStart, events.TypeInterrupt:
		attrs["node"] = string(ev.Node)
	case events.TypeAction:
		attrs["tool"] = ev.Name
	case events.TypeFinal:
		if ev.Metrics != nil {
			attrs["groundedness"] = ev.Metrics.Groundedness
			attrs["completeness"] = ev.Metrics.Completeness
		}
	case events.TypeError:
		attrs["error"] = ev.Error
	}
	s.telem.LogEvent(string(ev.Type), attrs)
	return nil
}

// timeoutProvider bounds every model call.
type timeoutProvider struct {
	llm.Provider
	timeout time.Duration
}

func withTimeout(p llm.Provider, d time.Duration) llm.Provider {
	if d <= 0 {
		return p
	}
	return timeoutProvider{Provider: p, timeout: d}
}

func (p timeoutProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Provider.Chat(ctx, req)
}
