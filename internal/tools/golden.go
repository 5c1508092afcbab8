package tools

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
	"gopkg.in/yaml.v3"
)

//go:embed data/golden.yaml
var builtinGolden []byte

// GoldenQuery is a verified SQL pattern.
type GoldenQuery struct {
	Title string `yaml:"title" json:"title"`
	SQL   string `yaml:"sql" json:"sql"`
}

// String renders the query the way it is shown to the model.
func (q GoldenQuery) String() string {
	return q.Title + ": " + q.SQL
}

type goldenFile struct {
	Queries []GoldenQuery `yaml:"queries"`
}

// GoldenIndex is a full-text index over golden queries.
type GoldenIndex struct {
	mu      sync.RWMutex
	index   bleve.Index
	queries map[string]GoldenQuery
	logger  *logging.Logger
}

// NewGoldenIndex builds an index from the embedded query library.
func NewGoldenIndex() (*GoldenIndex, error) {
	g := &GoldenIndex{logger: logging.New().WithComponent("golden")}
	if err := g.Load(builtinGolden); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGoldenFile builds an index from a YAML file.
func LoadGoldenFile(path string) (*GoldenIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden queries: %w", err)
	}
	g := &GoldenIndex{logger: logging.New().WithComponent("golden")}
	if err := g.Load(data); err != nil {
		return nil, err
	}
	return g, nil
}

func buildGoldenMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", textField)
	doc.AddFieldMappingsAt("sql", textField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Load replaces the indexed queries with the YAML document in data.
func (g *GoldenIndex) Load(data []byte) error {
	var file goldenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse golden queries: %w", err)
	}

	index, err := bleve.NewMemOnly(buildGoldenMapping())
	if err != nil {
		return fmt.Errorf("failed to create golden index: %w", err)
	}
	queries := make(map[string]GoldenQuery, len(file.Queries))
	for i, q := range file.Queries {
		if strings.TrimSpace(q.SQL) == "" {
			continue
		}
		id := fmt.Sprintf("q%03d", i)
		if err := index.Index(id, q); err != nil {
			index.Close()
			return fmt.Errorf("failed to index golden query %q: %w", q.Title, err)
		}
		queries[id] = q
	}

	g.mu.Lock()
	old := g.index
	g.index = index
	g.queries = queries
	g.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Len returns the number of indexed queries.
func (g *GoldenIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.queries)
}

// All returns every indexed query in library order.
func (g *GoldenIndex) All() []GoldenQuery {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.queries))
	for id := range g.queries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]GoldenQuery, len(ids))
	for i, id := range ids {
		out[i] = g.queries[id]
	}
	return out
}

// Search returns up to limit queries ranked by relevance.
func (g *GoldenIndex) Search(term string, limit int) ([]GoldenQuery, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(term))
	req.Size = limit

	res, err := g.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var out []GoldenQuery
	for _, hit := range res.Hits {
		if q, ok := g.queries[hit.ID]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// Watch reloads the index whenever the file at path changes, until ctx is done.
func (g *GoldenIndex) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch golden queries: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Debounce: wait a bit for writes to settle
				time.Sleep(100 * time.Millisecond)
				g.reload(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.logger.Warn("golden watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}

func (g *GoldenIndex) reload(path string) {
	data, err := os.ReadFile(path)
	if err == nil {
		err = g.Load(data)
	}
	if err != nil {
		g.logger.Warn("golden reload failed, keeping previous index", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return
	}
	g.logger.Info("golden queries reloaded", map[string]interface{}{"path": path, "count": g.Len()})
}

// goldenSearchTool exposes the index to the engineer.
type goldenSearchTool struct {
	index *GoldenIndex
}

func (t *goldenSearchTool) Name() string { return "search_golden_queries" }

func (t *goldenSearchTool) Description() string {
	return "Search the library of 'Golden SQL Queries' matching the user's request. " +
		"Use this tool FIRST if you are unsure about exact SQL syntax or table schemas."
}

func (t *goldenSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"search_term": map[string]interface{}{
				"type":        "string",
				"description": "What the query needs to do, in plain words",
			},
		},
		"required": []string{"search_term"},
	}
}

func (t *goldenSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	term, err := requireString(args, "search_term")
	if err != nil {
		return "", err
	}

	hits, err := t.index.Search(term, 2)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "Observation: No matching golden queries found. Proceed with standard SQL.", nil
	}

	lines := make([]string, len(hits))
	for i, q := range hits {
		lines[i] = fmt.Sprintf("EXAMPLE %d: %s", i+1, q)
	}
	return "Observation: Found verified SQL patterns:\n" + strings.Join(lines, "\n"), nil
}
