// Package registry maintains the in-memory tool catalogue loaded from a
// flat directory of Go source files, one file per tool, keyed by tool name.
// The catalogue is an immutable snapshot swapped atomically on Refresh, so
// in-flight executions keep the tool version they started with.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"synapse/internal/logging"
	"synapse/internal/sandbox"
)

// ErrToolNotFound is returned for names absent from the catalogue.
var ErrToolNotFound = errors.New("tool not found")

// Param describes one entry of a tool's parameter schema.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// Tags are the optional semantic tags a tool declares for discovery.
type Tags struct {
	Domain   string   `json:"domain,omitempty"`
	Concepts []string `json:"concepts,omitempty"`
	Actions  []string `json:"actions,omitempty"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// Tool is one catalogue entry. Source is held in memory so executions after
// a Refresh keep running the snapshot they were selected from.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Params      map[string]Param `json:"parameters,omitempty"`
	Tags        Tags             `json:"tags,omitempty"`
	SourcePath  string           `json:"-"`
	Source      string           `json:"-"`
	LoadedAt    time.Time        `json:"-"`
}

// Document renders the tool as the text indexed by semantic discovery.
func (t *Tool) Document() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte(' ')
	b.WriteString(t.Description)
	names := make([]string, 0, len(t.Params))
	for name := range t.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s: %s", name, t.Params[name].Description)
	}
	for _, s := range t.Tags.Concepts {
		b.WriteByte(' ')
		b.WriteString(s)
	}
	for _, s := range t.Tags.Synonyms {
		b.WriteByte(' ')
		b.WriteString(s)
	}
	return b.String()
}

type catalogue struct {
	tools map[string]*Tool
}

// Registry is the refreshable catalogue. Reads never block: Get and List
// work on the snapshot current at call time.
type Registry struct {
	dir      string
	executor *sandbox.Executor
	current  atomic.Pointer[catalogue]
}

// New creates a registry over the tool directory. Call Refresh to load.
func New(dir string, executor *sandbox.Executor) *Registry {
	r := &Registry{dir: dir, executor: executor}
	r.current.Store(&catalogue{tools: map[string]*Tool{}})
	return r
}

// Dir returns the tool directory.
func (r *Registry) Dir() string { return r.dir }

// SourcePath returns the on-disk location for a tool name. One policy for
// the whole system: <dir>/<name>.go, no alternate patterns probed.
func (r *Registry) SourcePath(name string) string {
	return filepath.Join(r.dir, name+".go")
}

// Refresh reloads the catalogue from disk and swaps it in atomically.
// Files that fail to load are skipped with a logged error; one bad tool
// never takes down the rest of the catalogue.
func (r *Registry) Refresh() error {
	timer := logging.StartTimer(logging.CategoryRegistry, "refresh")
	defer timer.Stop()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create tool directory: %w", err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read tool directory: %w", err)
	}

	next := &catalogue{tools: make(map[string]*Tool)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".go")
		tool, err := r.loadTool(name)
		if err != nil {
			logging.Get(logging.CategoryRegistry).Error("skipping tool %s: %v", name, err)
			continue
		}
		next.tools[name] = tool
	}

	r.current.Store(next)
	logging.Registry("catalogue refreshed: %d tools from %s", len(next.tools), r.dir)
	return nil
}

// loadTool reads and introspects one tool source file. Instantiation is
// lazy: the interpreter only runs Describe here; Execute runs per call.
func (r *Registry) loadTool(name string) (*Tool, error) {
	path := r.SourcePath(name)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta, err := r.executor.Describe(context.Background(), string(src))
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}

	tool := &Tool{
		Name:       name,
		SourcePath: path,
		Source:     string(src),
		LoadedAt:   time.Now(),
		Params:     map[string]Param{},
	}
	if d, ok := meta["description"].(string); ok {
		tool.Description = d
	}
	if params, ok := meta["parameters"].(map[string]any); ok {
		for pname, raw := range params {
			spec, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			p := Param{}
			if t, ok := spec["type"].(string); ok {
				p.Type = t
			}
			if d, ok := spec["description"].(string); ok {
				p.Description = d
			}
			if req, ok := spec["required"].(bool); ok {
				p.Required = req
			}
			tool.Params[pname] = p
		}
	}
	if tags, ok := meta["tags"].(map[string]any); ok {
		if d, ok := tags["domain"].(string); ok {
			tool.Tags.Domain = d
		}
		tool.Tags.Concepts = stringSlice(tags["concepts"])
		tool.Tags.Actions = stringSlice(tags["actions"])
		tool.Tags.Synonyms = stringSlice(tags["synonyms"])
	}
	return tool, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the tool from the current snapshot.
func (r *Registry) Get(name string) (*Tool, bool) {
	tool, ok := r.current.Load().tools[name]
	return tool, ok
}

// Has reports whether a tool name is in the catalogue.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	snap := r.current.Load()
	out := make([]*Tool, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// WriteToolSource atomically writes a tool's source file. Written to a temp
// file in the same directory first so a crash never leaves a torn tool.
func (r *Registry) WriteToolSource(name, code string) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create tool directory: %w", err)
	}
	path := r.SourcePath(name)
	tmp, err := os.CreateTemp(r.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	logging.Registry("wrote source for %s (%d bytes)", name, len(code))
	return nil
}

// Execute runs a generated program against the named tool's source in the
// sandbox. The program carries the call: the registry only supplies the
// tool source matching the snapshot.
func (r *Registry) Execute(ctx context.Context, name, program string) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	return r.executor.RunProgram(ctx, tool.Source, program)
}
