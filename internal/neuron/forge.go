package neuron

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"synapse/internal/logging"
	"synapse/internal/types"
)

// ForgeResult is the forge's output: a full replacement source file with a
// validation verdict. Callers must not deploy when Valid is false.
type ForgeResult struct {
	Source    string
	EntryName string
	Valid     bool
	Feedback  string
}

// Forge writes complete tool source files. Used only by autonomous
// improvement and operator-driven tool creation, never in the per-goal
// pipeline.
type Forge struct {
	llm  types.LLMClient
	sink types.EventSink
}

// NewForge creates a tool forge.
func NewForge(llm types.LLMClient, sink types.EventSink) *Forge {
	return &Forge{llm: llm, sink: sink}
}

const forgeComponent = "tool_forge"

// ForgeTool produces a replacement source for a tool. currentSource and
// failureAnalysis are optional; when present the model is asked to fix the
// observed failures rather than rewrite from scratch.
func (f *Forge) ForgeTool(ctx context.Context, description, currentSource, failureAnalysis string) (*ForgeResult, error) {
	start := time.Now()
	emitStarted(f.sink, "", forgeComponent)

	var b strings.Builder
	fmt.Fprintf(&b, "Tool description: %s\n", description)
	if currentSource != "" {
		fmt.Fprintf(&b, "\nCurrent source:\n%s\n", currentSource)
	}
	if failureAnalysis != "" {
		fmt.Fprintf(&b, "\nObserved failures:\n%s\n", failureAnalysis)
	}
	b.WriteString("\nSource file:")

	reply, err := f.llm.CompleteWithSystem(ctx, forgeSystemPrompt, b.String())
	emitStep(f.sink, "", forgeComponent, start, err)
	if err != nil {
		return nil, fmt.Errorf("forge tool: %w", err)
	}

	result := &ForgeResult{Source: stripFences(reply), EntryName: "Execute"}
	result.Valid, result.Feedback = validateToolSource(result.Source)
	if !result.Valid {
		logging.Neurons("forged source rejected: %s", result.Feedback)
	}
	return result, nil
}

// validateToolSource checks the tool contract: parseable package main
// exposing Execute and the Describe introspection entry point.
func validateToolSource(src string) (bool, string) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "tool.go", src, 0)
	if err != nil {
		return false, fmt.Sprintf("source does not parse: %v", err)
	}

	var problems []string
	if file.Name.Name != "main" {
		problems = append(problems, fmt.Sprintf("package %q, want main", file.Name.Name))
	}

	funcs := map[string]bool{}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil {
			funcs[fn.Name.Name] = true
		}
	}
	if !funcs["Execute"] {
		problems = append(problems, "missing Execute entry point")
	}
	if !funcs["Describe"] {
		problems = append(problems, "missing Describe introspection entry point")
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		for _, banned := range forbiddenImports {
			if path == banned {
				problems = append(problems, fmt.Sprintf("forbidden import %q", path))
			}
		}
	}

	if len(problems) > 0 {
		return false, strings.Join(problems, "; ")
	}
	return true, ""
}

const forgeSystemPrompt = `You write complete Go tool files for an interpreted tool runtime.

A tool file is a "package main" source that defines:
- Execute(params map[string]any) (map[string]any, error): the entry point.
- Describe() map[string]any: returns {"description": string, "parameters": {name: {"type", "description", "required"}}, "tags": {"domain", "concepts", "actions", "synonyms"}}.

Rules:
- Only import from the Go standard library.
- No file, network, or process access.
- Output only Go source. No markdown fences, no commentary.`
