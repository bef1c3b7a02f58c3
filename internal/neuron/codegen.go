package neuron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"synapse/internal/registry"
	"synapse/internal/sandbox"
	"synapse/internal/types"
)

// Generator produces the short program that calls the selected tool and
// publishes its return value through SetResult.
type Generator struct {
	llm  types.LLMClient
	sink types.EventSink
}

// NewGenerator creates a code generator.
func NewGenerator(llm types.LLMClient, sink types.EventSink) *Generator {
	return &Generator{llm: llm, sink: sink}
}

const generatorComponent = "code_generator"

// Generate produces the program for a goal and tool. feedback carries the
// validator's structured complaint from a prior attempt; empty on the first
// try.
func (g *Generator) Generate(ctx context.Context, goalID, goal string, tool *registry.Tool, feedback string) (string, error) {
	start := time.Now()
	emitStarted(g.sink, goalID, generatorComponent)

	code, err := g.generate(ctx, goal, tool, feedback)
	emitStep(g.sink, goalID, generatorComponent, start, err)
	return code, err
}

func (g *Generator) generate(ctx context.Context, goal string, tool *registry.Tool, feedback string) (string, error) {
	prompt := generatorPrompt(goal, tool, feedback)
	reply, err := g.llm.CompleteWithSystem(ctx, generatorSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("generate program for %q: %w", goal, err)
	}
	code := stripFences(reply)
	if code == "" {
		return "", fmt.Errorf("generate program for %q: empty reply", goal)
	}
	return code, nil
}

var generatorSystemPrompt = fmt.Sprintf(`You write short Go programs that call one tool and publish its result.

Rules:
- Write a complete "package main" program.
- The tool's Execute(params map[string]any) (map[string]any, error) function is already defined; call it, do not redefine it.
- Import %q and publish the result with %s.SetResult(result). On error, publish a map with an "error" key.
- Extract the call arguments from the goal text.
- Only import from the Go standard library besides %q.
- Output only Go source. No markdown, no shell commands, no commentary.`,
	sandbox.ResultImportPath, sandbox.ResultImportPath, sandbox.ResultImportPath)

func generatorPrompt(goal string, tool *registry.Tool, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nTool: %s\nDescription: %s\n", goal, tool.Name, tool.Description)

	if len(tool.Params) > 0 {
		b.WriteString("Parameters:\n")
		names := make([]string, 0, len(tool.Params))
		for name := range tool.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := tool.Params[name]
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "- %s (%s%s): %s\n", name, p.Type, req, p.Description)
		}
	}

	// The validator checks that the program names its tool.
	fmt.Fprintf(&b, "\nStart the program with the comment: // tool: %s\n", tool.Name)

	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected:\n%s\nFix these problems.\n", feedback)
	}
	b.WriteString("\nProgram:")
	return b.String()
}
