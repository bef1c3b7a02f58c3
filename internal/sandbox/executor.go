// Package sandbox executes generated programs in an embedded yaegi
// interpreter. Programs run isolated from the host address space apart from
// an injected SetResult callback, importable as "sandbox", through which a
// program publishes its single return value.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"synapse/internal/logging"
)

// ResultImportPath is the import path generated programs use to reach the
// SetResult callback.
const ResultImportPath = "sandbox"

// ExecError is a structured sandbox failure. Stage tells recovery whether
// the program failed to load or failed while running.
type ExecError struct {
	Stage string // "imports", "eval", "run", "timeout"
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Executor runs Go source in a fresh interpreter per call. Interpreters are
// never reused across programs, so one program cannot observe another.
type Executor struct {
	allowed map[string]bool
	timeout time.Duration
}

// defaultTimeout bounds a single program's wall clock. CPU limits are not
// enforced; the context deadline covers the runaway-loop case well enough
// for interpreted tool code.
const defaultTimeout = 30 * time.Second

// NewExecutor creates an executor with the stdlib allowlist.
func NewExecutor() *Executor {
	return &Executor{
		timeout: defaultTimeout,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"math/rand":       true,
			"regexp":          true,
			"errors":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"unicode":         true,
			ResultImportPath:  true,
			// Blocked: os, os/exec, net, net/http, syscall, unsafe,
			// path/filepath (tools never touch the host filesystem).
		},
	}
}

// SetTimeout overrides the per-program wall-clock bound.
func (e *Executor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// RunProgram evaluates the tool source and the generated program in one
// interpreter, runs the program's main, and returns whatever it published
// through SetResult. A program that never calls SetResult yields nil.
func (e *Executor) RunProgram(ctx context.Context, toolSource, program string) (any, error) {
	for _, src := range []string{toolSource, program} {
		if err := e.validateImports(src); err != nil {
			return nil, &ExecError{Stage: "imports", Err: err}
		}
	}

	var (
		mu     sync.Mutex
		result any
	)
	setResult := func(v any) {
		mu.Lock()
		result = v
		mu.Unlock()
	}

	i, err := e.newInterpreter(setResult)
	if err != nil {
		return nil, &ExecError{Stage: "eval", Err: err}
	}

	if toolSource != "" {
		if _, err := i.Eval(toolSource); err != nil {
			return nil, &ExecError{Stage: "eval", Err: fmt.Errorf("tool source: %w", err)}
		}
	}
	prog, err := i.Compile(program)
	if err != nil {
		return nil, &ExecError{Stage: "eval", Err: fmt.Errorf("program: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		_, err := i.Execute(prog)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, &ExecError{Stage: "run", Err: err}
		}
	case <-runCtx.Done():
		// The interpreter goroutine is abandoned; a fresh interpreter per
		// call keeps the leak contained to the runaway program.
		logging.Sandbox("program abandoned after %s", e.timeout)
		return nil, &ExecError{Stage: "timeout", Err: runCtx.Err()}
	}

	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// Describe evaluates a tool source and calls its Describe entry point,
// returning the introspection record. The evaluation runs under the same
// wall-clock bound as RunProgram, so a stalling tool cannot wedge a
// catalogue refresh.
func (e *Executor) Describe(ctx context.Context, toolSource string) (map[string]any, error) {
	if err := e.validateImports(toolSource); err != nil {
		return nil, &ExecError{Stage: "imports", Err: err}
	}

	i, err := e.newInterpreter(func(any) {})
	if err != nil {
		return nil, &ExecError{Stage: "eval", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type describeOut struct {
		meta map[string]any
		err  error
	}
	out := make(chan describeOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- describeOut{err: &ExecError{Stage: "run", Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		if _, err := i.Eval(toolSource); err != nil {
			out <- describeOut{err: &ExecError{Stage: "eval", Err: err}}
			return
		}
		v, err := i.Eval("main.Describe()")
		if err != nil {
			out <- describeOut{err: &ExecError{Stage: "run", Err: fmt.Errorf("Describe: %w", err)}}
			return
		}
		meta, ok := v.Interface().(map[string]any)
		if !ok {
			out <- describeOut{err: &ExecError{Stage: "run", Err: fmt.Errorf("Describe returned %T, want map[string]any", v.Interface())}}
			return
		}
		out <- describeOut{meta: meta}
	}()

	select {
	case got := <-out:
		return got.meta, got.err
	case <-runCtx.Done():
		logging.Sandbox("describe abandoned after %s", e.timeout)
		return nil, &ExecError{Stage: "timeout", Err: runCtx.Err()}
	}
}

func (e *Executor) newInterpreter(setResult func(any)) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	err := i.Use(interp.Exports{
		ResultImportPath + "/" + ResultImportPath: {
			"SetResult": reflect.ValueOf(setResult),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inject SetResult: %w", err)
	}
	return i, nil
}

// validateImports rejects source importing anything off the allowlist.
func (e *Executor) validateImports(code string) error {
	var forbidden []string
	for _, pkg := range extractImports(code) {
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func extractImports(code string) []string {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := unquoteImport(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := unquoteImport(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}
	return imports
}

func unquoteImport(s string) string {
	// Aliased imports ("x \"fmt\"") keep only the path.
	if idx := strings.Index(s, `"`); idx >= 0 {
		s = s[idx:]
	}
	return strings.Trim(s, `"`)
}
