package neuron

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ValidationError carries the structured feedback the generator consumes
// on retry.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "code validation failed: " + strings.Join(e.Problems, "; ")
}

// Feedback renders the problems as a numbered list for the retry prompt.
func (e *ValidationError) Feedback() string {
	var b strings.Builder
	for i, p := range e.Problems {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	return b.String()
}

// forbiddenImports are packages a generated program may never touch. The
// sandbox enforces its own allowlist; rejecting here gives the generator a
// readable complaint instead of a runtime failure.
var forbiddenImports = []string{
	"os", "os/exec", "net", "net/http", "syscall", "unsafe",
	"runtime", "plugin", "path/filepath",
}

// Validator checks generated programs without calling the model.
type Validator struct{}

// NewValidator creates a code validator.
func NewValidator() *Validator { return &Validator{} }

// Validate checks that the program parses, publishes through SetResult,
// names the selected tool, and avoids forbidden constructs. Returns a
// *ValidationError listing every problem found.
func (v *Validator) Validate(code, toolName string) error {
	var problems []string

	if strings.Contains(code, "```") {
		problems = append(problems, "program contains markdown fences; output plain Go source")
	}
	if strings.HasPrefix(strings.TrimSpace(code), "#!") {
		problems = append(problems, "program starts with a shell shebang; output plain Go source")
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", code, 0)
	if err != nil {
		problems = append(problems, fmt.Sprintf("program does not parse: %v", err))
		return &ValidationError{Problems: problems}
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		for _, banned := range forbiddenImports {
			if path == banned {
				problems = append(problems, fmt.Sprintf("forbidden import %q", path))
			}
		}
	}

	if !callsSetResult(file) {
		problems = append(problems, "program never calls SetResult; the result would be lost")
	}
	if toolName != "" && !strings.Contains(code, toolName) {
		problems = append(problems, fmt.Sprintf("program does not reference the selected tool %q", toolName))
	}
	if !hasMain(file) {
		problems = append(problems, "program has no main function")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func callsSetResult(file *ast.File) bool {
	found := false
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.SelectorExpr:
			if fn.Sel.Name == "SetResult" {
				found = true
			}
		case *ast.Ident:
			if fn.Name == "SetResult" {
				found = true
			}
		}
		return !found
	})
	return found
}

func hasMain(file *ast.File) bool {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == "main" && fn.Recv == nil {
			return true
		}
	}
	return false
}
