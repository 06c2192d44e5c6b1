package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles scoring scripts with the Risor language. Engine
// globals are available to every script; evaluation globals are merged on
// top per call.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates an engine with the given base globals. Pass
// DefaultGlobals() for the standard builtins.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	// Per-evaluation globals must be declared at compile time too.
	globalNames = append(globalNames, "target", "results")
	sort.Strings(globalNames)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &risorScript{engine: e, code: compiled}, nil
}

type risorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &risorValue{obj: result}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return convertObject(v.obj)
}

func (v *risorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

func (v *risorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return fmt.Sprintf("%d", obj.Value())
	case *object.Float:
		return fmt.Sprintf("%g", obj.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", obj.Value())
	case *object.Time:
		return obj.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	default:
		return obj.Inspect()
	}
}

// DefaultGlobals returns the standard builtins available to every script.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	return globals
}
