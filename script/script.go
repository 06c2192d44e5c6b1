// Package script compiles and evaluates user-supplied scoring scripts.
// Scripts see the analysis target and the outputs of completed steps as
// globals and return a plain Go value.
package script

import (
	"context"
)

// Value is the result of a script evaluation.
type Value interface {

	// Value returns the Go value for this value as an any
	Value() any

	// String returns the string representation of this value
	String() string

	// IsTruthy returns true if this value is truthy
	IsTruthy() bool
}

// Script is a compiled script ready for repeated evaluation.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
