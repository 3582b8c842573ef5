// Package expr implements the sandboxed expression language used for
// gateway conditions, multi-instance completion predicates and script
// tasks.
//
// Expressions are wrapped in ${ ... } and evaluate against a variable
// context. The language is deliberately small: literals, identifier
// property/index chains, arithmetic, comparisons, boolean connectives and
// a fixed set of safe builtins. There is no attribute access beyond
// property and index lookup and no user-defined functions.
package expr

import "fmt"

// SyntaxError reports a malformed expression: an unrecognized token or a
// structure the grammar does not admit.
type SyntaxError struct {
	Message string
	Pos     int
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression syntax error at %d: %s", e.Pos, e.Message)
}

// EvalError reports a runtime evaluation failure: an undefined identifier,
// an out-of-bounds index or an operand of the wrong shape.
type EvalError struct {
	Message string
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return "expression evaluation error: " + e.Message
}

func evalErrorf(format string, args ...any) *EvalError {
	return &EvalError{Message: fmt.Sprintf(format, args...)}
}
