// Package engine implements the token-based BPMN execution runtime:
// token lifecycle, node executors, gateway evaluation, subprocess and
// call-activity composition, multi-instance expansion, compensation, and
// the per-instance run loop.
package engine

import "fmt"

// TokenStateError reports a mutation attempted on a missing or
// wrong-state token. Inside a terminated instance this is benign (the
// cleanup raced the executor); anywhere else it is fatal.
type TokenStateError struct {
	TokenID string
	NodeID  string
	Message string
}

func (e *TokenStateError) Error() string {
	return fmt.Sprintf("token state error at %s (token %s): %s", e.NodeID, e.TokenID, e.Message)
}

// ExecutorError wraps a node executor failure. The run loop converts it
// to an INSTANCE_ERROR log row and moves the instance to ERROR, keeping
// the token at the failed node for resume.
type ExecutorError struct {
	NodeID  string
	Message string
	Err     error
}

func (e *ExecutorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor failed at %s: %s: %v", e.NodeID, e.Message, e.Err)
	}
	return fmt.Sprintf("executor failed at %s: %s", e.NodeID, e.Message)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// NoValidPathError reports an exclusive or inclusive gateway where no
// condition evaluated truthy and no default flow exists.
type NoValidPathError struct {
	GatewayID string
}

func (e *NoValidPathError) Error() string {
	return fmt.Sprintf("no valid outgoing path at gateway %s", e.GatewayID)
}

// TransactionError reports an invalid transaction transition: starting a
// nested transaction or completing one that is not active.
type TransactionError struct {
	InstanceID string
	Message    string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction error on instance %s: %s", e.InstanceID, e.Message)
}

// ExecutionLimitError reports a run loop that exceeded its iteration cap.
// Cycle detection rejects modeled loops up front; hitting this limit
// means an executor kept reissuing tokens.
type ExecutionLimitError struct {
	InstanceID string
	Iterations int
}

func (e *ExecutionLimitError) Error() string {
	return fmt.Sprintf("instance %s exceeded %d run loop iterations", e.InstanceID, e.Iterations)
}

// VariableTypeError reports a value that does not match its declared
// variable type.
type VariableTypeError struct {
	Name     string
	Declared string
	Message  string
}

func (e *VariableTypeError) Error() string {
	return fmt.Sprintf("variable %s (%s): %s", e.Name, e.Declared, e.Message)
}
