package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/pythmata/pythmata-go/engine/expr"
	"github.com/pythmata/pythmata-go/engine/store"
)

// typedValue is the fast-store representation of a variable: the declared
// type rides along so round trips preserve it.
type typedValue struct {
	Type  store.ValueType `json:"type"`
	Value any             `json:"value"`
}

// VariableManager owns process variables: typed validation, the dual
// write to durable rows and the fast-store cache, and scope resolution.
//
// Scope IDs are slash-separated containment paths. Resolution walks from
// the token's scope to the instance root; the innermost declaration wins
// and absent names resolve to null, never an error.
type VariableManager struct {
	durable store.DurableStore
	fast    store.FastStore
}

// NewVariableManager creates a variable manager over both stores.
func NewVariableManager(durable store.DurableStore, fast store.FastStore) *VariableManager {
	return &VariableManager{durable: durable, fast: fast}
}

// InferType maps a runtime value onto the variable type vocabulary.
func InferType(value any) store.ValueType {
	switch v := value.(type) {
	case bool:
		return store.TypeBoolean
	case string:
		return store.TypeString
	case float64:
		if v == math.Trunc(v) {
			return store.TypeInteger
		}
		return store.TypeFloat
	case int, int32, int64:
		return store.TypeInteger
	case float32:
		return store.TypeFloat
	}
	return store.TypeJSON
}

// ValidateType checks a value against a declared type. Integer accepts
// whole floats (the JSON number model has no integer type).
func ValidateType(name string, declared store.ValueType, value any) error {
	if value == nil {
		return nil
	}
	ok := false
	switch declared {
	case store.TypeString:
		_, ok = value.(string)
	case store.TypeBoolean:
		_, ok = value.(bool)
	case store.TypeInteger:
		switch v := value.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = v == math.Trunc(v)
		}
	case store.TypeFloat:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			ok = true
		}
	case store.TypeJSON:
		ok = true
	default:
		return &VariableTypeError{Name: name, Declared: string(declared), Message: "unknown declared type"}
	}
	if !ok {
		return &VariableTypeError{
			Name:     name,
			Declared: string(declared),
			Message:  fmt.Sprintf("value %v (%T) does not match", value, value),
		}
	}
	return nil
}

// Set validates and writes one variable to the durable store and the
// fast-store cache. scopeID is empty for instance-level variables.
func (vm *VariableManager) Set(ctx context.Context, instanceID, scopeID, name string, typ store.ValueType, value any) error {
	if typ == "" {
		typ = InferType(value)
	}
	if err := ValidateType(name, typ, value); err != nil {
		return err
	}
	if err := vm.durable.UpsertVariable(ctx, &store.Variable{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		ScopeID:    scopeID,
		Name:       name,
		Type:       typ,
		Value:      value,
	}); err != nil {
		return fmt.Errorf("persist variable %s: %w", name, err)
	}
	cached, err := json.Marshal(typedValue{Type: typ, Value: value})
	if err != nil {
		return fmt.Errorf("encode variable %s: %w", name, err)
	}
	if err := vm.fast.HashSet(ctx, store.VarsKey(instanceID), store.VarField(scopeID, name), cached); err != nil {
		return fmt.Errorf("cache variable %s: %w", name, err)
	}
	return nil
}

// Resolve returns the value visible from scopeID for name, walking scope
// ancestors innermost-first. Missing names return nil.
func (vm *VariableManager) Resolve(ctx context.Context, instanceID, scopeID, name string) (any, error) {
	for _, scope := range scopeChain(scopeID) {
		raw, err := vm.fast.HashGet(ctx, store.VarsKey(instanceID), store.VarField(scope, name))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read variable %s: %w", name, err)
		}
		var tv typedValue
		if err := json.Unmarshal(raw, &tv); err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", name, err)
		}
		return tv.Value, nil
	}
	return nil, nil
}

// Context materializes the variables visible from scopeID as an
// evaluation context: root values first, overridden by each deeper scope.
func (vm *VariableManager) Context(ctx context.Context, instanceID, scopeID string) (expr.Context, error) {
	all, err := vm.fast.HashGetAll(ctx, store.VarsKey(instanceID))
	if err != nil {
		return nil, fmt.Errorf("read variables: %w", err)
	}
	out := expr.Context{}
	chain := scopeChain(scopeID)
	// Apply outermost to innermost so inner scopes shadow outer ones.
	for i := len(chain) - 1; i >= 0; i-- {
		scope := chain[i]
		for field, raw := range all {
			name, ok := fieldName(field, scope)
			if !ok {
				continue
			}
			var tv typedValue
			if err := json.Unmarshal(raw, &tv); err != nil {
				return nil, fmt.Errorf("decode variable %s: %w", name, err)
			}
			out[name] = tv.Value
		}
	}
	return out, nil
}

// Hydrate seeds instance-level variables from definition declarations
// and caller-supplied values, validating declared types and required
// fields.
func (vm *VariableManager) Hydrate(ctx context.Context, instanceID string, decls []store.VariableDefinition, supplied map[string]any) error {
	seen := map[string]bool{}
	for _, decl := range decls {
		value, present := supplied[decl.Name]
		if !present {
			if decl.DefaultValue != nil {
				value = decl.DefaultValue
			} else if decl.Required {
				return &VariableTypeError{
					Name:     decl.Name,
					Declared: string(decl.Type),
					Message:  "required variable not supplied",
				}
			} else {
				continue
			}
		}
		if err := vm.Set(ctx, instanceID, "", decl.Name, decl.Type, value); err != nil {
			return err
		}
		seen[decl.Name] = true
	}
	// Undeclared supplied variables are accepted with inferred types.
	for name, value := range supplied {
		if seen[name] {
			continue
		}
		if err := vm.Set(ctx, instanceID, "", name, "", value); err != nil {
			return err
		}
	}
	return nil
}

// scopeChain lists scopes from innermost to the instance root ("").
// "a/b" yields ["a/b", "a", ""].
func scopeChain(scopeID string) []string {
	chain := []string{}
	for scopeID != "" {
		chain = append(chain, scopeID)
		i := strings.LastIndex(scopeID, "/")
		if i < 0 {
			break
		}
		scopeID = scopeID[:i]
	}
	return append(chain, "")
}

// fieldName extracts the variable name from a cache hash field if it
// belongs to the given scope.
func fieldName(field, scope string) (string, bool) {
	if scope == "" {
		if strings.Contains(field, ":") {
			return "", false
		}
		return field, true
	}
	prefix := scope + ":"
	if !strings.HasPrefix(field, prefix) {
		return "", false
	}
	name := field[len(prefix):]
	if strings.Contains(name, ":") {
		return "", false
	}
	return name, true
}
