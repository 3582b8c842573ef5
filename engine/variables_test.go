package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/pythmata/pythmata-go/engine/store"
)

func newVariableManager() *VariableManager {
	return NewVariableManager(store.NewMemDurableStore(), store.NewMemFastStore())
}

func TestInferType(t *testing.T) {
	cases := []struct {
		value any
		want  store.ValueType
	}{
		{"hello", store.TypeString},
		{true, store.TypeBoolean},
		{float64(42), store.TypeInteger},
		{float64(4.2), store.TypeFloat},
		{int(7), store.TypeInteger},
		{map[string]any{"a": 1}, store.TypeJSON},
		{[]any{1, 2}, store.TypeJSON},
	}
	for _, tc := range cases {
		if got := InferType(tc.value); got != tc.want {
			t.Errorf("InferType(%v) = %s, want %s", tc.value, got, tc.want)
		}
	}
}

func TestValidateType(t *testing.T) {
	t.Run("integer accepts whole floats", func(t *testing.T) {
		if err := ValidateType("n", store.TypeInteger, float64(3)); err != nil {
			t.Fatalf("whole float rejected: %v", err)
		}
		err := ValidateType("n", store.TypeInteger, float64(3.5))
		var vte *VariableTypeError
		if !errors.As(err, &vte) {
			t.Fatalf("fractional float: err = %v, want VariableTypeError", err)
		}
	})

	t.Run("nil passes any declared type", func(t *testing.T) {
		if err := ValidateType("n", store.TypeString, nil); err != nil {
			t.Fatalf("nil rejected: %v", err)
		}
	})

	t.Run("mismatch is reported with the variable name", func(t *testing.T) {
		err := ValidateType("amount", store.TypeBoolean, "yes")
		var vte *VariableTypeError
		if !errors.As(err, &vte) {
			t.Fatalf("err = %v, want VariableTypeError", err)
		}
		if vte.Name != "amount" {
			t.Fatalf("error names %q, want amount", vte.Name)
		}
	})
}

func TestVariableScopeResolution(t *testing.T) {
	ctx := context.Background()
	vm := newVariableManager()

	// Root value shadowed inside the subprocess scope.
	if err := vm.Set(ctx, "inst-1", "", "status", "", "pending"); err != nil {
		t.Fatal(err)
	}
	if err := vm.Set(ctx, "inst-1", "sub1", "status", "", "reviewing"); err != nil {
		t.Fatal(err)
	}
	if err := vm.Set(ctx, "inst-1", "", "amount", "", float64(100)); err != nil {
		t.Fatal(err)
	}

	t.Run("innermost declaration wins", func(t *testing.T) {
		got, err := vm.Resolve(ctx, "inst-1", "sub1", "status")
		if err != nil {
			t.Fatal(err)
		}
		if got != "reviewing" {
			t.Fatalf("status from sub1 = %v, want reviewing", got)
		}
	})

	t.Run("outer scope falls through", func(t *testing.T) {
		got, err := vm.Resolve(ctx, "inst-1", "sub1", "amount")
		if err != nil {
			t.Fatal(err)
		}
		if f, ok := got.(float64); !ok || f != 100 {
			t.Fatalf("amount from sub1 = %v, want 100", got)
		}
	})

	t.Run("deeper scopes walk the full chain", func(t *testing.T) {
		got, err := vm.Resolve(ctx, "inst-1", "sub1/task_instance_0", "status")
		if err != nil {
			t.Fatal(err)
		}
		if got != "reviewing" {
			t.Fatalf("status from nested scope = %v, want reviewing", got)
		}
	})

	t.Run("missing name resolves to nil", func(t *testing.T) {
		got, err := vm.Resolve(ctx, "inst-1", "sub1", "nope")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Fatalf("missing variable = %v, want nil", got)
		}
	})

	t.Run("context overlays scopes", func(t *testing.T) {
		evalCtx, err := vm.Context(ctx, "inst-1", "sub1")
		if err != nil {
			t.Fatal(err)
		}
		if evalCtx["status"] != "reviewing" {
			t.Fatalf("context status = %v, want reviewing", evalCtx["status"])
		}
		if f, ok := evalCtx["amount"].(float64); !ok || f != 100 {
			t.Fatalf("context amount = %v, want 100", evalCtx["amount"])
		}
	})

	t.Run("root context excludes scoped values", func(t *testing.T) {
		evalCtx, err := vm.Context(ctx, "inst-1", "")
		if err != nil {
			t.Fatal(err)
		}
		if evalCtx["status"] != "pending" {
			t.Fatalf("root status = %v, want pending", evalCtx["status"])
		}
	})
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	decls := []store.VariableDefinition{
		{Name: "amount", Type: store.TypeInteger, Required: true},
		{Name: "currency", Type: store.TypeString, DefaultValue: "EUR"},
	}

	t.Run("defaults and supplied values", func(t *testing.T) {
		vm := newVariableManager()
		err := vm.Hydrate(ctx, "inst-1", decls, map[string]any{"amount": 250, "note": "rush"})
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := vm.Resolve(ctx, "inst-1", "", "currency"); got != "EUR" {
			t.Fatalf("currency = %v, want default EUR", got)
		}
		// Undeclared variables are accepted with inferred types.
		if got, _ := vm.Resolve(ctx, "inst-1", "", "note"); got != "rush" {
			t.Fatalf("note = %v, want rush", got)
		}
	})

	t.Run("missing required variable", func(t *testing.T) {
		vm := newVariableManager()
		err := vm.Hydrate(ctx, "inst-1", decls, nil)
		var vte *VariableTypeError
		if !errors.As(err, &vte) {
			t.Fatalf("err = %v, want VariableTypeError", err)
		}
	})

	t.Run("declared type is enforced", func(t *testing.T) {
		vm := newVariableManager()
		err := vm.Hydrate(ctx, "inst-1", decls, map[string]any{"amount": "lots"})
		var vte *VariableTypeError
		if !errors.As(err, &vte) {
			t.Fatalf("err = %v, want VariableTypeError", err)
		}
	})
}

func TestScopeChain(t *testing.T) {
	cases := []struct {
		scope string
		want  []string
	}{
		{"", []string{""}},
		{"a", []string{"a", ""}},
		{"a/b", []string{"a/b", "a", ""}},
		{"a/b/c", []string{"a/b/c", "a/b", "a", ""}},
	}
	for _, tc := range cases {
		got := scopeChain(tc.scope)
		if len(got) != len(tc.want) {
			t.Errorf("scopeChain(%q) = %v, want %v", tc.scope, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("scopeChain(%q) = %v, want %v", tc.scope, got, tc.want)
				break
			}
		}
	}
}
