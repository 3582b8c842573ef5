package expr

import "strings"

// RunScript executes a script task body in the expression sandbox.
//
// A script is a sequence of statements separated by newlines or
// semicolons. Each statement is either an assignment (`name = expression`)
// or a bare expression. Assignments bind local names visible to later
// statements; assigning to `result` sets the script's return value.
//
// In addition to the safe builtin set, scripts may call
// set_variable(name, value) to write a process variable into the calling
// token's scope via the supplied callback.
//
// The sandbox admits nothing else: no loops, no function definitions, no
// host access.
func RunScript(script string, ctx Context, setVar func(name string, value any) error) (any, error) {
	locals := Context{}
	for k, v := range ctx {
		locals[k] = v
	}

	extra := map[string]BuiltinFunc{
		"set_variable": func(args []any) (any, error) {
			if err := arity("set_variable", args, 2); err != nil {
				return nil, err
			}
			name, ok := args[0].(string)
			if !ok {
				return nil, evalErrorf("set_variable: name must be a string, got %T", args[0])
			}
			if setVar == nil {
				return nil, evalErrorf("set_variable: not available in this context")
			}
			if err := setVar(name, args[1]); err != nil {
				return nil, evalErrorf("set_variable: %v", err)
			}
			return nil, nil
		},
	}

	var result any
	for _, stmt := range splitStatements(script) {
		name, rhs, isAssign := splitAssignment(stmt)
		src := stmt
		if isAssign {
			src = rhs
		}

		node, err := parse(src)
		if err != nil {
			return nil, err
		}
		ev := &evaluator{ctx: locals, extra: extra}
		val, err := ev.eval(node)
		if err != nil {
			return nil, err
		}

		if isAssign {
			locals[name] = val
			if name == "result" {
				result = val
			}
		}
	}
	return result, nil
}

// splitStatements breaks a script into statements on newlines and
// semicolons, dropping blanks and # comments.
func splitStatements(script string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(script, func(r rune) bool {
		return r == '\n' || r == ';'
	}) {
		stmt := strings.TrimSpace(line)
		if stmt == "" || strings.HasPrefix(stmt, "#") {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// splitAssignment detects `name = expression` while leaving comparison
// operators alone.
func splitAssignment(stmt string) (name, rhs string, ok bool) {
	for i := 0; i < len(stmt); i++ {
		if stmt[i] != '=' {
			continue
		}
		// Skip ==, !=, <=, >=.
		if i+1 < len(stmt) && stmt[i+1] == '=' {
			i++
			continue
		}
		if i > 0 && (stmt[i-1] == '!' || stmt[i-1] == '<' || stmt[i-1] == '>' || stmt[i-1] == '=') {
			continue
		}
		lhs := strings.TrimSpace(stmt[:i])
		if !isIdentifier(lhs) {
			return "", "", false
		}
		return lhs, strings.TrimSpace(stmt[i+1:]), true
	}
	return "", "", false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isIdentStart(r) {
			return false
		}
		if i > 0 && !isIdentPart(r) {
			return false
		}
	}
	return true
}
