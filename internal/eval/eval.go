// Package eval implements a sandboxed numeric expression evaluator used by the
// billing engine and dimension transforms. Expressions are parsed as Go
// expressions and walked against an explicit AST whitelist before evaluation;
// nothing outside arithmetic, named variables, and a fixed function set is
// reachable.
package eval

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
)

// UnsafeExpressionError means the expression's AST contains a node or
// identifier outside the whitelist.
type UnsafeExpressionError struct {
	Reason string
}

func (e *UnsafeExpressionError) Error() string {
	return "unsafe expression: " + e.Reason
}

// EvaluationError means validation passed but evaluation itself failed
// (undefined variable, division by zero, non-numeric result).
type EvaluationError struct {
	Reason string
}

func (e *EvaluationError) Error() string {
	return "expression evaluation error: " + e.Reason
}

// allowedFuncs mirrors the source's six whitelisted builtins (min, max, abs,
// round, int, float) and adds pow and floordiv for operators Go lacks.
var allowedFuncs = map[string]func(args []float64) (float64, error){
	"min": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("min requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a < m {
				m = a
			}
		}
		return m, nil
	},
	"max": func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("max requires at least one argument")
		}
		m := args[0]
		for _, a := range args[1:] {
			if a > m {
				m = a
			}
		}
		return m, nil
	},
	"abs": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("abs requires exactly one argument")
		}
		return math.Abs(args[0]), nil
	},
	"round": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("round requires exactly one argument")
		}
		return math.Round(args[0]), nil
	},
	"int": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("int requires exactly one argument")
		}
		return math.Trunc(args[0]), nil
	},
	"float": func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("float requires exactly one argument")
		}
		return args[0], nil
	},
	// pow stands in for the source grammar's "**" operator: Go's expression
	// grammar has no exponent token, so dimension_mappings/billing expressions
	// written against this evaluator spell exponentiation as a call.
	"pow": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("pow requires exactly two arguments")
		}
		return math.Pow(args[0], args[1]), nil
	},
	// floordiv stands in for the source grammar's "//" operator (ast.FloorDiv),
	// kept distinct from QUO/"/" the same way the source distinguishes true
	// division from floor division.
	"floordiv": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("floordiv requires exactly two arguments")
		}
		if args[1] == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return math.Floor(args[0] / args[1]), nil
	},
}

// Validate parses expr and rejects any AST node outside the whitelist,
// returning the parsed expression for reuse by Eval/ExtractVariableNames.
func Validate(expr string) (ast.Expr, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return nil, &UnsafeExpressionError{Reason: fmt.Sprintf("invalid syntax: %v", err)}
	}
	if err := checkNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func checkNode(n ast.Node) error {
	var walkErr error
	ast.Inspect(n, func(node ast.Node) bool {
		if walkErr != nil {
			return false
		}
		switch v := node.(type) {
		case nil, *ast.ParenExpr:
			// transparent
		case *ast.BasicLit:
			if v.Kind != token.INT && v.Kind != token.FLOAT {
				walkErr = &UnsafeExpressionError{Reason: "only int/float literals are allowed"}
				return false
			}
		case *ast.Ident:
			if v.Name == "true" || v.Name == "false" {
				walkErr = &UnsafeExpressionError{Reason: "boolean literals are not allowed"}
				return false
			}
			if len(v.Name) >= 2 && v.Name[:2] == "__" {
				walkErr = &UnsafeExpressionError{Reason: "dunder names are not allowed"}
				return false
			}
		case *ast.BinaryExpr:
			switch v.Op {
			case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
				// arithmetic ok; QUO doubles as float and integer division,
				// REM as Python's `%`.
			default:
				walkErr = &UnsafeExpressionError{Reason: fmt.Sprintf("operator not allowed: %s", v.Op)}
				return false
			}
		case *ast.UnaryExpr:
			switch v.Op {
			case token.ADD, token.SUB:
			default:
				walkErr = &UnsafeExpressionError{Reason: fmt.Sprintf("unary operator not allowed: %s", v.Op)}
				return false
			}
		case *ast.CallExpr:
			fn, ok := v.Fun.(*ast.Ident)
			if !ok {
				walkErr = &UnsafeExpressionError{Reason: "only direct function calls are allowed"}
				return false
			}
			if _, ok := allowedFuncs[fn.Name]; !ok {
				walkErr = &UnsafeExpressionError{Reason: fmt.Sprintf("function not allowed: %s", fn.Name)}
				return false
			}
		default:
			walkErr = &UnsafeExpressionError{Reason: fmt.Sprintf("AST node not allowed: %T", node)}
			return false
		}
		return true
	})
	return walkErr
}

// ExtractVariableNames returns the set of identifier names the expression
// references, excluding call-target names (function names).
func ExtractVariableNames(expr ast.Expr) map[string]struct{} {
	names := map[string]struct{}{}
	callFuncs := map[string]struct{}{}
	ast.Inspect(expr, func(node ast.Node) bool {
		switch v := node.(type) {
		case *ast.CallExpr:
			if fn, ok := v.Fun.(*ast.Ident); ok {
				callFuncs[fn.Name] = struct{}{}
			}
		case *ast.Ident:
			names[v.Name] = struct{}{}
		}
		return true
	})
	for fn := range callFuncs {
		delete(names, fn)
	}
	return names
}

// EvalNumber validates expr, then evaluates it against the given variable
// bindings, which may be float64, int, or string (numeric strings are
// coerced). It is the Go equivalent of SafeExpressionEvaluator.eval_number.
func EvalNumber(expr string, variables map[string]any) (float64, error) {
	tree, err := Validate(expr)
	if err != nil {
		return 0, err
	}
	vars := make(map[string]float64, len(variables))
	for k, v := range variables {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		vars[k] = f
	}
	val, err := evalExpr(tree, vars)
	if err != nil {
		return 0, &EvaluationError{Reason: err.Error()}
	}
	return val, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func evalExpr(n ast.Expr, vars map[string]float64) (float64, error) {
	switch v := n.(type) {
	case *ast.ParenExpr:
		return evalExpr(v.X, vars)
	case *ast.BasicLit:
		var f float64
		if _, err := fmt.Sscanf(v.Value, "%g", &f); err != nil {
			return 0, fmt.Errorf("invalid numeric literal %q", v.Value)
		}
		return f, nil
	case *ast.Ident:
		f, ok := vars[v.Name]
		if !ok {
			return 0, fmt.Errorf("name %q is not defined", v.Name)
		}
		return f, nil
	case *ast.UnaryExpr:
		x, err := evalExpr(v.X, vars)
		if err != nil {
			return 0, err
		}
		if v.Op == token.SUB {
			return -x, nil
		}
		return x, nil
	case *ast.BinaryExpr:
		x, err := evalExpr(v.X, vars)
		if err != nil {
			return 0, err
		}
		y, err := evalExpr(v.Y, vars)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", v.Op)
	case *ast.CallExpr:
		fn := v.Fun.(*ast.Ident).Name
		impl, ok := allowedFuncs[fn]
		if !ok {
			return 0, fmt.Errorf("function not allowed: %s", fn)
		}
		args := make([]float64, 0, len(v.Args))
		for _, a := range v.Args {
			av, err := evalExpr(a, vars)
			if err != nil {
				return 0, err
			}
			args = append(args, av)
		}
		return impl(args)
	default:
		return 0, fmt.Errorf("unsupported expression node %T", n)
	}
}
