package eval

import "testing"

func TestEvalNumberArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		vars map[string]any
		want float64
	}{
		{"input_tokens / 1000000 * input_price", map[string]any{"input_tokens": 2000000.0, "input_price": 2.5}, 5.0},
		{"max(a, b)", map[string]any{"a": 1.0, "b": 2.0}, 2.0},
		{"min(a, b) + abs(-3)", map[string]any{"a": 1.0, "b": 2.0}, 4.0},
		{"round(2.6)", nil, 3.0},
		{"pow(2, 3)", nil, 8.0},
		{"floordiv(tokens, 1000)", map[string]any{"tokens": 2500.0}, 2.0},
		{"-x", map[string]any{"x": 5.0}, -5.0},
	}
	for _, c := range cases {
		got, err := EvalNumber(c.expr, c.vars)
		if err != nil {
			t.Fatalf("EvalNumber(%q) error: %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("EvalNumber(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestValidateRejectsUnsafeNodes(t *testing.T) {
	unsafe := []string{
		"__import__('os')",
		"a.b",
		"a[0]",
		"a if b else c",
		"[1,2,3]",
		"lambda: 1",
		"os.system('rm -rf /')",
		"1 == 2",
	}
	for _, expr := range unsafe {
		if _, err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) expected error, got none", expr)
		}
	}
}

func TestEvalNumberMissingVariable(t *testing.T) {
	if _, err := EvalNumber("a + b", map[string]any{"a": 1.0}); err == nil {
		t.Fatal("expected evaluation error for undefined variable b")
	}
}

func TestEvalNumberDivisionByZero(t *testing.T) {
	if _, err := EvalNumber("a / b", map[string]any{"a": 1.0, "b": 0.0}); err == nil {
		t.Fatal("expected evaluation error for division by zero")
	}
}

func TestExtractVariableNamesExcludesFuncNames(t *testing.T) {
	tree, err := Validate("max(a, b) + c")
	if err != nil {
		t.Fatal(err)
	}
	names := ExtractVariableNames(tree)
	for _, want := range []string{"a", "b", "c"} {
		if _, ok := names[want]; !ok {
			t.Errorf("expected variable %q in extracted set", want)
		}
	}
	if _, ok := names["max"]; ok {
		t.Error("function name 'max' should not be treated as a variable")
	}
}
