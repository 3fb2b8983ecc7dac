package billing

import "testing"

func TestEvaluateTieredPricing(t *testing.T) {
	e := NewEngine()
	up128k := 128000.0
	mappings := map[string]Mapping{
		"input_price": {
			Source:  SourceTiered,
			TierKey: "input_tokens",
			Tiers: []Tier{
				{UpTo: &up128k, Value: 2.5},
				{UpTo: nil, Value: 1.25},
			},
		},
	}
	dims := map[string]any{"input_tokens": 64000.0}
	res, err := e.Evaluate("input_tokens / 1000000 * input_price", nil, dims, mappings, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusComplete {
		t.Fatalf("expected complete, got %v (%s)", res.Status, res.Error)
	}
	want := 64000.0 / 1000000.0 * 2.5
	if res.Cost != want {
		t.Errorf("cost = %v, want %v", res.Cost, want)
	}
}

func TestEvaluateMissingRequiredStrictMode(t *testing.T) {
	e := NewEngine()
	mappings := map[string]Mapping{
		"duration_seconds": {Source: SourceDimension, Required: true},
	}
	_, err := e.Evaluate("duration_seconds * 2", nil, map[string]any{}, mappings, true)
	var incomplete *IncompleteError
	if err == nil {
		t.Fatal("expected IncompleteError")
	}
	if !asIncomplete(err, &incomplete) {
		t.Fatalf("expected *IncompleteError, got %T: %v", err, err)
	}
}

func asIncomplete(err error, target **IncompleteError) bool {
	if ie, ok := err.(*IncompleteError); ok {
		*target = ie
		return true
	}
	return false
}

func TestEvaluateMissingRequiredNonStrict(t *testing.T) {
	e := NewEngine()
	mappings := map[string]Mapping{
		"duration_seconds": {Source: SourceDimension, Required: true},
	}
	res, err := e.Evaluate("duration_seconds * 2", nil, map[string]any{}, mappings, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusIncomplete {
		t.Fatalf("expected incomplete, got %v", res.Status)
	}
	if len(res.MissingRequired) != 1 || res.MissingRequired[0] != "duration_seconds" {
		t.Errorf("unexpected missing required: %v", res.MissingRequired)
	}
}

func TestEvaluateMatrixLookup(t *testing.T) {
	e := NewEngine()
	mappings := map[string]Mapping{
		"resolution_multiplier": {
			Source: SourceMatrix,
			Key:    "resolution",
			Map:    map[string]any{"720p": 1.0, "1080p": 1.5},
		},
	}
	dims := map[string]any{"resolution": "1080p", "duration_seconds": 4.0}
	res, err := e.Evaluate(
		"1 + duration_seconds * 2 * resolution_multiplier",
		map[string]any{"duration_seconds": 4.0},
		dims,
		mappings,
		false,
	)
	if err != nil {
		t.Fatal(err)
	}
	want := 1 + 4.0*2*1.5
	if res.Cost != want {
		t.Errorf("cost = %v, want %v", res.Cost, want)
	}
}

func TestConstantMappingNeverOverridesSuppliedVariable(t *testing.T) {
	e := NewEngine()
	mappings := map[string]Mapping{
		"base": {Source: SourceConstant, Default: 10.0},
	}
	res, err := e.Evaluate("base", map[string]any{"base": 5.0}, nil, mappings, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cost != 5.0 {
		t.Errorf("expected caller-supplied variable to win, got %v", res.Cost)
	}
}

func TestEvaluateNegativeCostRejected(t *testing.T) {
	e := NewEngine()
	res, err := e.Evaluate("-5", nil, nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusIncomplete || res.Error != "negative_cost" {
		t.Errorf("expected negative_cost incomplete result, got %+v", res)
	}
}
