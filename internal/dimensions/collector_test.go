package dimensions

import "testing"

func TestCollectNonComputedPriorityFallback(t *testing.T) {
	collectors := []Collector{
		{
			DimensionName: "duration_seconds", APIFamily: "openai", EndpointKind: "video",
			TaskType: "video", Source: SourceRequestBody, JSONPath: "duration_seconds",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
		{
			DimensionName: "duration_seconds", APIFamily: "openai", EndpointKind: "video",
			TaskType: "video", Source: SourceRequestBody, JSONPath: "missing_field",
			ValueType: TypeFloat, Priority: 20, Enabled: true, Default: 4.0,
		},
	}
	in := Inputs{RequestBody: []byte(`{"duration_seconds": 8}`)}
	result := Collect(collectors, "openai:video", "video", in)
	if result["duration_seconds"] != 8.0 {
		t.Errorf("expected fallback to lower-priority collector, got %v", result["duration_seconds"])
	}
}

func TestCollectCLIUnionWithChatPrecedence(t *testing.T) {
	collectors := []Collector{
		{
			DimensionName: "input_tokens", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "chat", Source: SourceResponseBody, JSONPath: "usage.prompt_tokens",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
		{
			DimensionName: "input_tokens", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "cli", Source: SourceResponseBody, JSONPath: "usage.input_tokens",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
	}
	in := Inputs{ResponseBody: []byte(`{"usage":{"prompt_tokens": 1, "input_tokens": 2}}`)}
	result := Collect(collectors, "openai:chat", "cli", in)
	if result["input_tokens"] != 2.0 {
		t.Errorf("expected CLI-scoped collector to win, got %v", result["input_tokens"])
	}
}

func TestCollectComputedTopologicalOrder(t *testing.T) {
	collectors := []Collector{
		{
			DimensionName: "input_tokens", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "chat", Source: SourceResponseBody, JSONPath: "usage.input_tokens",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
		{
			DimensionName: "output_tokens", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "chat", Source: SourceResponseBody, JSONPath: "usage.output_tokens",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
		{
			DimensionName: "total_tokens", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "chat", Source: SourceComputed, Transform: "input_tokens + output_tokens",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
		{
			DimensionName: "billed_units", APIFamily: "openai", EndpointKind: "chat",
			TaskType: "chat", Source: SourceComputed, Transform: "total_tokens / 1000",
			ValueType: TypeFloat, Priority: 10, Enabled: true,
		},
	}
	in := Inputs{ResponseBody: []byte(`{"usage":{"input_tokens": 100, "output_tokens": 900}}`)}
	result := Collect(collectors, "openai:chat", "chat", in)
	if result["total_tokens"] != 1000.0 {
		t.Errorf("total_tokens = %v, want 1000", result["total_tokens"])
	}
	if result["billed_units"] != 1.0 {
		t.Errorf("billed_units = %v, want 1", result["billed_units"])
	}
}

func TestCollectCycleFallsBackToSortedOrder(t *testing.T) {
	collectors := []Collector{
		{
			DimensionName: "a", APIFamily: "openai", EndpointKind: "chat", TaskType: "chat",
			Source: SourceComputed, Transform: "b + 1", ValueType: TypeFloat, Priority: 1, Enabled: true, Default: 0.0,
		},
		{
			DimensionName: "b", APIFamily: "openai", EndpointKind: "chat", TaskType: "chat",
			Source: SourceComputed, Transform: "a + 1", ValueType: TypeFloat, Priority: 1, Enabled: true, Default: 0.0,
		},
	}
	in := Inputs{}
	result := Collect(collectors, "openai:chat", "chat", in)
	// Cycle detection must never panic or hang. Sorted fallback order
	// evaluates "a" first: "b" is still unresolved, so "a" takes its
	// default, and "b" then evaluates against it.
	if _, ok := result["a"]; !ok {
		t.Error("expected dimension 'a' to be present despite cycle")
	}
	if _, ok := result["b"]; !ok {
		t.Error("expected dimension 'b' to be present despite cycle")
	}
}
