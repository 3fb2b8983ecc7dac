// Package dimensions implements the dimension collector: extracting named
// scalar values from a request/response/metadata tuple for a given
// (api_family, endpoint_kind, task_type), including computed dimensions
// evaluated in topological order over their transform expressions.
package dimensions

import (
	"sort"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-gateway/internal/eval"
)

// ValueType is the declared cast target for a collected dimension.
type ValueType string

const (
	TypeFloat  ValueType = "float"
	TypeInt    ValueType = "int"
	TypeString ValueType = "string"
)

// SourceKind is where a collector reads its raw value from.
type SourceKind string

const (
	SourceRequestBody  SourceKind = "request_body"
	SourceResponseBody SourceKind = "response_body"
	SourceMetadata     SourceKind = "metadata"
	SourceComputed     SourceKind = "computed"
)

// Collector is one DimensionCollector row.
type Collector struct {
	DimensionName string
	APIFamily     string
	EndpointKind  string
	TaskType      string
	Source        SourceKind
	JSONPath      string // gjson path, used for request_body/response_body/metadata sources
	Transform     string // optional expression; for computed sources it's required
	ValueType     ValueType
	Default       any
	Priority      int
	Enabled       bool
}

// Inputs bundles the four collection sources for one request.
type Inputs struct {
	RequestBody  []byte
	ResponseBody []byte
	Metadata     map[string]any
	BaseDims     map[string]any
}

// Collect runs the full two-pass algorithm described in spec §4.B and
// grounded on DimensionCollectorRuntime.collect: non-computed dimensions
// first (priority-ordered fallback within each name group), then computed
// dimensions in topological order over their referenced variable names.
// Collectors never return an error to the caller; irrecoverable failures
// resolve to the type's zero value.
func Collect(collectors []Collector, familyKind, taskType string, in Inputs) map[string]any {
	effective := selectEnabled(collectors, familyKind, taskType)
	groups := groupByName(effective)

	result := map[string]any{}
	for k, v := range in.BaseDims {
		result[k] = v
	}

	var computedNames []string
	computedExprs := map[string]string{}
	computedDefaults := map[string]any{}
	computedTypes := map[string]ValueType{}

	for name, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		if group[0].Source == SourceComputed {
			computedNames = append(computedNames, name)
			computedExprs[name] = group[0].Transform
			computedDefaults[name] = firstDefault(group)
			computedTypes[name] = group[0].ValueType
			continue
		}
		result[name] = resolveNonComputed(name, group, in)
	}

	order := toposortComputed(computedNames, computedExprs)
	for _, name := range order {
		expr := computedExprs[name]
		val, err := eval.EvalNumber(expr, result)
		if err != nil {
			if def := computedDefaults[name]; def != nil {
				result[name] = def
				continue
			}
			result[name] = zeroValue(computedTypes[name])
			continue
		}
		result[name] = castValue(val, computedTypes[name])
	}

	return result
}

// selectEnabled implements step 1 of §4.B: select enabled collectors for the
// tuple; when task_type = "cli", union with task_type = "chat" collectors,
// giving precedence per-dimension to the CLI-scoped ones.
func selectEnabled(collectors []Collector, familyKind, taskType string) []Collector {
	var direct, chatFallback []Collector
	for _, c := range collectors {
		if !c.Enabled || c.APIFamily+":"+c.EndpointKind != familyKind {
			continue
		}
		switch {
		case c.TaskType == taskType:
			direct = append(direct, c)
		case taskType == "cli" && c.TaskType == "chat":
			chatFallback = append(chatFallback, c)
		}
	}
	have := map[string]struct{}{}
	for _, c := range direct {
		have[c.DimensionName] = struct{}{}
	}
	out := append([]Collector{}, direct...)
	for _, c := range chatFallback {
		// CLI-scoped collectors take precedence per-dimension; only add a
		// chat-scoped fallback collector for names no CLI collector covers.
		if _, ok := have[c.DimensionName]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func groupByName(collectors []Collector) map[string][]Collector {
	groups := map[string][]Collector{}
	for _, c := range collectors {
		groups[c.DimensionName] = append(groups[c.DimensionName], c)
	}
	return groups
}

func firstDefault(group []Collector) any {
	for _, c := range group {
		if c.Default != nil {
			return c.Default
		}
	}
	return nil
}

// resolveNonComputed implements step 3 of §4.B: try collectors in priority
// order, extract via JSON path, optionally transform, cast, fall through on
// any failure; fall back to the first non-nil default, else the type zero.
func resolveNonComputed(name string, group []Collector, in Inputs) any {
	for _, c := range group {
		raw, ok := extractRaw(c, in)
		if !ok {
			continue
		}
		if c.Transform != "" {
			vars := map[string]any{"value": raw}
			v, err := eval.EvalNumber(c.Transform, vars)
			if err != nil {
				continue
			}
			return castValue(v, c.ValueType)
		}
		casted, ok := castRaw(raw, c.ValueType)
		if !ok {
			continue
		}
		return casted
	}
	if def := firstDefault(group); def != nil {
		return def
	}
	return zeroValue(group[0].ValueType)
}

func extractRaw(c Collector, in Inputs) (any, bool) {
	var body []byte
	switch c.Source {
	case SourceRequestBody:
		body = in.RequestBody
	case SourceResponseBody:
		body = in.ResponseBody
	case SourceMetadata:
		if in.Metadata == nil {
			return nil, false
		}
		return getNestedValue(in.Metadata, c.JSONPath)
	default:
		return nil, false
	}
	if len(body) == 0 || c.JSONPath == "" {
		return nil, false
	}
	res := gjson.GetBytes(body, c.JSONPath)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// getNestedValue walks a plain map by dotted path, mirroring the source's
// _get_nested_value for the metadata source (which isn't raw JSON bytes).
func getNestedValue(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(m)
	for _, seg := range splitPath(path) {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func castRaw(raw any, vt ValueType) (any, bool) {
	switch vt {
	case TypeFloat:
		return castFloat(raw)
	case TypeInt:
		f, ok := castFloat(raw)
		if !ok {
			return nil, false
		}
		return int64(f), true
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), true
		default:
			return nil, false
		}
	default:
		return raw, true
	}
}

func castFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func castValue(v float64, vt ValueType) any {
	switch vt {
	case TypeInt:
		return int64(v)
	case TypeString:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return v
	}
}

func zeroValue(vt ValueType) any {
	switch vt {
	case TypeInt:
		return int64(0)
	case TypeString:
		return ""
	default:
		return 0.0
	}
}

// toposortComputed implements step 4 of §4.B: Kahn's algorithm over the
// variable names each computed dimension's expression references, falling
// back to appending remaining names in sorted order on cycle detection
// (defensive degradation, never blocks).
func toposortComputed(names []string, exprs map[string]string) []string {
	nameSet := map[string]struct{}{}
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	deps := map[string]map[string]struct{}{}
	for _, n := range names {
		refs := map[string]struct{}{}
		tree, err := eval.Validate(exprs[n])
		if err == nil {
			for ref := range eval.ExtractVariableNames(tree) {
				if ref == "value" {
					continue
				}
				if _, isComputed := nameSet[ref]; isComputed && ref != n {
					refs[ref] = struct{}{}
				}
			}
		}
		deps[n] = refs
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for n, refs := range deps {
		inDegree[n] = len(refs)
		for ref := range refs {
			dependents[ref] = append(dependents[ref], n)
		}
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	var order []string
	visited := map[string]struct{}{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, done := visited[n]; done {
			continue
		}
		visited[n] = struct{}{}
		order = append(order, n)

		var freed []string
		for _, dep := range dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
		sort.Strings(queue)
	}

	if len(order) < len(names) {
		var remaining []string
		for _, n := range names {
			if _, ok := visited[n]; !ok {
				remaining = append(remaining, n)
			}
		}
		sort.Strings(remaining)
		order = append(order, remaining...)
	}

	return order
}
