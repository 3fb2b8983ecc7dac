package convert

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// codexRequiredIncludeItem is the reasoning field Codex always wants
// requested so tool-call continuations carry their encrypted content.
const codexRequiredIncludeItem = "reasoning.encrypted_content"

// codexStrippedKeys are generation parameters Codex's Responses endpoint
// rejects outright.
var codexStrippedKeys = []string{
	"max_output_tokens",
	"max_completion_tokens",
	"max_tokens",
	"temperature",
	"top_p",
	"service_tier",
}

// PatchOpenAICLIRequestForCodex mutates an OpenAI Responses ("openai:cli")
// request body into the shape the Codex upstream accepts: store must be
// explicitly false, instructions must be present, several sampling/limit
// fields are rejected and stripped, parallel_tool_calls is forced on, the
// encrypted-reasoning include item is appended, and any "system" role
// message in the input array is renamed to "developer".
func PatchOpenAICLIRequestForCodex(body []byte) ([]byte, error) {
	out := string(body)
	var err error

	out, err = sjson.Set(out, "store", false)
	if err != nil {
		return nil, err
	}

	instructions := gjson.Get(out, "instructions")
	switch {
	case !instructions.Exists():
		out, err = sjson.Set(out, "instructions", "")
	case instructions.Type != gjson.String:
		out, err = sjson.Set(out, "instructions", instructions.String())
	}
	if err != nil {
		return nil, err
	}

	out, err = sjson.Set(out, "parallel_tool_calls", true)
	if err != nil {
		return nil, err
	}

	include := []string{}
	if arr := gjson.Get(out, "include"); arr.IsArray() {
		for _, v := range arr.Array() {
			if v.Type == gjson.String && v.String() != "" {
				include = append(include, v.String())
			}
		}
	}
	if !containsString(include, codexRequiredIncludeItem) {
		include = append(include, codexRequiredIncludeItem)
	}
	out, err = sjson.Set(out, "include", include)
	if err != nil {
		return nil, err
	}

	for _, key := range codexStrippedKeys {
		out, err = sjson.Delete(out, key)
		if err != nil {
			return nil, err
		}
	}

	if input := gjson.Get(out, "input"); input.IsArray() {
		items := input.Array()
		for i, item := range items {
			if item.Get("type").String() == "message" && item.Get("role").String() == "system" {
				out, err = sjson.Set(out, "input."+strconv.Itoa(i)+".role", "developer")
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return []byte(out), nil
}

// MaybePatchRequestForCodex applies the Codex compatibility patch only when
// the selected upstream is of provider type "codex" and the endpoint uses
// the OpenAI Responses schema; every other combination passes the body
// through unchanged.
func MaybePatchRequestForCodex(providerType, providerAPIFormat string, body []byte) ([]byte, error) {
	if !strings.EqualFold(strings.TrimSpace(providerType), "codex") {
		return body, nil
	}
	if !strings.EqualFold(strings.TrimSpace(providerAPIFormat), "openai:cli") {
		return body, nil
	}
	return PatchOpenAICLIRequestForCodex(body)
}

// CodexHook wires MaybePatchRequestForCodex into the VariantHook seam so
// the dispatch pipeline can invoke it uniformly alongside every other
// provider's hooks; the actual condition check happens inside WrapRequest.
type CodexHook struct {
	noopHook
	ProviderType      string
	ProviderAPIFormat string
}

func (c CodexHook) WrapRequest(body []byte, ctx RequestContext) ([]byte, error) {
	return MaybePatchRequestForCodex(c.ProviderType, c.ProviderAPIFormat, body)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
