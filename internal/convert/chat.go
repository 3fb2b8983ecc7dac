package convert

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIToClaude converts an OpenAI chat.completions request/response body
// into Anthropic's messages shape and back, mirroring the field layout the
// anthropic provider package already parses (messagesRequest/messagesResponse
// in internal/providers/anthropic/types.go): messages keep role+content,
// system prompts are hoisted to a top-level "system" string, and a single
// text content block round-trips as plain content.
type OpenAIToClaude struct{}

func (OpenAIToClaude) ConvertRequest(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	if model := gjson.GetBytes(body, "model"); model.Exists() {
		if out, err = sjson.Set(out, "model", model.String()); err != nil {
			return nil, err
		}
	}
	if maxTokens := gjson.GetBytes(body, "max_tokens"); maxTokens.Exists() {
		if out, err = sjson.Set(out, "max_tokens", maxTokens.Int()); err != nil {
			return nil, err
		}
	} else if out, err = sjson.Set(out, "max_tokens", 4096); err != nil {
		return nil, err
	}
	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		if out, err = sjson.Set(out, "temperature", temp.Float()); err != nil {
			return nil, err
		}
	}
	if stream := gjson.GetBytes(body, "stream"); stream.Exists() {
		if out, err = sjson.Set(out, "stream", stream.Bool()); err != nil {
			return nil, err
		}
	}

	messages := gjson.GetBytes(body, "messages")
	var systemText string
	chatMessages := []map[string]any{}
	if messages.IsArray() {
		for _, m := range messages.Array() {
			role := m.Get("role").String()
			content := m.Get("content").String()
			if role == "system" {
				if systemText != "" {
					systemText += "\n"
				}
				systemText += content
				continue
			}
			chatMessages = append(chatMessages, map[string]any{"role": role, "content": content})
		}
	}
	if systemText != "" {
		if out, err = sjson.Set(out, "system", systemText); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.Set(out, "messages", chatMessages); err != nil {
		return nil, err
	}

	return []byte(out), nil
}

func (OpenAIToClaude) ConvertResponse(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	if id := gjson.GetBytes(body, "id"); id.Exists() {
		if out, err = sjson.Set(out, "id", id.String()); err != nil {
			return nil, err
		}
	}
	if model := gjson.GetBytes(body, "model"); model.Exists() {
		if out, err = sjson.Set(out, "model", model.String()); err != nil {
			return nil, err
		}
	}

	text := ""
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}
	choice := map[string]any{
		"index":         0,
		"message":       map[string]any{"role": "assistant", "content": text},
		"finish_reason": mapStopReason(gjson.GetBytes(body, "stop_reason").String()),
	}
	if out, err = sjson.Set(out, "choices", []any{choice}); err != nil {
		return nil, err
	}

	usage := map[string]any{
		"prompt_tokens":     gjson.GetBytes(body, "usage.input_tokens").Int(),
		"completion_tokens": gjson.GetBytes(body, "usage.output_tokens").Int(),
	}
	usage["total_tokens"] = usage["prompt_tokens"].(int64) + usage["completion_tokens"].(int64)
	if out, err = sjson.Set(out, "usage", usage); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "object", "chat.completion"); err != nil {
		return nil, err
	}

	return []byte(out), nil
}

func mapStopReason(claudeReason string) string {
	switch claudeReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
