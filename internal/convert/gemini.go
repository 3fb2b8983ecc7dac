package convert

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaudeToGemini converts a Claude (claude:messages) request/response body
// into Gemini's generateContent shape and back, mirroring the field layout
// internal/providers/gemini's buildContentsAndConfig builds from a parsed
// request: a top-level "system" string hoists to a top-level
// systemInstruction, "max_tokens" maps to generationConfig.maxOutputTokens,
// and each message becomes one content entry with role "user" or "model"
// (Gemini has no "assistant" role).
type ClaudeToGemini struct{}

func (ClaudeToGemini) ConvertRequest(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	contents := []map[string]any{}
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := geminiRole(m.Get("role").String())
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Get("content").String()}},
		})
	}
	if out, err = sjson.Set(out, "contents", contents); err != nil {
		return nil, err
	}

	cfg := map[string]any{}
	if maxTokens := gjson.GetBytes(body, "max_tokens"); maxTokens.Exists() {
		cfg["maxOutputTokens"] = maxTokens.Int()
	}
	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		cfg["temperature"] = temp.Float()
	}
	if system := gjson.GetBytes(body, "system"); system.Exists() && system.String() != "" {
		if out, err = sjson.Set(out, "systemInstruction", map[string]any{
			"parts": []map[string]any{{"text": system.String()}},
		}); err != nil {
			return nil, err
		}
	}
	if len(cfg) > 0 {
		if out, err = sjson.Set(out, "generationConfig", cfg); err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func (ClaudeToGemini) ConvertResponse(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	var text strings.Builder
	cand := gjson.GetBytes(body, "candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}

	content := []map[string]any{{"type": "text", "text": text.String()}}
	if out, err = sjson.Set(out, "content", content); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "role", "assistant"); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "type", "message"); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "stop_reason", mapGeminiFinishReason(cand.Get("finishReason").String())); err != nil {
		return nil, err
	}

	usage := map[string]any{
		"input_tokens":  gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int(),
		"output_tokens": gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int(),
	}
	if out, err = sjson.Set(out, "usage", usage); err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// OpenAIToGemini converts an OpenAI chat.completions request/response body
// into Gemini's generateContent shape, reusing the same role/config mapping
// as ClaudeToGemini since both source formats flatten to the same "role +
// plain-text content" shape before Gemini ever sees them.
type OpenAIToGemini struct{}

func (OpenAIToGemini) ConvertRequest(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	contents := []map[string]any{}
	var systemText string
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := m.Get("role").String()
		if role == "system" {
			if systemText != "" {
				systemText += "\n"
			}
			systemText += m.Get("content").String()
			continue
		}
		contents = append(contents, map[string]any{
			"role":  geminiRole(role),
			"parts": []map[string]any{{"text": m.Get("content").String()}},
		})
	}
	if out, err = sjson.Set(out, "contents", contents); err != nil {
		return nil, err
	}
	if systemText != "" {
		if out, err = sjson.Set(out, "systemInstruction", map[string]any{
			"parts": []map[string]any{{"text": systemText}},
		}); err != nil {
			return nil, err
		}
	}

	cfg := map[string]any{}
	if maxTokens := gjson.GetBytes(body, "max_tokens"); maxTokens.Exists() {
		cfg["maxOutputTokens"] = maxTokens.Int()
	}
	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		cfg["temperature"] = temp.Float()
	}
	if len(cfg) > 0 {
		if out, err = sjson.Set(out, "generationConfig", cfg); err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func (OpenAIToGemini) ConvertResponse(body []byte) ([]byte, error) {
	out := "{}"
	var err error

	var text strings.Builder
	cand := gjson.GetBytes(body, "candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}

	choice := map[string]any{
		"index":         0,
		"message":       map[string]any{"role": "assistant", "content": text.String()},
		"finish_reason": mapGeminiFinishReasonOpenAI(cand.Get("finishReason").String()),
	}
	if out, err = sjson.Set(out, "choices", []any{choice}); err != nil {
		return nil, err
	}
	if out, err = sjson.Set(out, "object", "chat.completion"); err != nil {
		return nil, err
	}

	promptTokens := gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()
	completionTokens := gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()
	usage := map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
	}
	if out, err = sjson.Set(out, "usage", usage); err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// geminiRole maps a generic role string onto Gemini's two-role model.
// Gemini has no "assistant" or "system" role on message content — system
// prompts are hoisted to systemInstruction by the caller before this runs.
func geminiRole(role string) string {
	switch strings.ToLower(role) {
	case "assistant", "model":
		return "model"
	default:
		return "user"
	}
}

func mapGeminiFinishReason(geminiReason string) string {
	switch geminiReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func mapGeminiFinishReasonOpenAI(geminiReason string) string {
	switch geminiReason {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}
