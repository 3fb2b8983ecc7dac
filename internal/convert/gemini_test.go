package convert

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestClaudeToGeminiRoundTrip(t *testing.T) {
	c := ClaudeToGemini{}

	reqBody := []byte(`{
		"model": "gemini-2.0-flash",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 64
	}`)
	converted, err := c.ConvertRequest(reqBody)
	require.NoError(t, err)
	require.Equal(t, "hi", gjson.GetBytes(converted, "contents.0.parts.0.text").String())
	require.Equal(t, "user", gjson.GetBytes(converted, "contents.0.role").String())
	require.Equal(t, int64(64), gjson.GetBytes(converted, "generationConfig.maxOutputTokens").Int())

	respBody := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "hello"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2}
	}`)
	convertedResp, err := c.ConvertResponse(respBody)
	require.NoError(t, err)
	require.Equal(t, "hello", gjson.GetBytes(convertedResp, "content.0.text").String())
	require.Equal(t, "end_turn", gjson.GetBytes(convertedResp, "stop_reason").String())
	require.Equal(t, int64(3), gjson.GetBytes(convertedResp, "usage.input_tokens").Int())
}

func TestOpenAIToGeminiRoundTrip(t *testing.T) {
	c := OpenAIToGemini{}

	reqBody := []byte(`{
		"model": "gemini-2.0-flash",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		]
	}`)
	converted, err := c.ConvertRequest(reqBody)
	require.NoError(t, err)
	require.Equal(t, "be terse", gjson.GetBytes(converted, "systemInstruction.parts.0.text").String())
	require.Equal(t, "hi", gjson.GetBytes(converted, "contents.0.parts.0.text").String())

	respBody := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "hello"}]}, "finishReason": "MAX_TOKENS"}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 1}
	}`)
	convertedResp, err := c.ConvertResponse(respBody)
	require.NoError(t, err)
	require.Equal(t, "hello", gjson.GetBytes(convertedResp, "choices.0.message.content").String())
	require.Equal(t, "length", gjson.GetBytes(convertedResp, "choices.0.finish_reason").String())
	require.Equal(t, int64(5), gjson.GetBytes(convertedResp, "usage.total_tokens").Int())
}
