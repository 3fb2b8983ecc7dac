package convert

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRegistryLookupSameSignatureIsPassthrough(t *testing.T) {
	r := NewRegistry()
	sig := Signature{Family: "openai", EndpointKind: "chat"}
	c, ok := r.Lookup(sig, sig)
	require.True(t, ok)
	body := []byte(`{"a":1}`)
	out, err := c.ConvertRequest(body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestRegistryLookupMissingConverter(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(Signature{Family: "openai", EndpointKind: "chat"}, Signature{Family: "gemini", EndpointKind: "generateContent"})
	require.False(t, ok)
}

func TestRegistryOpenAIToClaudeRoundTrip(t *testing.T) {
	r := NewRegistry()
	from := Signature{Family: "openai", EndpointKind: "chat"}
	to := Signature{Family: "claude", EndpointKind: "messages"}
	r.Register(from, to, OpenAIToClaude{})

	c, ok := r.Lookup(from, to)
	require.True(t, ok)

	reqBody := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 256
	}`)
	converted, err := c.ConvertRequest(reqBody)
	require.NoError(t, err)
	require.Equal(t, "be terse", gjson.GetBytes(converted, "system").String())
	require.Equal(t, "user", gjson.GetBytes(converted, "messages.0.role").String())

	respBody := []byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4-5",
		"content": [{"type": "text", "text": "hello"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)
	convertedResp, err := c.ConvertResponse(respBody)
	require.NoError(t, err)
	require.Equal(t, "hello", gjson.GetBytes(convertedResp, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.GetBytes(convertedResp, "choices.0.finish_reason").String())
	require.Equal(t, int64(15), gjson.GetBytes(convertedResp, "usage.total_tokens").Int())
}

func TestRegistryHookDefaultsToNoop(t *testing.T) {
	r := NewRegistry()
	h := r.Hook("unregistered-provider")
	body := []byte(`{"a":1}`)
	out, err := h.WrapRequest(body, RequestContext{})
	require.NoError(t, err)
	require.Equal(t, body, out)
	require.False(t, h.ForceStreamRewrite())
}

func TestRegistryRegisterHook(t *testing.T) {
	r := NewRegistry()
	r.RegisterHook("codex", CodexHook{ProviderType: "codex", ProviderAPIFormat: "openai:cli"})
	h := r.Hook("codex")

	out, err := h.WrapRequest([]byte(`{"temperature":0.9}`), RequestContext{})
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "temperature").Exists())
}
