package convert

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestPatchOpenAICLIRequestForCodex(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5-codex",
		"max_tokens": 100,
		"temperature": 0.7,
		"input": [
			{"type": "message", "role": "system", "content": "be terse"},
			{"type": "message", "role": "user", "content": "hi"}
		]
	}`)

	out, err := PatchOpenAICLIRequestForCodex(body)
	require.NoError(t, err)

	require.False(t, gjson.GetBytes(out, "store").Bool())
	require.Equal(t, "", gjson.GetBytes(out, "instructions").String())
	require.True(t, gjson.GetBytes(out, "parallel_tool_calls").Bool())
	require.False(t, gjson.GetBytes(out, "max_tokens").Exists())
	require.False(t, gjson.GetBytes(out, "temperature").Exists())

	include := gjson.GetBytes(out, "include").Array()
	require.Len(t, include, 1)
	require.Equal(t, codexRequiredIncludeItem, include[0].String())

	require.Equal(t, "developer", gjson.GetBytes(out, "input.0.role").String())
	require.Equal(t, "user", gjson.GetBytes(out, "input.1.role").String())
}

func TestMaybePatchRequestForCodexSkipsNonCodex(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","temperature":0.5}`)
	out, err := MaybePatchRequestForCodex("openai", "openai:cli", body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestMaybePatchRequestForCodexSkipsNonCLIFormat(t *testing.T) {
	body := []byte(`{"model":"gpt-5-codex","temperature":0.5}`)
	out, err := MaybePatchRequestForCodex("codex", "openai:chat", body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}

func TestMaybePatchRequestForCodexApplies(t *testing.T) {
	body := []byte(`{"model":"gpt-5-codex","temperature":0.5}`)
	out, err := MaybePatchRequestForCodex("codex", "openai:cli", body)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "temperature").Exists())
}
