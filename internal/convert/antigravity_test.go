package convert

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeURLAvailability struct {
	succeeded   []string
	unavailable []string
}

func (f *fakeURLAvailability) MarkSuccess(u string)     { f.succeeded = append(f.succeeded, u) }
func (f *fakeURLAvailability) MarkUnavailable(u string) { f.unavailable = append(f.unavailable, u) }

type fakeSignatureCache struct {
	entries map[string]string
}

func (f *fakeSignatureCache) Cache(model, text, sig string) {
	if f.entries == nil {
		f.entries = map[string]string{}
	}
	f.entries[model+"|"+text] = sig
}

func TestAntigravityWrapRequestRequiresProjectID(t *testing.T) {
	env := &AntigravityEnvelope{ProjectID: func() (string, error) { return "", nil }}
	_, err := env.WrapRequest([]byte(`{"model":"gemini-2.5-pro"}`), RequestContext{Model: "gemini-2.5-pro"})
	require.ErrorIs(t, err, ErrMissingProjectID)
}

func TestAntigravityWrapRequestEnvelopes(t *testing.T) {
	env := &AntigravityEnvelope{ProjectID: func() (string, error) { return "proj-123", nil }}
	out, err := env.WrapRequest([]byte(`{"model":"gemini-2.5-pro","contents":[]}`), RequestContext{Model: "gemini-2.5-pro"})
	require.NoError(t, err)

	require.Equal(t, "proj-123", gjson.GetBytes(out, "project").String())
	require.Equal(t, "gemini-2.5-pro", gjson.GetBytes(out, "model").String())
	require.Equal(t, "agent", gjson.GetBytes(out, "requestType").String())
	require.False(t, gjson.GetBytes(out, "request.model").Exists())
	require.True(t, gjson.GetBytes(out, "request.contents").Exists())
}

func TestAntigravityUnwrapResponseCachesSignatures(t *testing.T) {
	cache := &fakeSignatureCache{}
	env := &AntigravityEnvelope{SignatureCache: cache}

	body := []byte(`{
		"responseId": "resp-1",
		"response": {
			"candidates": [{"content": {"parts": [{"text": "hi", "thoughtSignature": "sig-1"}]}}]
		}
	}`)

	out, err := env.UnwrapResponse(body, RequestContext{Model: "gemini-2.5-pro"})
	require.NoError(t, err)
	require.Equal(t, "resp-1", gjson.GetBytes(out, "_v1internal_response_id").String())
	require.True(t, gjson.GetBytes(out, "candidates").Exists())
	require.Equal(t, "sig-1", cache.entries["gemini-2.5-pro|hi"])
}

func TestAntigravityNoteBaseURLOutcome(t *testing.T) {
	avail := &fakeURLAvailability{}
	env := &AntigravityEnvelope{URLAvailability: avail}

	env.NoteBaseURLOutcome("https://a.example", 200, nil)
	env.NoteBaseURLOutcome("https://a.example", 503, nil)

	require.Equal(t, []string{"https://a.example"}, avail.succeeded)
	require.Equal(t, []string{"https://a.example"}, avail.unavailable)
}

func TestAntigravityForceStreamRewrite(t *testing.T) {
	env := &AntigravityEnvelope{}
	require.True(t, env.ForceStreamRewrite())
}
