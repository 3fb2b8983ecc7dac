package convert

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMissingProjectID is returned when the envelope's ProjectID source
// yields no project_id to stamp into the v1internal envelope.
var ErrMissingProjectID = errors.New("convert: antigravity credential missing project_id")

const (
	antigravityRequestUserAgent = "antigravity-cli/1.0"
	antigravityHTTPUserAgent    = "Antigravity-Bridge/1.0 (+grpc-web)"
)

// AntigravityEnvelope implements the v1internal wrapper: Antigravity reuses
// the gemini:cli wire signature but nests the actual GeminiRequest/Response
// inside an envelope carrying project/request metadata. It force-rewrites
// streaming responses because the wrapped frames aren't plain Gemini SSE.
type AntigravityEnvelope struct {
	ProjectID     func() (string, error)
	URLAvailability URLAvailability
	SignatureCache  SignatureCache
}

// URLAvailability records per-base-URL health observed while serving
// Antigravity traffic. Backed by an otter-cached scorer in production.
// Base URL selection does not read these records.
type URLAvailability interface {
	MarkSuccess(baseURL string)
	MarkUnavailable(baseURL string)
}

// SignatureCache remembers (model, text) -> thoughtSignature pairs so a
// later turn that replays the same text can resubmit its signature.
type SignatureCache interface {
	Cache(model, text, signature string)
}

func (a *AntigravityEnvelope) WrapRequest(body []byte, ctx RequestContext) ([]byte, error) {
	projectID := ""
	if a.ProjectID != nil {
		pid, err := a.ProjectID()
		if err != nil {
			return nil, err
		}
		projectID = pid
	}
	if projectID == "" {
		return nil, ErrMissingProjectID
	}

	inner, err := sjson.DeleteBytes(body, "model")
	if err != nil {
		inner = body
	}

	wrapped := map[string]any{
		"project":     projectID,
		"requestId":   uuid.NewString(),
		"userAgent":   antigravityRequestUserAgent,
		"requestType": "agent",
		"model":       ctx.Model,
		"request":     gjson.ParseBytes(inner).Value(),
	}
	out, err := sjsonMarshal(wrapped)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AntigravityEnvelope) ExtraHeaders(_ RequestContext) http.Header {
	h := http.Header{}
	h.Set("User-Agent", antigravityHTTPUserAgent)
	return h
}

func (a *AntigravityEnvelope) UnwrapResponse(body []byte, ctx RequestContext) ([]byte, error) {
	inner := gjson.GetBytes(body, "response")
	if !inner.IsObject() {
		return body, nil
	}
	unwrapped := inner.Raw
	if respID := gjson.GetBytes(body, "responseId"); respID.Exists() {
		patched, err := sjson.SetRaw(unwrapped, "_v1internal_response_id", respID.Raw)
		if err == nil {
			unwrapped = patched
		}
	}
	if a.SignatureCache != nil {
		cacheThoughtSignatures(a.SignatureCache, ctx.Model, []byte(unwrapped))
	}
	return []byte(unwrapped), nil
}

func (a *AntigravityEnvelope) CaptureSelectedBaseURL(_ http.Header) string {
	// Nothing to read back from response headers for this provider.
	return ""
}

func (a *AntigravityEnvelope) OnHTTPStatus(status int, _ []byte) (error, bool) {
	return nil, false
}

// NoteBaseURLOutcome applies the mark_success/mark_unavailable side effect
// described by the source's on_http_status/on_connection_error hooks. It is
// a plain method rather than part of the VariantHook shape, since
// Antigravity never remaps the error itself, only the URL-availability
// score. The dispatch pipeline does not call it.
func (a *AntigravityEnvelope) NoteBaseURLOutcome(baseURL string, status int, connErr error) {
	if baseURL == "" || a.URLAvailability == nil {
		return
	}
	if connErr != nil {
		a.URLAvailability.MarkUnavailable(baseURL)
		return
	}
	switch status {
	case http.StatusOK:
		a.URLAvailability.MarkSuccess(baseURL)
	case 429, 500, 502, 503, 504:
		a.URLAvailability.MarkUnavailable(baseURL)
	}
}

func (a *AntigravityEnvelope) OnConnectionError(err error) (error, bool) {
	return nil, false
}

func (a *AntigravityEnvelope) ForceStreamRewrite() bool { return true }

func cacheThoughtSignatures(cache SignatureCache, model string, response []byte) {
	candidates := gjson.GetBytes(response, "candidates")
	if !candidates.IsArray() {
		return
	}
	for _, cand := range candidates.Array() {
		parts := cand.Get("content.parts")
		if !parts.IsArray() {
			continue
		}
		for _, part := range parts.Array() {
			text := part.Get("text")
			if text.Type != gjson.String || text.String() == "" {
				continue
			}
			sig := part.Get("thoughtSignature")
			if !sig.Exists() {
				sig = part.Get("thought_signature")
			}
			if !sig.Exists() {
				sig = part.Get("signature")
			}
			if sig.Type != gjson.String || sig.String() == "" {
				continue
			}
			cache.Cache(model, text.String(), sig.String())
		}
	}
}

func sjsonMarshal(v map[string]any) ([]byte, error) {
	out := "{}"
	var err error
	for _, key := range []string{"project", "requestId", "userAgent", "requestType", "model", "request"} {
		out, err = sjson.Set(out, key, v[key])
		if err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}
