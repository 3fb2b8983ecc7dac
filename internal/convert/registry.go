// Package convert implements the format converter registry of spec §4.C:
// translation between client-facing API families (openai, claude, gemini)
// and upstream endpoint signatures, plus the "variant hook" seam providers
// use to patch requests/responses for quirks that don't fit the normal
// converter shape (Antigravity's v1internal envelope, Codex's CLI-shaped
// request body).
package convert

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// Signature identifies one side of a conversion: a client-facing API
// family paired with the kind of endpoint being hit.
type Signature struct {
	Family       string // "openai" | "claude" | "gemini"
	EndpointKind string // "chat" | "messages" | "generateContent" | "embeddings" | ...
}

// Converter translates a normalized request/response between two
// signatures. Implementations are pure and side-effect free; any
// provider-specific HTTP quirk belongs in a VariantHook instead.
type Converter interface {
	// ConvertRequest rewrites a client request body (already decoded as
	// JSON) from From to To's wire shape.
	ConvertRequest(body []byte) ([]byte, error)
	// ConvertResponse rewrites a non-streaming upstream response body back
	// to From's wire shape.
	ConvertResponse(body []byte) ([]byte, error)
}

type pair struct{ from, to Signature }

// Registry holds the pairwise converters and per-provider variant hooks.
type Registry struct {
	converters map[pair]Converter
	hooks      map[string]VariantHook // keyed by provider name
}

func NewRegistry() *Registry {
	return &Registry{
		converters: map[pair]Converter{},
		hooks:      map[string]VariantHook{},
	}
}

// NewDefaultRegistry wires every pairwise converter this build ships into a
// fresh Registry. Unknown (from, to) pairs still fall through to
// Lookup's UnsupportedConversion behavior (ok=false) for signatures this
// build has no translator for yet (e.g. video/images/embeddings across
// families).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	openaiChat := Signature{Family: "openai", EndpointKind: "chat"}
	claudeChat := Signature{Family: "claude", EndpointKind: "messages"}
	geminiChat := Signature{Family: "gemini", EndpointKind: "generateContent"}

	r.Register(openaiChat, claudeChat, OpenAIToClaude{})
	r.Register(openaiChat, geminiChat, OpenAIToGemini{})
	r.Register(claudeChat, geminiChat, ClaudeToGemini{})

	return r
}

func (r *Registry) Register(from, to Signature, c Converter) {
	r.converters[pair{from, to}] = c
}

func (r *Registry) Lookup(from, to Signature) (Converter, bool) {
	if from == to {
		return passthroughConverter{}, true
	}
	c, ok := r.converters[pair{from, to}]
	return c, ok
}

func (r *Registry) RegisterHook(provider string, h VariantHook) {
	r.hooks[provider] = h
}

func (r *Registry) Hook(provider string) VariantHook {
	if h, ok := r.hooks[provider]; ok {
		return h
	}
	return noopHook{}
}

type passthroughConverter struct{}

func (passthroughConverter) ConvertRequest(body []byte) ([]byte, error)  { return body, nil }
func (passthroughConverter) ConvertResponse(body []byte) ([]byte, error) { return body, nil }

// VariantHook is the extension seam for provider-specific behavior that
// can't be expressed as a plain (from, to) converter: enveloping,
// additional headers, status/connection-error translation, and
// request-patching idiosyncrasies.
type VariantHook interface {
	// WrapRequest gives a provider a chance to rewrite the outgoing body
	// after the normal converter has run (e.g. wrapping it in an envelope).
	WrapRequest(body []byte, ctx RequestContext) ([]byte, error)
	// ExtraHeaders returns additional headers to set on the outgoing
	// request, given the (possibly wrapped) body and context.
	ExtraHeaders(ctx RequestContext) http.Header
	// UnwrapResponse reverses WrapRequest's envelope on a non-streaming
	// response body.
	UnwrapResponse(body []byte, ctx RequestContext) ([]byte, error)
	// CaptureSelectedBaseURL lets a provider record which of several
	// candidate base URLs actually served the request, for reuse by
	// later turns in the same conversation (e.g. thought-signature
	// affinity). Returns "" when nothing needs capturing.
	CaptureSelectedBaseURL(respHeaders http.Header) string
	// OnHTTPStatus lets a provider reclassify an upstream status code
	// before the standard status mapping runs. ok=false means "no
	// override, use the standard mapping".
	OnHTTPStatus(status int, body []byte) (mapped error, ok bool)
	// OnConnectionError lets a provider reclassify a transport-level
	// error (e.g. treat a reset as a rate limit for a flaky upstream).
	OnConnectionError(err error) (mapped error, ok bool)
	// ForceStreamRewrite reports whether this provider's stream output
	// must always be re-smoothed/rewritten even when the formats match,
	// because its native SSE framing differs from the family norm.
	ForceStreamRewrite() bool
}

// RequestContext carries the information a hook needs without coupling it
// to the dispatch pipeline's internal types.
type RequestContext struct {
	Provider     string
	Model        string
	UpstreamName string
	TaskType     string
	Stream       bool
	BaseURL      string
}

// noopHook is the default VariantHook for providers with no quirks.
type noopHook struct{}

func (noopHook) WrapRequest(body []byte, _ RequestContext) ([]byte, error)  { return body, nil }
func (noopHook) ExtraHeaders(_ RequestContext) http.Header                  { return nil }
func (noopHook) UnwrapResponse(body []byte, _ RequestContext) ([]byte, error) { return body, nil }
func (noopHook) CaptureSelectedBaseURL(_ http.Header) string                { return "" }
func (noopHook) OnHTTPStatus(int, []byte) (error, bool)                     { return nil, false }
func (noopHook) OnConnectionError(error) (error, bool)                      { return nil, false }
func (noopHook) ForceStreamRewrite() bool                                   { return false }

// jsonField reads a top-level-or-dotted field without failing the caller
// when it's absent; used by hooks that only need to peek at a body.
func jsonField(body []byte, path string) gjson.Result {
	return gjson.GetBytes(body, path)
}
