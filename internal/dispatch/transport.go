package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// CredentialResolver turns a ProviderAPIKey row into the plaintext secret
// to send upstream. Implemented by whatever owns decryption; the
// transport only holds the plaintext for the duration of one call.
type CredentialResolver interface {
	Resolve(ctx context.Context, providerAPIKeyID uint64) (string, error)
}

// HTTPUpstream is the default Upstream: builds the endpoint URL per
// §4.G's precedence (custom_path, else a family/kind default), attaches
// the resolved credential, and extracts token usage from the
// already-converted (upstream-shape) response body.
type HTTPUpstream struct {
	st    *store.Store
	creds CredentialResolver
	hc    *http.Client
}

func NewHTTPUpstream(st *store.Store, creds CredentialResolver, hc *http.Client) *HTTPUpstream {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPUpstream{st: st, creds: creds, hc: hc}
}

func (h *HTTPUpstream) Send(ctx context.Context, c planner.Candidate, req UpstreamRequest) (UpstreamResponse, error) {
	var endpoint store.ProviderEndpoint
	if err := h.st.DB().WithContext(ctx).First(&endpoint, c.EndpointID).Error; err != nil {
		return UpstreamResponse{}, fmt.Errorf("dispatch: load endpoint: %w", err)
	}
	secret, err := h.creds.Resolve(ctx, c.CredentialID)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("dispatch: resolve credential: %w", err)
	}

	url := endpoint.BaseURL + defaultPath(endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)
	for k, v := range endpoint.CustomHeaders {
		if s, ok := v.(string); ok {
			httpReq.Header.Set(k, s)
		}
	}

	resp, err := h.hc.Do(httpReq)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("dispatch: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("dispatch: read body: %w", err)
	}

	return UpstreamResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Usage:      extractUsage(c.APIFamily, body),
	}, nil
}

// defaultPath uses endpoint.CustomPath when set, else falls back to the
// family/kind's conventional upstream path.
func defaultPath(ep store.ProviderEndpoint) string {
	if ep.CustomPath != "" {
		return ep.CustomPath
	}
	switch ep.APIFamily + ":" + ep.EndpointKind {
	case "openai:chat":
		return "/v1/chat/completions"
	case "claude:messages":
		return "/v1/messages"
	case "gemini:generateContent":
		return "/v1beta/models/generateContent"
	case "openai:embeddings":
		return "/v1/embeddings"
	default:
		return ""
	}
}

// extractUsage reads the handful of token-count field shapes the three
// upstream families use; unrecognized shapes yield a zero usage rather
// than failing the attempt, since usage is informational until billing
// settlement fails it out explicitly. When the upstream body carries no
// usage block whatsoever, output tokens are estimated from the response
// text instead of left at zero (see estimateOutputTokens).
func extractUsage(family string, body []byte) TokenUsage {
	var u TokenUsage
	hasUsage := gjson.GetBytes(body, "usage").Exists()
	if v := gjson.GetBytes(body, "usage.prompt_tokens"); v.Exists() {
		u.InputTokens = v.Int()
	} else if v := gjson.GetBytes(body, "usage.input_tokens"); v.Exists() {
		u.InputTokens = v.Int()
	}
	if v := gjson.GetBytes(body, "usage.completion_tokens"); v.Exists() {
		u.OutputTokens = v.Int()
	} else if v := gjson.GetBytes(body, "usage.output_tokens"); v.Exists() {
		u.OutputTokens = v.Int()
	}
	u.CacheCreationInputTokens = gjson.GetBytes(body, "usage.cache_creation_input_tokens").Int()
	u.CacheReadInputTokens = gjson.GetBytes(body, "usage.cache_read_input_tokens").Int()

	if !hasUsage {
		if text := extractResponseText(family, body); text != "" {
			u.OutputTokens = estimateOutputTokens(family, text)
		}
	}
	return u
}

// extractResponseText pulls the primary text content out of a response
// body shaped for family, for the token-estimation fallback above.
func extractResponseText(family string, body []byte) string {
	switch family {
	case "claude":
		return gjson.GetBytes(body, "content.0.text").String()
	case "gemini":
		return gjson.GetBytes(body, "candidates.0.content.parts.0.text").String()
	default: // openai
		if v := gjson.GetBytes(body, "choices.0.message.content"); v.Exists() {
			return v.String()
		}
		return gjson.GetBytes(body, "choices.0.text").String()
	}
}
