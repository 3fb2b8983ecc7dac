package videopoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// CredentialResolver turns a ProviderAPIKey row into the bearer/API-key
// secret to send upstream. Implemented by the credential layer that owns
// decryption; videopoll only consumes the plaintext for the duration of
// one poll call.
type CredentialResolver interface {
	Resolve(ctx context.Context, providerAPIKeyID uint64) (string, error)
}

// HTTPPoller is the default Upstream: a plain GET against the provider
// endpoint's video-status route, per spec §6 (GET /v1/videos/{id}).
type HTTPPoller struct {
	st    *store.Store
	creds CredentialResolver
	hc    *http.Client
}

func NewHTTPPoller(st *store.Store, creds CredentialResolver, hc *http.Client) *HTTPPoller {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPPoller{st: st, creds: creds, hc: hc}
}

func (h *HTTPPoller) Poll(ctx context.Context, task store.VideoTask) (PollResult, error) {
	var endpoint store.ProviderEndpoint
	if err := h.st.DB().WithContext(ctx).First(&endpoint, task.ProviderEndpointID).Error; err != nil {
		return PollResult{}, fmt.Errorf("videopoll: load endpoint: %w", err)
	}
	secret, err := h.creds.Resolve(ctx, task.ProviderAPIKeyID)
	if err != nil {
		return PollResult{}, fmt.Errorf("videopoll: resolve credential: %w", err)
	}

	path := endpoint.CustomPath
	if path == "" {
		path = "/v1/videos"
	}
	url := fmt.Sprintf("%s%s/%s", endpoint.BaseURL, path, task.ExternalTaskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("videopoll: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	for k, v := range endpoint.CustomHeaders {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := h.hc.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("videopoll: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("videopoll: read body: %w", err)
	}

	result := PollResult{HTTPStatus: resp.StatusCode}
	var raw map[string]any
	if json.Unmarshal(body, &raw) == nil {
		result.RawResponse = raw
	}
	if resp.StatusCode >= 400 {
		result.Status = "error"
		result.ErrorMessage = gjson.GetBytes(body, "error.message").String()
		if result.ErrorMessage == "" {
			result.ErrorMessage = string(body)
		}
		result.ErrorCode = gjson.GetBytes(body, "error.code").String()
		return result, nil
	}

	result.Status = mapUpstreamStatus(gjson.GetBytes(body, "status").String())
	result.ProgressPercent = int(gjson.GetBytes(body, "progress").Int())
	result.ProgressMessage = gjson.GetBytes(body, "progress_message").String()
	result.VideoURL = gjson.GetBytes(body, "video_url").String()
	for _, v := range gjson.GetBytes(body, "video_urls").Array() {
		result.VideoURLs = append(result.VideoURLs, v.String())
	}
	if exp := gjson.GetBytes(body, "expires_at").String(); exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			result.ExpiresAt = &t
		}
	}
	if result.Status == "failed" {
		result.ErrorCode = gjson.GetBytes(body, "error.code").String()
		result.ErrorMessage = gjson.GetBytes(body, "error.message").String()
	}
	return result, nil
}

func mapUpstreamStatus(s string) string {
	switch s {
	case "succeeded", "completed", "success":
		return "completed"
	case "failed", "error":
		return "failed"
	default:
		return "processing"
	}
}
