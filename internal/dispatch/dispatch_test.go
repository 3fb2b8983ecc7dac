package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/convert"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// seedOneRoute creates the minimal chain of rows a request needs to find
// exactly one candidate: GlobalModel -> Model -> Provider -> Endpoint ->
// Credential, plus an ApiKey to authenticate with.
func seedOneRoute(t *testing.T, st *store.Store) (apiKeyToken string, providerID, endpointID, credID uint64) {
	t.Helper()
	db := st.DB()

	gm := store.GlobalModel{Name: "gpt-4o"}
	require.NoError(t, db.Create(&gm).Error)

	prov := store.Provider{Name: "openai-main", Priority: 10}
	require.NoError(t, db.Create(&prov).Error)

	ep := store.ProviderEndpoint{ProviderID: prov.ID, APIFamily: "openai", EndpointKind: "chat", BaseURL: "https://api.example.com"}
	require.NoError(t, db.Create(&ep).Error)

	cred := store.ProviderAPIKey{ProviderEndpointID: ep.ID, EncryptedSecret: []byte("secret"), MaxConcurrent: 10, HealthScore: 1}
	require.NoError(t, db.Create(&cred).Error)

	model := store.Model{GlobalModelID: gm.ID, ProviderID: prov.ID, UpstreamNames: store.AlternateNames{{Name: "gpt-4o", Priority: 0}}}
	require.NoError(t, db.Create(&model).Error)

	apiKeyToken = "sk-test-123"
	key := store.ApiKey{KeyHash: hashToken(apiKeyToken), Status: "active"}
	require.NoError(t, db.Create(&key).Error)

	return apiKeyToken, prov.ID, ep.ID, cred.ID
}

type fakeUpstream struct {
	statusCode int
	body       []byte
	err        error
}

func (f *fakeUpstream) Send(ctx context.Context, c planner.Candidate, req UpstreamRequest) (UpstreamResponse, error) {
	if f.err != nil {
		return UpstreamResponse{}, f.err
	}
	return UpstreamResponse{StatusCode: f.statusCode, Body: f.body, Usage: extractUsage(c.APIFamily, f.body)}, nil
}

type fakeWriter struct {
	success []store.Usage
	failure []store.Usage
}

func (f *fakeWriter) RecordStreaming(ctx context.Context, u store.Usage) error { return nil }
func (f *fakeWriter) RecordSuccess(ctx context.Context, u store.Usage) error {
	f.success = append(f.success, u)
	return nil
}
func (f *fakeWriter) RecordFailure(ctx context.Context, u store.Usage) error {
	f.failure = append(f.failure, u)
	return nil
}
func (f *fakeWriter) RecordCancelled(ctx context.Context, u store.Usage) error { return nil }

func newDispatcher(st *store.Store, up Upstream, w telemetry.Writer) *Dispatcher {
	h := health.NewManager(health.DefaultConfig())
	p := planner.New(NewSource(st), h)
	return New(st, p, h, billing.NewEngine(), convert.NewRegistry(), up, w, nil, nil)
}

func TestDoReturnsResultOnFirstCandidateSuccess(t *testing.T) {
	st := newTestStore(t)
	token, _, _, _ := seedOneRoute(t, st)
	writer := &fakeWriter{}
	up := &fakeUpstream{statusCode: 200, body: []byte(`{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5}}`)}
	d := newDispatcher(st, up, writer)

	res, err := d.Do(context.Background(), ClientRequest{
		RequestID: "req-1", APIKeyToken: token, APIFamily: "openai", EndpointKind: "chat",
		TaskType: "chat", Model: "gpt-4o", Body: []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Len(t, writer.success, 1)
	require.EqualValues(t, 10, writer.success[0].InputTokens)
	require.EqualValues(t, 5, writer.success[0].OutputTokens)

	var candidates []store.RequestCandidate
	require.NoError(t, st.DB().Where("request_id = ?", "req-1").Find(&candidates).Error)
	require.Len(t, candidates, 1)
	require.Equal(t, "selected", candidates[0].Status)
}

func TestDoRejectsUnknownCredential(t *testing.T) {
	st := newTestStore(t)
	d := newDispatcher(st, &fakeUpstream{}, &fakeWriter{})

	_, err := d.Do(context.Background(), ClientRequest{RequestID: "req-2", APIKeyToken: "bogus", Model: "gpt-4o"})
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestDoReturnsNoCandidatesForUnknownModel(t *testing.T) {
	st := newTestStore(t)
	token, _, _, _ := seedOneRoute(t, st)
	writer := &fakeWriter{}
	d := newDispatcher(st, &fakeUpstream{}, writer)

	_, err := d.Do(context.Background(), ClientRequest{
		RequestID: "req-3", APIKeyToken: token, APIFamily: "openai", EndpointKind: "chat",
		Model: "no-such-model", Body: []byte(`{}`),
	})
	require.Error(t, err)
	var nc *NoCandidatesError
	require.ErrorAs(t, err, &nc)
	require.Len(t, writer.failure, 1)
}

func TestDoRecordsLedgerAndFailureWhenUpstreamErrors(t *testing.T) {
	st := newTestStore(t)
	token, _, _, _ := seedOneRoute(t, st)
	writer := &fakeWriter{}
	up := &fakeUpstream{statusCode: 500, body: []byte(`{"error":"boom"}`)}
	d := newDispatcher(st, up, writer)

	_, err := d.Do(context.Background(), ClientRequest{
		RequestID: "req-4", APIKeyToken: token, APIFamily: "openai", EndpointKind: "chat",
		TaskType: "chat", Model: "gpt-4o", Body: []byte(`{}`),
	})
	require.Error(t, err)
	require.Len(t, writer.failure, 1)

	var candidates []store.RequestCandidate
	require.NoError(t, st.DB().Where("request_id = ?", "req-4").Find(&candidates).Error)
	require.Len(t, candidates, 1)
	require.Equal(t, "failed", candidates[0].Status)
}

func TestDoRejectsInactiveCredential(t *testing.T) {
	st := newTestStore(t)
	token, _, _, _ := seedOneRoute(t, st)
	require.NoError(t, st.DB().Model(&store.ApiKey{}).Where("key_hash = ?", hashToken(token)).Update("status", "revoked").Error)

	d := newDispatcher(st, &fakeUpstream{}, &fakeWriter{})
	_, err := d.Do(context.Background(), ClientRequest{RequestID: "req-5", APIKeyToken: token, Model: "gpt-4o"})
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestRequiredCapabilitiesDetectsVisionToolsAndThinking(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "plain text",
			body: `{"messages":[{"role":"user","content":"hi"}]}`,
			want: nil,
		},
		{
			name: "openai vision part",
			body: `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`,
			want: []string{"vision"},
		},
		{
			name: "tools present",
			body: `{"messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function"}]}`,
			want: []string{"function_calling"},
		},
		{
			name: "claude thinking block",
			body: `{"messages":[{"role":"user","content":"hi"}],"thinking":{"type":"enabled"}}`,
			want: []string{"extended_thinking"},
		},
		{
			name: "gemini inline data and thinking config",
			body: `{"contents":[{"parts":[{"inlineData":{"mimeType":"image/png","data":"x"}}]}],"generationConfig":{"thinkingConfig":{"thinkingBudget":1}}}`,
			want: []string{"vision", "extended_thinking"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := requiredCapabilities(ClientRequest{Body: []byte(c.body)})
			require.ElementsMatch(t, c.want, got)
		})
	}
}
