package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func TestAutoMigrateCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	require.NotNil(t, s.DB())
}

func TestUpsertUsageIsIdempotentByRequestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUsage(ctx, &Usage{RequestID: "req-1", Status: "streaming"}))
	require.NoError(t, s.UpsertUsage(ctx, &Usage{RequestID: "req-1", Status: "completed", InputTokens: 10}))

	got, err := s.GetUsageByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, int64(10), got.InputTokens)

	var count int64
	require.NoError(t, s.DB().Model(&Usage{}).Where("request_id = ?", "req-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestFindBillingRuleModelLevelWinsOverGlobal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gm := GlobalModel{Name: "gpt-4o"}
	require.NoError(t, s.DB().Create(&gm).Error)
	prov := Provider{Name: "openai"}
	require.NoError(t, s.DB().Create(&prov).Error)
	model := Model{GlobalModelID: gm.ID, ProviderID: prov.ID}
	require.NoError(t, s.DB().Create(&model).Error)

	globalRule := BillingRule{GlobalModelID: &gm.ID, TaskType: "chat", Expression: "1", Enabled: true}
	require.NoError(t, s.DB().Create(&globalRule).Error)
	modelRule := BillingRule{ModelID: &model.ID, TaskType: "chat", Expression: "2", Enabled: true}
	require.NoError(t, s.DB().Create(&modelRule).Error)

	rule, err := s.FindBillingRule(ctx, model.ID, gm.ID, "chat")
	require.NoError(t, err)
	require.NotNil(t, rule)
	require.Equal(t, "2", rule.Expression)
}
