package xquota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaTable(t *testing.T) {
	table, err := NewQuotaTable(DefaultConfig())
	require.NoError(t, err)

	q, err := table.Limit(TierFree, CategoryTrading)
	require.NoError(t, err)
	assert.Equal(t, Quota{Limit: 5, Burst: 0, Window: time.Minute}, q)
	assert.Equal(t, 5, q.Capacity())

	q, err = table.Limit(Tier4, CategoryTrading)
	require.NoError(t, err)
	assert.Equal(t, 350, q.Capacity())

	_, err = table.Limit("GOLD", CategoryTrading)
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = table.Limit(TierFree, "casino")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	assert.Equal(t, TierFree, table.Lowest())
	assert.Equal(t, Tier4, table.Highest())
	assert.Equal(t, DefaultTiers, table.Ladder())
	assert.Equal(t, []Category{CategoryGeneral, CategorySettlement, CategoryStaking, CategoryTrading}, table.Categories())
	assert.True(t, table.HasCategory(CategoryStaking))
	assert.False(t, table.HasCategory("casino"))

	next, ok := table.Next(TierFree)
	assert.True(t, ok)
	assert.Equal(t, Tier2, next)
	_, ok = table.Next(Tier4)
	assert.False(t, ok)
	_, ok = table.Next("GOLD")
	assert.False(t, ok)

	rank, ok := table.Rank(Tier3)
	assert.True(t, ok)
	assert.Equal(t, 2, rank)
}

func TestQuotaTable_LadderIsCopied(t *testing.T) {
	table, err := NewQuotaTable(DefaultConfig())
	require.NoError(t, err)

	ladder := table.Ladder()
	ladder[0] = "MUTATED"
	assert.Equal(t, TierFree, table.Lowest())
}

func TestNewQuotaTable_Incomplete(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Quotas[Tier2], CategorySettlement)

	_, err := NewQuotaTable(cfg)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewQuotaTable_CustomLadder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers = []Tier{"BASIC", "GOLD"}
	cfg.Quotas = map[Tier]map[Category]QuotaEntry{
		"BASIC": {CategoryGeneral: {Limit: 1}, CategorySettlement: {Limit: 1}, CategoryStaking: {Limit: 1}, CategoryTrading: {Limit: 1}},
		"GOLD":  {CategoryGeneral: {Limit: 2}, CategorySettlement: {Limit: 2}, CategoryStaking: {Limit: 2}, CategoryTrading: {Limit: 2}},
	}
	cfg.Plans = map[string]Tier{"gold": "GOLD"}

	table, err := NewQuotaTable(cfg)
	require.NoError(t, err)
	assert.Equal(t, Tier("BASIC"), table.Lowest())
	assert.Equal(t, Tier("GOLD"), table.Highest())
}
