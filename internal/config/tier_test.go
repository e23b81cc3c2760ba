package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseTier_ByComplexityScore(t *testing.T) {
	tests := []struct {
		name  string
		stats ProjectStats
		want  Tier
	}{
		{"tiny tree", ProjectStats{FileCount: 10, TotalLines: 800}, TierSmall},
		{"boundary small", ProjectStats{ComplexityScore: 500}, TierSmall},
		{"mid-size service", ProjectStats{FileCount: 400, TotalLines: 120000}, TierMedium},
		{"boundary medium", ProjectStats{ComplexityScore: 5000}, TierMedium},
		{"monorepo", ProjectStats{FileCount: 5000, TotalLines: 2000000}, TierLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseTier(tt.stats))
		})
	}
}

func TestScore_FoldsCountAndVolume(t *testing.T) {
	s := ProjectStats{FileCount: 100, TotalLines: 50000}
	assert.Equal(t, 600, s.Score())
}

func TestPlanForTier_PresetsComplete(t *testing.T) {
	for _, tier := range []Tier{TierSmall, TierMedium, TierLarge} {
		plan := PlanForTier(tier, ProjectStats{})
		assert.Equal(t, tier, plan.Tier)
		assert.Positive(t, plan.Embedding.BatchSize)
		assert.Positive(t, plan.Embedding.MaxConcurrent)
		assert.Positive(t, plan.Embedding.TimeoutSeconds)
		assert.Positive(t, plan.Cache.EmbeddingCacheSize)
		assert.Positive(t, plan.Processing.ChunkSize)
	}
}

func TestGenerateModelConfig_WritesOnce(t *testing.T) {
	p := testProject(t)

	first, err := GenerateModelConfig(p, ProjectStats{FileCount: 10000}, false)
	require.NoError(t, err)
	assert.Equal(t, TierLarge, first.Tier)

	// A second call with different stats keeps the existing plan.
	second, err := GenerateModelConfig(p, ProjectStats{FileCount: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, TierLarge, second.Tier)
}

func TestGenerateModelConfig_RegenerateReplaces(t *testing.T) {
	p := testProject(t)

	_, err := GenerateModelConfig(p, ProjectStats{FileCount: 10000}, false)
	require.NoError(t, err)

	plan, err := GenerateModelConfig(p, ProjectStats{FileCount: 5}, true)
	require.NoError(t, err)
	assert.Equal(t, TierSmall, plan.Tier)
}

func TestReadModelConfig_AbsentIsNil(t *testing.T) {
	p := testProject(t)

	m, err := ReadModelConfig(p)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestWriteModelConfig_RoundTrips(t *testing.T) {
	p := testProject(t)

	in := PlanForTier(TierMedium, ProjectStats{FileCount: 300, TotalLines: 90000, ComplexityScore: 1200})
	require.NoError(t, WriteModelConfig(p, in))

	out, err := ReadModelConfig(p)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.Tier, out.Tier)
	assert.Equal(t, in.Embedding, out.Embedding)
	assert.Equal(t, in.Stats, out.Stats)
}
