package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/renameio"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

// Tier identifies a model-config preset.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// ProjectStats drive tier selection.
type ProjectStats struct {
	FileCount  int `json:"fileCount"`
	TotalLines int `json:"totalLines"`
	// ComplexityScore folds file count and volume into one number:
	// fileCount + totalLines/100.
	ComplexityScore int `json:"complexityScore"`
}

// Score computes the complexity score from the raw counts.
func (s *ProjectStats) Score() int {
	return s.FileCount + s.TotalLines/100
}

// ModelConfig is the persisted shape of model-config.json.
type ModelConfig struct {
	Tier        Tier           `json:"tier"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Stats       ProjectStats   `json:"stats"`
	Embedding   TierEmbedding  `json:"embedding"`
	Cache       TierCache      `json:"cache"`
	Processing  TierProcessing `json:"processing"`
}

// TierEmbedding is the embedding section of the tier plan.
type TierEmbedding struct {
	BatchSize      int `json:"batchSize"`
	MaxConcurrent  int `json:"maxConcurrent"`
	TimeoutSeconds int `json:"timeout"`
}

// TierCache is the cache section of the tier plan.
type TierCache struct {
	EmbeddingCacheSize int `json:"embeddingCacheSize"`
}

// TierProcessing is the processing section of the tier plan.
type TierProcessing struct {
	ChunkSize int `json:"chunkSize"`
}

// Tier selection thresholds on the complexity score.
const (
	smallTierMaxScore  = 500
	mediumTierMaxScore = 5000
)

// ChooseTier maps project stats onto a preset.
func ChooseTier(stats ProjectStats) Tier {
	score := stats.ComplexityScore
	if score == 0 {
		score = stats.Score()
	}
	switch {
	case score <= smallTierMaxScore:
		return TierSmall
	case score <= mediumTierMaxScore:
		return TierMedium
	default:
		return TierLarge
	}
}

// PlanForTier returns the preset values for a tier.
func PlanForTier(tier Tier, stats ProjectStats) *ModelConfig {
	m := &ModelConfig{
		Tier:        tier,
		GeneratedAt: time.Now().UTC(),
		Stats:       stats,
	}
	switch tier {
	case TierSmall:
		m.Embedding = TierEmbedding{BatchSize: 32, MaxConcurrent: 1, TimeoutSeconds: 90}
		m.Cache = TierCache{EmbeddingCacheSize: 512}
		m.Processing = TierProcessing{ChunkSize: 4000}
	case TierLarge:
		m.Embedding = TierEmbedding{BatchSize: 100, MaxConcurrent: 4, TimeoutSeconds: 180}
		m.Cache = TierCache{EmbeddingCacheSize: 8192}
		m.Processing = TierProcessing{ChunkSize: 8000}
	default:
		m.Embedding = TierEmbedding{BatchSize: 64, MaxConcurrent: 2, TimeoutSeconds: 120}
		m.Cache = TierCache{EmbeddingCacheSize: 2048}
		m.Processing = TierProcessing{ChunkSize: 8000}
	}
	return m
}

// ReadModelConfig loads model-config.json; nil when absent.
func ReadModelConfig(p *project.Project) (*ModelConfig, error) {
	data, err := os.ReadFile(p.ConfigPath(project.ModelConfigName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigPermission, err)
	}

	var m ModelConfig
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"model-config.json is not valid JSON", err)
	}
	return &m, nil
}

// WriteModelConfig persists the tier plan atomically. user-config.json
// is never touched here, so user overrides survive regeneration.
func WriteModelConfig(p *project.Project, m *ModelConfig) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	if err := renameio.WriteFile(p.ConfigPath(project.ModelConfigName), data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeConfigPermission, err)
	}
	return nil
}

// GenerateModelConfig chooses a tier from stats and writes the plan,
// returning it. Existing plans are only replaced when regenerate is set.
func GenerateModelConfig(p *project.Project, stats ProjectStats, regenerate bool) (*ModelConfig, error) {
	if !regenerate {
		if existing, err := ReadModelConfig(p); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
	}

	stats.ComplexityScore = stats.Score()
	plan := PlanForTier(ChooseTier(stats), stats)
	if err := WriteModelConfig(p, plan); err != nil {
		return nil, err
	}
	return plan, nil
}
