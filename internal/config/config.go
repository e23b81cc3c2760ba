// Package config loads SpecMem configuration in layers: built-in
// defaults, then the generated tier plan (model-config.json), then
// user overrides (user-config.json), then environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

// Config is the resolved runtime configuration for one project.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Cache      CacheConfig      `json:"cache"`
	Processing ProcessingConfig `json:"processing"`
	Resources  ResourceConfig   `json:"resources"`
	Codebase   CodebaseConfig   `json:"codebase"`
	Session    SessionConfig    `json:"session"`
	Server     ServerConfig     `json:"server"`
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	// PoolSize bounds the pgx connection pool.
	PoolSize int `json:"pool_size"`
}

// URL renders a postgres connection string.
func (d DatabaseConfig) URL() string {
	u := fmt.Sprintf("postgres://%s@%s:%d/%s", d.User, d.Host, d.Port, d.Name)
	if d.Password != "" {
		u = fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
	}
	return u
}

// EmbeddingConfig tunes the broker.
type EmbeddingConfig struct {
	// BatchSize is the number of texts per batch_embed call.
	BatchSize int `json:"batchSize"`
	// MaxConcurrent bounds simultaneous worker connections (1-4).
	MaxConcurrent int `json:"maxConcurrent"`
	// Timeout is the single-request deadline.
	Timeout time.Duration `json:"timeout"`
	// WorkerCommand launches the embedding worker; the socket path is
	// appended as the final argument. Empty disables spawning (an
	// externally managed worker is awaited instead).
	WorkerCommand string `json:"workerCommand"`
	// Dimensions pins the vector width; 0 means adopt the broker's
	// advertised dimensionality on first use.
	Dimensions int `json:"dimensions"`
}

// CacheConfig sizes the embedding caches.
type CacheConfig struct {
	// EmbeddingCacheSize is the in-memory LRU entry count.
	EmbeddingCacheSize int `json:"embeddingCacheSize"`
	// DiskCache enables the persistent cache under specmem/cache.
	DiskCache bool `json:"diskCache"`
}

// ProcessingConfig tunes the indexing pipeline.
type ProcessingConfig struct {
	// ChunkSize caps the file content prefix used for embedding input.
	ChunkSize int `json:"chunkSize"`
	// FileBatchSize is the pipeline batch width in files.
	FileBatchSize int `json:"fileBatchSize"`
	// Parallelism bounds concurrent reads/writes inside a batch.
	Parallelism int `json:"parallelism"`
}

// ResourceConfig holds governor thresholds. Percent values are 0-100.
type ResourceConfig struct {
	CPUMaxPercent  float64 `json:"cpuMaxPercent"`
	CPUIdlePercent float64 `json:"cpuIdlePercent"`
	RAMMaxPercent  float64 `json:"ramMaxPercent"`
	RAMIdlePercent float64 `json:"ramIdlePercent"`
	// RAMMaxMB optionally caps by absolute megabytes; 0 disables.
	RAMMaxMB int `json:"ramMaxMB"`
	// RAMMinMB is the floor below which idle work never runs; 0 disables.
	RAMMinMB int `json:"ramMinMB"`
}

// CodebaseConfig controls code indexing.
type CodebaseConfig struct {
	// Enabled runs the scanner and pipeline at startup.
	Enabled bool `json:"enabled"`
	// ReconcileInterval bounds index staleness; 0 disables periodic runs.
	ReconcileInterval time.Duration `json:"reconcileInterval"`
	// Watch enables filesystem-event triggered reconciliation.
	Watch bool `json:"watch"`
	// MaxFileSizeKB skips files larger than this during scanning.
	MaxFileSizeKB int `json:"maxFileSizeKB"`
}

// SessionConfig controls transcript import.
type SessionConfig struct {
	ImportEnabled bool `json:"importEnabled"`
	// TranscriptDir overrides the default host-assistant transcript
	// location (~/.claude/projects/<munged path>).
	TranscriptDir string `json:"transcriptDir"`
}

// ServerConfig holds service-level knobs.
type ServerConfig struct {
	LogLevel string `json:"logLevel"`
	Debug    bool   `json:"debug"`
}

// New returns the built-in defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "specmem",
			User:     defaultDBUser(),
			PoolSize: 3,
		},
		Embedding: EmbeddingConfig{
			BatchSize:     64,
			MaxConcurrent: 2,
			Timeout:       90 * time.Second,
		},
		Cache: CacheConfig{
			EmbeddingCacheSize: 2048,
			DiskCache:          true,
		},
		Processing: ProcessingConfig{
			ChunkSize:     8000,
			FileBatchSize: 50,
			Parallelism:   16,
		},
		Resources: ResourceConfig{
			CPUMaxPercent:  90,
			CPUIdlePercent: 5,
			RAMMaxPercent:  80,
			RAMIdlePercent: 15,
		},
		Codebase: CodebaseConfig{
			Enabled:           true,
			ReconcileInterval: 10 * time.Minute,
			MaxFileSizeKB:     1024,
		},
		Session: SessionConfig{
			ImportEnabled: true,
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// Load resolves the configuration for a project: defaults, tier plan,
// user overrides, then environment variables.
func Load(p *project.Project) (*Config, error) {
	cfg := New()

	if model, err := ReadModelConfig(p); err != nil {
		return nil, err
	} else if model != nil {
		cfg.applyModelConfig(model)
	}

	if user, err := readUserConfig(p); err != nil {
		return nil, err
	} else if user != nil {
		cfg.applyUserConfig(user)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Embedding.MaxConcurrent < 1 || c.Embedding.MaxConcurrent > 4 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"embedding.maxConcurrent must be 1-4, got %d", c.Embedding.MaxConcurrent)
	}
	if c.Embedding.BatchSize < 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"embedding.batchSize must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Database.PoolSize < 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"database.pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Resources.CPUMaxPercent <= 0 || c.Resources.CPUMaxPercent > 100 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"resources.cpuMaxPercent must be in (0,100], got %g", c.Resources.CPUMaxPercent)
	}
	if c.Resources.RAMMaxPercent <= 0 || c.Resources.RAMMaxPercent > 100 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"resources.ramMaxPercent must be in (0,100], got %g", c.Resources.RAMMaxPercent)
	}
	return nil
}

func (c *Config) applyModelConfig(m *ModelConfig) {
	if m.Embedding.BatchSize > 0 {
		c.Embedding.BatchSize = m.Embedding.BatchSize
	}
	if m.Embedding.MaxConcurrent > 0 {
		c.Embedding.MaxConcurrent = m.Embedding.MaxConcurrent
	}
	if m.Embedding.TimeoutSeconds > 0 {
		c.Embedding.Timeout = time.Duration(m.Embedding.TimeoutSeconds) * time.Second
	}
	if m.Cache.EmbeddingCacheSize > 0 {
		c.Cache.EmbeddingCacheSize = m.Cache.EmbeddingCacheSize
	}
	if m.Processing.ChunkSize > 0 {
		c.Processing.ChunkSize = m.Processing.ChunkSize
	}
}

func (c *Config) applyUserConfig(u *UserConfig) {
	if u.Resources.CPUMaxPercent > 0 {
		c.Resources.CPUMaxPercent = u.Resources.CPUMaxPercent
	}
	if u.Resources.CPUIdlePercent > 0 {
		c.Resources.CPUIdlePercent = u.Resources.CPUIdlePercent
	}
	if u.Resources.RAMMaxPercent > 0 {
		c.Resources.RAMMaxPercent = u.Resources.RAMMaxPercent
	}
	if u.Resources.RAMIdlePercent > 0 {
		c.Resources.RAMIdlePercent = u.Resources.RAMIdlePercent
	}
	if u.Resources.RAMMaxMB > 0 {
		c.Resources.RAMMaxMB = u.Resources.RAMMaxMB
	}
	if u.Resources.RAMMinMB > 0 {
		c.Resources.RAMMinMB = u.Resources.RAMMinMB
	}
}

// applyEnvOverrides applies SPECMEM_* variables, the highest layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPECMEM_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("SPECMEM_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("SPECMEM_DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("SPECMEM_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("SPECMEM_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}

	if v := os.Getenv("SPECMEM_CPU_MAX"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 100 {
			c.Resources.CPUMaxPercent = f
		}
	}
	if v := os.Getenv("SPECMEM_CPU_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 100 {
			c.Resources.CPUIdlePercent = f
		}
	}
	if v := os.Getenv("SPECMEM_RAM_MAX_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Resources.RAMMaxMB = n
		}
	}
	if v := os.Getenv("SPECMEM_RAM_MIN_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Resources.RAMMinMB = n
		}
	}

	if v := os.Getenv("SPECMEM_CODEBASE_ENABLED"); v != "" {
		c.Codebase.Enabled = isTruthy(v)
	}
	if v := os.Getenv("SPECMEM_WORKER_CMD"); v != "" {
		c.Embedding.WorkerCommand = v
	}
	if v := os.Getenv("SPECMEM_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("SPECMEM_DEBUG"); v != "" && isTruthy(v) {
		c.Server.Debug = true
		c.Server.LogLevel = "debug"
	}
}

// UserConfig is the persisted shape of user-config.json. It survives
// tier plan regeneration.
type UserConfig struct {
	Resources ResourceConfig `json:"resources"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func readUserConfig(p *project.Project) (*UserConfig, error) {
	data, err := os.ReadFile(p.ConfigPath(project.UserConfigName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigPermission, err)
	}

	var u UserConfig
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"user-config.json is not valid JSON", err)
	}
	return &u, nil
}

// SaveUserConfig persists resource thresholds so they survive tier
// plan regeneration. Writes are atomic.
func SaveUserConfig(p *project.Project, res ResourceConfig) error {
	u := UserConfig{Resources: res, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	if err := renameio.WriteFile(p.ConfigPath(project.UserConfigName), data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeConfigPermission, err)
	}
	return nil
}

// PersistResourceEnv writes user-config.json when any SPECMEM_CPU_* or
// SPECMEM_RAM_* variable is set, as those are meant to stick.
func PersistResourceEnv(p *project.Project, cfg *Config) error {
	for _, key := range []string{"SPECMEM_CPU_MIN", "SPECMEM_CPU_MAX", "SPECMEM_RAM_MIN_MB", "SPECMEM_RAM_MAX_MB"} {
		if os.Getenv(key) != "" {
			return SaveUserConfig(p, cfg.Resources)
		}
	}
	return nil
}

func defaultDBUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "specmem"
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
