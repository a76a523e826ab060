// Package config provides configuration management for Strata.
// Settings start from defaults, are overlaid by an optional YAML file
// (strata.yaml in the workspace, or an explicit path), and finally by
// environment variables with the STRATA_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the workspace when no explicit path is given.
const DefaultFileName = "strata.yaml"

// Config holds all configuration settings for Strata.
type Config struct {
	Workspace   string            `yaml:"workspace" env:"STRATA_WORKSPACE"`
	Hot         HotConfig         `yaml:"hot"`
	Warm        WarmConfig        `yaml:"warm"`
	Cold        ColdConfig        `yaml:"cold"`
	Capture     CaptureConfig     `yaml:"capture"`
	Tiering     TieringConfig     `yaml:"tiering"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Server      ServerConfig      `yaml:"server"`
}

// HotConfig contains session tier settings.
type HotConfig struct {
	Enabled     bool   `yaml:"enabled" env:"STRATA_HOT_ENABLED"`           // default: true
	MaxEntries  int    `yaml:"max_entries" env:"STRATA_HOT_MAX_ENTRIES"`   // default: 100
	SessionFile string `yaml:"session_file" env:"STRATA_HOT_SESSION_FILE"` // default: SESSION.md
}

// WarmConfig contains vector tier settings.
type WarmConfig struct {
	Enabled             bool          `yaml:"enabled" env:"STRATA_WARM_ENABLED"`
	Dimension           int           `yaml:"dimension" env:"STRATA_WARM_DIMENSION"`                       // default: 384
	MaxResults          int           `yaml:"max_results" env:"STRATA_WARM_MAX_RESULTS"`                   // default: 10
	SimilarityThreshold float64       `yaml:"similarity_threshold" env:"STRATA_WARM_SIMILARITY_THRESHOLD"` // default: 0.3
	Capacity            int           `yaml:"capacity" env:"STRATA_WARM_CAPACITY"`                         // default: 10000
	Index               string        `yaml:"index" env:"STRATA_WARM_INDEX"`                               // chromem, flat, pgvector
	PostgresDSN         string        `yaml:"postgres_dsn" env:"STRATA_WARM_POSTGRES_DSN"`
	IndexFile           string        `yaml:"index_file" env:"STRATA_WARM_INDEX_FILE"` // default: warm_index.json
	SearchTimeout       time.Duration `yaml:"search_timeout" env:"STRATA_WARM_SEARCH_TIMEOUT"`
	RehydrateOnStart    bool          `yaml:"rehydrate_on_start" env:"STRATA_WARM_REHYDRATE_ON_START"`
}

// ColdConfig contains archive tier settings.
type ColdConfig struct {
	Enabled       bool   `yaml:"enabled" env:"STRATA_COLD_ENABLED"`
	AutoArchive   bool   `yaml:"auto_archive" env:"STRATA_COLD_AUTO_ARCHIVE"`
	GitEnabled    bool   `yaml:"git_enabled" env:"STRATA_COLD_GIT_ENABLED"`
	KeywordSearch bool   `yaml:"keyword_search" env:"STRATA_COLD_KEYWORD_SEARCH"`
	FuzzySearch   bool   `yaml:"fuzzy_search" env:"STRATA_COLD_FUZZY_SEARCH"`
	DBFile        string `yaml:"db_file" env:"STRATA_COLD_DB_FILE"`               // default: archive.db
	KeepSnapshots int    `yaml:"keep_snapshots" env:"STRATA_COLD_KEEP_SNAPSHOTS"` // default: 10
}

// CaptureConfig contains extraction settings.
type CaptureConfig struct {
	MinConfidence  float64 `yaml:"min_confidence" env:"STRATA_CAPTURE_MIN_CONFIDENCE"`     // default: 0.6
	MaxContextSize int     `yaml:"max_context_size" env:"STRATA_CAPTURE_MAX_CONTEXT_SIZE"` // default: 10
}

// TieringConfig contains promotion and archival policy settings.
type TieringConfig struct {
	ImportanceThreshold float64       `yaml:"importance_threshold" env:"STRATA_TIERING_IMPORTANCE_THRESHOLD"`
	MinDwell            time.Duration `yaml:"min_dwell" env:"STRATA_TIERING_MIN_DWELL"`
	WarmIdleAge         time.Duration `yaml:"warm_idle_age" env:"STRATA_TIERING_WARM_IDLE_AGE"`
	HighWater           float64       `yaml:"high_water" env:"STRATA_TIERING_HIGH_WATER"`
	LowWater            float64       `yaml:"low_water" env:"STRATA_TIERING_LOW_WATER"`
	ReinforceBoost      float64       `yaml:"reinforce_boost" env:"STRATA_TIERING_REINFORCE_BOOST"`
}

// RetrievalConfig contains ranking settings.
type RetrievalConfig struct {
	DefaultTopK int     `yaml:"default_top_k" env:"STRATA_RETRIEVAL_DEFAULT_TOP_K"`
	Weights     Weights `yaml:"weights"`
}

// Weights are the per-component ranking weights. They must keep the order
// vector > keyword > fuzzy.
type Weights struct {
	Vector  float64 `yaml:"vector" env:"STRATA_RETRIEVAL_WEIGHT_VECTOR"`
	Keyword float64 `yaml:"keyword" env:"STRATA_RETRIEVAL_WEIGHT_KEYWORD"`
	Fuzzy   float64 `yaml:"fuzzy" env:"STRATA_RETRIEVAL_WEIGHT_FUZZY"`
}

// EmbeddingConfig contains embedding provider settings.
type EmbeddingConfig struct {
	Provider        string        `yaml:"provider" env:"STRATA_EMBEDDING_PROVIDER"` // hash, ollama, onnx
	Model           string        `yaml:"model" env:"STRATA_EMBEDDING_MODEL"`
	OllamaURL       string        `yaml:"ollama_url" env:"STRATA_EMBEDDING_OLLAMA_URL"`
	ModelPath       string        `yaml:"model_path" env:"STRATA_EMBEDDING_MODEL_PATH"` // onnx only
	Timeout         time.Duration `yaml:"timeout" env:"STRATA_EMBEDDING_TIMEOUT"`
	CacheSize       int           `yaml:"cache_size" env:"STRATA_EMBEDDING_CACHE_SIZE"`
	RatePerSec      float64       `yaml:"rate_per_sec" env:"STRATA_EMBEDDING_RATE_PER_SEC"`
	BreakerFailures int           `yaml:"breaker_failures" env:"STRATA_EMBEDDING_BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"STRATA_EMBEDDING_BREAKER_TIMEOUT"`
}

// MaintenanceConfig contains scheduling settings.
type MaintenanceConfig struct {
	Schedule          string `yaml:"schedule" env:"STRATA_MAINTENANCE_SCHEDULE"`
	MaintainOnCapture bool   `yaml:"maintain_on_capture" env:"STRATA_MAINTENANCE_ON_CAPTURE"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host  string  `yaml:"host" env:"STRATA_SERVER_HOST"` // default: 127.0.0.1
	Port  int     `yaml:"port" env:"STRATA_SERVER_PORT"` // default: 6464
	Rate  float64 `yaml:"rate" env:"STRATA_SERVER_RATE"` // requests per second
	Burst int     `yaml:"burst" env:"STRATA_SERVER_BURST"`
	Token string  `yaml:"token" env:"STRATA_SERVER_TOKEN"` // optional bearer token for /api
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Hot: HotConfig{
			Enabled:     true,
			MaxEntries:  100,
			SessionFile: "SESSION.md",
		},
		Warm: WarmConfig{
			Enabled:             true,
			Dimension:           384,
			MaxResults:          10,
			SimilarityThreshold: 0.3,
			Capacity:            10000,
			Index:               "chromem",
			IndexFile:           "warm_index.json",
			SearchTimeout:       2 * time.Second,
			RehydrateOnStart:    true,
		},
		Cold: ColdConfig{
			Enabled:       true,
			AutoArchive:   true,
			KeywordSearch: true,
			FuzzySearch:   true,
			DBFile:        "archive.db",
			KeepSnapshots: 10,
		},
		Capture: CaptureConfig{
			MinConfidence:  0.6,
			MaxContextSize: 10,
		},
		Tiering: TieringConfig{
			ImportanceThreshold: 0.6,
			MinDwell:            time.Minute,
			WarmIdleAge:         7 * 24 * time.Hour,
			HighWater:           0.9,
			LowWater:            0.75,
			ReinforceBoost:      0.05,
		},
		Retrieval: RetrievalConfig{
			DefaultTopK: 5,
			Weights:     Weights{Vector: 0.55, Keyword: 0.30, Fuzzy: 0.15},
		},
		Embedding: EmbeddingConfig{
			Provider:        "hash",
			Model:           "nomic-embed-text",
			OllamaURL:       "http://localhost:11434",
			Timeout:         5 * time.Second,
			CacheSize:       1024,
			RatePerSec:      20,
			BreakerFailures: 3,
			BreakerTimeout:  30 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "*/15 * * * *",
		},
		Server: ServerConfig{
			Host:  "127.0.0.1",
			Port:  6464,
			Rate:  20,
			Burst: 40,
		},
	}
}

// Load builds the configuration. When path is empty, strata.yaml inside the
// workspace (from STRATA_WORKSPACE or the default) is used if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		ws := os.Getenv("STRATA_WORKSPACE")
		if ws == "" {
			ws = cfg.Workspace
		}
		path = filepath.Join(ws, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	if c.Hot.MaxEntries < 1 {
		return fmt.Errorf("config: hot.max_entries must be positive, got %d", c.Hot.MaxEntries)
	}
	if c.Warm.Dimension < 1 {
		return fmt.Errorf("config: warm.dimension must be positive, got %d", c.Warm.Dimension)
	}
	if c.Warm.Capacity < 1 {
		return fmt.Errorf("config: warm.capacity must be positive, got %d", c.Warm.Capacity)
	}
	if c.Warm.SimilarityThreshold < -1 || c.Warm.SimilarityThreshold > 1 {
		return fmt.Errorf("config: warm.similarity_threshold must be within [-1,1], got %v", c.Warm.SimilarityThreshold)
	}
	switch c.Warm.Index {
	case "chromem", "flat":
	case "pgvector":
		if c.Warm.PostgresDSN == "" {
			return errors.New("config: warm.postgres_dsn is required for the pgvector index")
		}
	default:
		return fmt.Errorf("config: unknown warm.index %q", c.Warm.Index)
	}
	if c.Capture.MinConfidence < 0 || c.Capture.MinConfidence > 1 {
		return fmt.Errorf("config: capture.min_confidence must be within [0,1], got %v", c.Capture.MinConfidence)
	}
	if c.Capture.MaxContextSize < 1 {
		return fmt.Errorf("config: capture.max_context_size must be positive, got %d", c.Capture.MaxContextSize)
	}
	if c.Tiering.ImportanceThreshold < 0 || c.Tiering.ImportanceThreshold > 1 {
		return fmt.Errorf("config: tiering.importance_threshold must be within [0,1], got %v", c.Tiering.ImportanceThreshold)
	}
	if c.Tiering.LowWater <= 0 || c.Tiering.LowWater > c.Tiering.HighWater || c.Tiering.HighWater > 1 {
		return fmt.Errorf("config: tiering watermarks must satisfy 0 < low (%v) <= high (%v) <= 1",
			c.Tiering.LowWater, c.Tiering.HighWater)
	}
	w := c.Retrieval.Weights
	if w.Fuzzy < 0 || !(w.Vector > w.Keyword && w.Keyword > w.Fuzzy) {
		return fmt.Errorf("config: retrieval weights must satisfy vector > keyword > fuzzy >= 0, got %v/%v/%v",
			w.Vector, w.Keyword, w.Fuzzy)
	}
	switch c.Embedding.Provider {
	case "hash", "ollama", "onnx":
	default:
		return fmt.Errorf("config: unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Timeout <= 0 {
		return errors.New("config: embedding.timeout must be positive")
	}
	return nil
}

// DataPath returns the directory holding all persisted tier artifacts.
func (c *Config) DataPath() string {
	return filepath.Join(c.Workspace, "memory")
}

// SessionPath returns the hot tier session document path.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataPath(), c.Hot.SessionFile)
}

// WarmIndexPath returns the warm tier artifact path.
func (c *Config) WarmIndexPath() string {
	return filepath.Join(c.DataPath(), c.Warm.IndexFile)
}

// ArchivePath returns the cold tier database path.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataPath(), c.Cold.DBFile)
}

// SnapshotPath returns the directory for per-cycle archive snapshots.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataPath(), "snapshots")
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
