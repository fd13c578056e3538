package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	VectorIndex VectorIndexConfig `json:"vector_index"`
	Embeddings  EmbeddingsConfig  `json:"embeddings"`
	LLM         LLMConfig         `json:"llm"`
	Sync        SyncConfig        `json:"sync"`
	Ranking     RankingConfig     `json:"ranking"`
}

type ServerConfig struct {
	HTTPAddr string `json:"http_addr"`
}

type StorageConfig struct {
	PostgresDSN string            `json:"postgres_dsn"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
}

type ObjectStoreConfig struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
}

type VectorIndexConfig struct {
	Addr             string `json:"addr"`
	APIKey           string `json:"api_key"`
	Dims             int    `json:"dims"`
	GlobalCollection string `json:"global_collection"`
	TenantPrefix     string `json:"tenant_prefix"`
	TimeoutMS        int    `json:"timeout_ms"`
}

type EmbeddingsConfig struct {
	Provider  string `json:"provider"`
	APIBase   string `json:"api_base"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	Dims      int    `json:"dims"`
	TimeoutMS int    `json:"timeout_ms"`
}

type LLMConfig struct {
	Provider        string   `json:"provider"`
	APIKey          string   `json:"api_key"`
	APIBase         string   `json:"api_base"`
	Model           string   `json:"model"`
	TimeoutMS       int      `json:"timeout_ms"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	MaxRetries      int      `json:"max_retries"`
	RedactPatterns  []string `json:"redact_patterns"`
}

type SyncConfig struct {
	Enabled     bool   `json:"enabled"`
	Cron        string `json:"cron"`
	BatchSize   int    `json:"batch_size"`
	Parallelism int    `json:"parallelism"`
}

// RankingConfig holds the composite-score policy. The numeric weights are
// an explicit policy choice; defaults live in Defaults().
type RankingConfig struct {
	TopKPerCollection   int     `json:"top_k_per_collection"`
	RerankTopN          int     `json:"rerank_top_n"`
	SuccessRateWeight   float64 `json:"success_rate_weight"`
	ExecutionLogWeight  float64 `json:"execution_log_weight"`
	RecencyHalfLifeDays float64 `json:"recency_half_life_days"`
	RecencyMaxBonus     float64 `json:"recency_max_bonus"`
	BrokenThreshold     int     `json:"broken_threshold"`
}

// Defaults returns the documented ranking policy used when fields are
// left zero in the config file.
func Defaults() RankingConfig {
	return RankingConfig{
		TopKPerCollection:   10,
		RerankTopN:          5,
		SuccessRateWeight:   0.10,
		ExecutionLogWeight:  0.02,
		RecencyHalfLifeDays: 30,
		RecencyMaxBonus:     0.05,
		BrokenThreshold:     3,
	}
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.Ranking.TopKPerCollection <= 0 {
		c.Ranking.TopKPerCollection = d.TopKPerCollection
	}
	if c.Ranking.RerankTopN <= 0 {
		c.Ranking.RerankTopN = d.RerankTopN
	}
	if c.Ranking.SuccessRateWeight == 0 {
		c.Ranking.SuccessRateWeight = d.SuccessRateWeight
	}
	if c.Ranking.ExecutionLogWeight == 0 {
		c.Ranking.ExecutionLogWeight = d.ExecutionLogWeight
	}
	if c.Ranking.RecencyHalfLifeDays == 0 {
		c.Ranking.RecencyHalfLifeDays = d.RecencyHalfLifeDays
	}
	if c.Ranking.RecencyMaxBonus == 0 {
		c.Ranking.RecencyMaxBonus = d.RecencyMaxBonus
	}
	if c.Ranking.BrokenThreshold <= 0 {
		c.Ranking.BrokenThreshold = d.BrokenThreshold
	}
	if c.VectorIndex.GlobalCollection == "" {
		c.VectorIndex.GlobalCollection = "playbooks_global"
	}
	if c.VectorIndex.TenantPrefix == "" {
		c.VectorIndex.TenantPrefix = "playbooks_tenant_"
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 4
	}
}

func (c Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr required")
	}
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn required")
	}
	if c.VectorIndex.Addr == "" {
		return errors.New("vector_index.addr required")
	}
	if c.VectorIndex.Dims <= 0 {
		return errors.New("vector_index.dims required")
	}
	if strings.TrimSpace(c.Embeddings.Provider) != "" {
		if strings.TrimSpace(c.Embeddings.Model) == "" {
			return errors.New("embeddings.model required when embeddings.provider is set")
		}
		if strings.TrimSpace(c.Embeddings.APIKey) == "" {
			return errors.New("embeddings.api_key required when embeddings.provider is set")
		}
	}
	if strings.TrimSpace(c.LLM.Provider) != "" {
		if strings.TrimSpace(c.LLM.Model) == "" {
			return errors.New("llm.model required when llm.provider is set")
		}
		p := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
		if (p == "openai" || p == "anthropic") && strings.TrimSpace(c.LLM.APIKey) == "" {
			return errors.New("llm.api_key required for llm.provider " + p)
		}
	}
	if c.Sync.Enabled && strings.TrimSpace(c.Sync.Cron) == "" {
		return errors.New("sync.cron required when sync.enabled is true")
	}
	return nil
}
