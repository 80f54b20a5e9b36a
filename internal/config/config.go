package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration. Values come from
// DefaultConfig, optionally overlaid by a YAML file, then by environment
// variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Upload    UploadConfig    `yaml:"upload"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chat      ChatConfig      `yaml:"chat"`
	Search    SearchConfig    `yaml:"search"`
	RAG       RAGConfig       `yaml:"rag"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the persistence backend. A non-empty DatabaseURL
// selects Postgres; otherwise the embedded store lives under DataDir.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`
}

type UploadConfig struct {
	Dir               string   `yaml:"dir"`
	MaxBytes          int64    `yaml:"max_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ChunkingConfig struct {
	// Size: target chunk length in characters
	Size int `yaml:"size"`

	// Overlap: characters carried from the end of one chunk into the next
	Overlap int `yaml:"overlap"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint, e.g. for an OpenAI-compatible
	// local server
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	ChatModel  string `yaml:"chat_model"`
}

type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	ChatModel string `yaml:"chat_model"`
}

type EmbeddingConfig struct {
	// Dimensions: vector length every stored and queried embedding must have
	Dimensions int `yaml:"dimensions"`

	// MaxBatch: largest number of texts sent to the provider per request
	MaxBatch int `yaml:"max_batch"`
}

type ChatConfig struct {
	// Provider: "openai" or "anthropic"
	Provider string `yaml:"provider"`
}

type SearchConfig struct {
	TopKDefault    int     `yaml:"top_k_default"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
}

type RAGConfig struct {
	TopKDefault     int `yaml:"top_k_default"`
	MaxContextChars int `yaml:"max_context_chars"`
}

type IngestConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `yaml:"level"`

	// Format: "json" or "console"
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Store: StoreConfig{
			DataDir: "./data",
		},
		Upload: UploadConfig{
			Dir:               "./uploads",
			MaxBytes:          10 << 20, // 10 MiB
			AllowedExtensions: []string{".txt", ".pdf"},
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		OpenAI: OpenAIConfig{
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4",
		},
		Anthropic: AnthropicConfig{
			ChatModel: "claude-sonnet-4-20250514",
		},
		Embedding: EmbeddingConfig{
			Dimensions: 1536,
			MaxBatch:   100,
		},
		Chat: ChatConfig{
			Provider: "openai",
		},
		Search: SearchConfig{
			TopKDefault:    5,
			SemanticWeight: 0.7,
			KeywordWeight:  0.3,
		},
		RAG: RAGConfig{
			TopKDefault:     8,
			MaxContextChars: 6000,
		},
		Ingest: IngestConfig{
			Workers:   4,
			QueueSize: 256,
			Timeout:   5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides cfg fields from the environment. Unset variables leave
// the current value alone.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Store.DataDir, "DATA_DIR")
	setString(&cfg.Upload.Dir, "UPLOAD_DIR")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OpenAI.EmbedModel, "OPENAI_EMBED_MODEL")
	setString(&cfg.OpenAI.ChatModel, "OPENAI_CHAT_MODEL")
	setString(&cfg.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Anthropic.ChatModel, "ANTHROPIC_CHAT_MODEL")
	setString(&cfg.Chat.Provider, "CHAT_PROVIDER")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setList(&cfg.Upload.AllowedExtensions, "ALLOWED_EXTENSIONS")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Server.Port, "PORT"},
		{&cfg.Chunking.Size, "CHUNK_SIZE"},
		{&cfg.Chunking.Overlap, "CHUNK_OVERLAP"},
		{&cfg.Embedding.Dimensions, "EMBED_DIM"},
		{&cfg.Embedding.MaxBatch, "EMBED_BATCH_MAX"},
		{&cfg.Search.TopKDefault, "TOP_K_DEFAULT"},
		{&cfg.RAG.TopKDefault, "RAG_TOP_K_DEFAULT"},
		{&cfg.RAG.MaxContextChars, "MAX_CONTEXT_CHARS"},
		{&cfg.Ingest.Workers, "INGEST_WORKERS"},
		{&cfg.Ingest.QueueSize, "INGEST_QUEUE_SIZE"},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.key); err != nil {
			return err
		}
	}

	if err := setInt64(&cfg.Upload.MaxBytes, "MAX_UPLOAD_BYTES"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Search.SemanticWeight, "SEMANTIC_WEIGHT"); err != nil {
		return err
	}
	if err := setFloat(&cfg.Search.KeywordWeight, "KEYWORD_WEIGHT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Ingest.Timeout, "INGEST_TIMEOUT"); err != nil {
		return err
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var items []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	*dst = items
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if err := c.validateChunking(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateSearch(); err != nil {
		return err
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.MaxBatch <= 0 {
		return fmt.Errorf("embedding.max_batch must be positive, got %d", c.Embedding.MaxBatch)
	}

	switch c.Chat.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("chat.provider must be openai or anthropic, got %q", c.Chat.Provider)
	}

	if c.RAG.TopKDefault <= 0 {
		return fmt.Errorf("rag.top_k_default must be positive, got %d", c.RAG.TopKDefault)
	}
	if c.RAG.MaxContextChars <= 0 {
		return fmt.Errorf("rag.max_context_chars must be positive, got %d", c.RAG.MaxContextChars)
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.Timeout <= 0 {
		return fmt.Errorf("ingest.timeout must be positive, got %s", c.Ingest.Timeout)
	}

	return nil
}

func (c *Config) validateChunking() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must not be negative, got %d", c.Chunking.Overlap)
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be smaller than chunking.size, got %d >= %d",
			c.Chunking.Overlap, c.Chunking.Size)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("upload.allowed_extensions must list at least one extension")
	}
	for _, ext := range c.Upload.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("upload.allowed_extensions entries must start with a dot, got %q", ext)
		}
	}
	return nil
}

func (c *Config) validateSearch() error {
	if c.Search.TopKDefault <= 0 {
		return fmt.Errorf("search.top_k_default must be positive, got %d", c.Search.TopKDefault)
	}
	if c.Search.SemanticWeight < 0 || c.Search.KeywordWeight < 0 {
		return fmt.Errorf("search weights must not be negative, got semantic=%f keyword=%f",
			c.Search.SemanticWeight, c.Search.KeywordWeight)
	}
	if c.Search.SemanticWeight+c.Search.KeywordWeight <= 0 {
		return fmt.Errorf("search weights must not both be zero")
	}
	return nil
}
