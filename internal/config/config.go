// Package config loads the orchestration core's runtime knobs (spec §6)
// from a YAML file overlaid with environment variables, grounded on the
// teacher corpus's koanf-based loaders (kadirpekel-hector's
// pkg/config/koanf_loader.go; sidedotdev-sidekick's common/local_config.go).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix environment variables must carry to override
// config, e.g. ACTIVITYCORE_TOOL_TIMEOUT_MS=30000.
const EnvPrefix = "ACTIVITYCORE_"

// Config holds every tunable named in spec §6.
type Config struct {
	// SemanticRouting toggles whether PromptRouter attempts semantic search
	// at all, independent of its RoutingMode.
	SemanticRouting bool `koanf:"semanticRouting"`

	// ToolTimeoutMs is the default per-tool-call timeout.
	ToolTimeoutMs int `koanf:"toolTimeoutMs"`

	// RequestTimeoutMs bounds an entire turn, across all handoffs.
	RequestTimeoutMs int `koanf:"requestTimeoutMs"`

	// MaxHandoffDepth bounds multi-model handoff chains.
	MaxHandoffDepth int `koanf:"maxHandoffDepth"`

	// HandoffModels maps a handoff role name ("reasoning", "tool_execution",
	// "synthesis", "fallback") to the model ID that role resumes the stream
	// on (spec §4.4 step 2). A role absent here is never advertised to the
	// provider as a callable handoff.
	HandoffModels map[string]string `koanf:"handoffModels"`

	// FanoutBuffer is the default bounded-channel capacity per subscriber.
	FanoutBuffer int `koanf:"fanoutBuffer"`

	// SSELossless forces the SSE subscriber onto PolicyLossless regardless
	// of global defaults.
	SSELossless bool `koanf:"sseLossless"`

	// ThinkingBudgetDefault maps a provider family to its default thinking
	// token budget, applied when a request doesn't specify one.
	ThinkingBudgetDefault map[string]int `koanf:"thinkingBudgetDefault"`

	// AbortGraceMs is copied into Orchestrator.AbortGrace; the orchestrator's
	// turn loop does not wait on it after an abort signal.
	AbortGraceMs int `koanf:"abortGraceMs"`

	// MongoURI / PostgresDSN select the relational store backend; Mongo
	// takes precedence when both are set (spec §6, §12).
	MongoURI    string `koanf:"mongoUri"`
	PostgresDSN string `koanf:"postgresDsn"`

	// LocalStorePath selects the local append-only JSONL store, used when
	// neither MongoURI nor PostgresDSN is set (local/CLI mode).
	LocalStorePath string `koanf:"localStorePath"`

	// MongoDatabase names the database promptrouter/store use when MongoURI
	// is set.
	MongoDatabase string `koanf:"mongoDatabase"`

	// RedisAddr, when set, enables the Redis-backed prompt resolution
	// cache (spec §4.2 caching); empty disables caching.
	RedisAddr string `koanf:"redisAddr"`

	// VectorIndexBackend selects promptrouter's semantic-search backend:
	// "chromem" (embedded, zero external service), "pinecone", or "qdrant".
	// Empty disables semantic routing regardless of SemanticRouting (spec §6
	// local mode has no vector store to dial).
	VectorIndexBackend string `koanf:"vectorIndexBackend"`

	// PineconeAPIKey / PineconeIndex configure the Pinecone VectorIndex
	// backend when VectorIndexBackend is "pinecone".
	PineconeAPIKey string `koanf:"pineconeApiKey"`
	PineconeIndex  string `koanf:"pineconeIndex"`

	// QdrantHost / QdrantPort / QdrantAPIKey configure the Qdrant
	// VectorIndex backend when VectorIndexBackend is "qdrant".
	QdrantHost   string `koanf:"qdrantHost"`
	QdrantPort   int    `koanf:"qdrantPort"`
	QdrantAPIKey string `koanf:"qdrantApiKey"`

	// AnthropicAPIKey authenticates the Anthropic provider transport.
	AnthropicAPIKey string `koanf:"anthropicApiKey"`

	// OpenAIAPIKey authenticates the OpenAI Responses provider transport.
	OpenAIAPIKey string `koanf:"openaiApiKey"`

	// BedrockRegion selects the AWS region the Bedrock provider transport
	// dials; empty defers to the AWS SDK's own region resolution chain
	// (AWS_REGION env var, shared config file, etc).
	BedrockRegion string `koanf:"bedrockRegion"`

	// BedrockEnabled gates whether the Bedrock provider transport is wired at
	// all, since loading AWS config has side effects (reads ~/.aws, env)
	// that local/CLI mode (spec §12) shouldn't pay for by default.
	BedrockEnabled bool `koanf:"bedrockEnabled"`

	// RateLimitTPM / RateLimitMaxTPM configure the AdaptiveRateLimiter placed
	// in front of every wired provider transport; RateLimitTPM <= 0 disables
	// rate limiting entirely (spec §12 supplemented feature: backpressure so
	// one saturated provider doesn't starve the fanout of every concurrent
	// turn).
	RateLimitTPM    float64 `koanf:"rateLimitTpm"`
	RateLimitMaxTPM float64 `koanf:"rateLimitMaxTpm"`

	// BlockedToolTags and BlockedTools gate which registered tools are
	// advertised to providers at all, regardless of a turn's EnabledTools
	// request (spec §12 supplemented feature: operator-level tool denylist,
	// e.g. disabling file_edit-tagged tools on a read-only deployment).
	BlockedToolTags []string `koanf:"blockedToolTags"`
	BlockedTools    []string `koanf:"blockedTools"`

	// AdminUserIDs is the static fallback admin allowlist used when no
	// identity-management system is wired (spec §4.2 admin gate; spec §12
	// local/CLI mode has no separate user directory to query).
	AdminUserIDs []string `koanf:"adminUserIds"`

	// TemporalHostPort / TemporalNamespace / TemporalTaskQueue configure the
	// Temporal client and worker (SPEC_FULL.md §11 domain stack).
	TemporalHostPort  string `koanf:"temporalHostPort"`
	TemporalNamespace string `koanf:"temporalNamespace"`
	TemporalTaskQueue string `koanf:"temporalTaskQueue"`
}

// Default returns the configuration used when no file or env override is
// present.
func Default() Config {
	return Config{
		SemanticRouting:  true,
		ToolTimeoutMs:    60000,
		RequestTimeoutMs: 600000,
		MaxHandoffDepth:  4,
		FanoutBuffer:     256,
		SSELossless:      true,
		ThinkingBudgetDefault: map[string]int{
			"anthropic": 16000,
			"openai":    8000,
			"gemini":    8000,
			"deepseek":  0,
			"bedrock":   16000,
		},
		AbortGraceMs:      500,
		LocalStorePath:    "./activitycore-data.jsonl",
		MongoDatabase:     "activitycore",
		TemporalHostPort:  "127.0.0.1:7233",
		TemporalNamespace: "default",
		TemporalTaskQueue: "activitycore-turns",
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then overlays
// any ACTIVITYCORE_-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(confmapFromStruct(cfg), nil); err != nil {
		return cfg, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyTransform), nil); err != nil {
		return cfg, fmt.Errorf("config: load env: %w", err)
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}

// envKeyTransform maps ACTIVITYCORE_TOOL_TIMEOUT_MS (or
// ACTIVITYCORE_TOOLTIMEOUTMS) to the koanf key toolTimeoutMs: the prefix is
// trimmed, underscores dropped, and the rest matched case-insensitively
// against the struct's koanf keys, so the env value replaces the same key
// the defaults and the file set.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", ""))
	keys, _ := structProvider{}.Read()
	for k := range keys {
		if strings.ToLower(k) == s {
			return k
		}
	}
	return s
}

func confmapFromStruct(cfg Config) koanf.Provider {
	return structProvider{cfg: cfg}
}

// structProvider adapts a Config's defaults into a koanf.Provider so Load
// always starts from a consistent baseline that file/env overlays refine,
// rather than duplicating the defaults as a literal map.
type structProvider struct{ cfg Config }

func (p structProvider) ReadBytes() ([]byte, error) { return nil, fmt.Errorf("not supported") }

func (p structProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"semanticRouting":       p.cfg.SemanticRouting,
		"toolTimeoutMs":         p.cfg.ToolTimeoutMs,
		"requestTimeoutMs":      p.cfg.RequestTimeoutMs,
		"maxHandoffDepth":       p.cfg.MaxHandoffDepth,
		"handoffModels":         p.cfg.HandoffModels,
		"fanoutBuffer":          p.cfg.FanoutBuffer,
		"sseLossless":           p.cfg.SSELossless,
		"thinkingBudgetDefault": p.cfg.ThinkingBudgetDefault,
		"abortGraceMs":          p.cfg.AbortGraceMs,
		"mongoUri":              p.cfg.MongoURI,
		"postgresDsn":           p.cfg.PostgresDSN,
		"localStorePath":        p.cfg.LocalStorePath,
		"mongoDatabase":         p.cfg.MongoDatabase,
		"redisAddr":             p.cfg.RedisAddr,
		"vectorIndexBackend":    p.cfg.VectorIndexBackend,
		"pineconeApiKey":        p.cfg.PineconeAPIKey,
		"pineconeIndex":         p.cfg.PineconeIndex,
		"qdrantHost":            p.cfg.QdrantHost,
		"qdrantPort":            p.cfg.QdrantPort,
		"qdrantApiKey":          p.cfg.QdrantAPIKey,
		"anthropicApiKey":       p.cfg.AnthropicAPIKey,
		"openaiApiKey":          p.cfg.OpenAIAPIKey,
		"bedrockRegion":         p.cfg.BedrockRegion,
		"bedrockEnabled":        p.cfg.BedrockEnabled,
		"rateLimitTpm":          p.cfg.RateLimitTPM,
		"rateLimitMaxTpm":       p.cfg.RateLimitMaxTPM,
		"blockedToolTags":       p.cfg.BlockedToolTags,
		"blockedTools":          p.cfg.BlockedTools,
		"adminUserIds":          p.cfg.AdminUserIDs,
		"temporalHostPort":      p.cfg.TemporalHostPort,
		"temporalNamespace":     p.cfg.TemporalNamespace,
		"temporalTaskQueue":     p.cfg.TemporalTaskQueue,
	}, nil
}

// ToolTimeout returns ToolTimeoutMs as a time.Duration.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a time.Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// AbortGrace returns AbortGraceMs as a time.Duration.
func (c Config) AbortGrace() time.Duration {
	return time.Duration(c.AbortGraceMs) * time.Millisecond
}
