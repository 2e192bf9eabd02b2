// Package server wires the orchestration core's dependencies together and
// exposes them over the SSE HTTP transport described in spec §6, grounded
// on the teacher's cmd/*/main.go + internal wiring style (goa-ai keeps
// construction in main; this module's equivalent lives in Wire so
// cmd/activityserver/main.go stays a thin bootstrap).
package server

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/arcflow-run/activitycore/internal/builtintools"
	"github.com/arcflow-run/activitycore/internal/capability"
	"github.com/arcflow-run/activitycore/internal/config"
	"github.com/arcflow-run/activitycore/internal/engine"
	"github.com/arcflow-run/activitycore/internal/normalizer"
	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/promptrouter"
	"github.com/arcflow-run/activitycore/internal/providertransport"
	"github.com/arcflow-run/activitycore/internal/store"
	"github.com/arcflow-run/activitycore/internal/telemetry"
	"github.com/arcflow-run/activitycore/internal/toolinvoker"
)

// Deps holds every constructed dependency cmd/activityserver needs. Fields
// are exported so NewRouter (in http.go) can read them without a second
// constructor layer.
type Deps struct {
	Config       config.Config
	Telemetry    telemetry.Bundle
	Orchestrator *orchestrator.Orchestrator
	Sessions     *engine.SessionRegistry
	TemporalCli  client.Client
	Worker       worker.Worker
	Store        store.SessionStore

	closers []func(context.Context) error
}

// Close tears down every dependency Wire constructed, in reverse order, and
// returns the first error encountered (continuing to close the rest).
func (d *Deps) Close(ctx context.Context) error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wire constructs the full dependency graph from cfg: capability registry,
// prompt router, tool registry, provider transport(s), session store,
// orchestrator, and Temporal client/worker.
func Wire(ctx context.Context, cfg config.Config) (*Deps, error) {
	d := &Deps{Config: cfg, Telemetry: telemetry.Bundle{
		Log:     telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}}

	sessionStore, err := wireStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.Store = sessionStore
	d.closers = append(d.closers, sessionStore.Close)

	caps := seedCapabilities()

	router, err := wireRouter(ctx, cfg, d)
	if err != nil {
		return nil, err
	}

	tools := toolinvoker.NewRegistry()
	if err := builtintools.Register(tools); err != nil {
		return nil, err
	}
	if len(cfg.BlockedToolTags) > 0 || len(cfg.BlockedTools) > 0 {
		tools.SetPolicy(toolinvoker.NewPolicy(toolinvoker.PolicyOptions{
			BlockTags:  cfg.BlockedToolTags,
			BlockTools: cfg.BlockedTools,
		}))
	}
	invoker := toolinvoker.New(tools).
		WithToolTimeout(cfg.ToolTimeout()).
		WithMaxHandoffDepth(cfg.MaxHandoffDepth)

	normalizers := map[string]normalizer.Normalizer{
		"anthropic": normalizer.AnthropicNormalizer{},
		"openai":    normalizer.OpenAINormalizer{},
		"gemini":    normalizer.GeminiNormalizer{},
		"deepseek":  normalizer.DeepSeekNormalizer{},
		"bedrock":   normalizer.BedrockNormalizer{},
	}

	transport, err := wireTransport(cfg)
	if err != nil {
		return nil, err
	}

	toolRegistry := orchestrator.NewInvokerToolRegistry(tools)
	orch := orchestrator.New(caps, router, normalizers, invoker, transport, toolRegistry, sessionStore, d.Telemetry)
	orch.RequestTimeout = cfg.RequestTimeout()
	orch.AbortGrace = cfg.AbortGrace()
	orch.HandoffModels = wireHandoffModels(cfg)
	d.Orchestrator = orch

	d.Sessions = engine.NewSessionRegistry()

	temporalClient, err := engine.NewClient(cfg.TemporalHostPort, cfg.TemporalNamespace)
	if err != nil {
		return nil, fmt.Errorf("server: wire temporal client: %w", err)
	}
	d.TemporalCli = temporalClient
	d.closers = append(d.closers, func(context.Context) error {
		temporalClient.Close()
		return nil
	})

	acts := engine.NewActivities(orch, d.Sessions)
	d.Worker = engine.NewWorker(temporalClient, cfg.TemporalTaskQueue, acts)

	return d, nil
}

// wireStore selects Mongo, Postgres, or the local JSONL fallback per spec §6/
// §12, Mongo taking precedence when both MongoURI and PostgresDSN are set.
func wireStore(ctx context.Context, cfg config.Config) (store.SessionStore, error) {
	switch {
	case cfg.MongoURI != "":
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("server: wire mongo store: %w", err)
		}
		return s, nil
	case cfg.PostgresDSN != "":
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("server: wire postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewLocalStore(cfg.LocalStorePath)
		if err != nil {
			return nil, fmt.Errorf("server: wire local store: %w", err)
		}
		return s, nil
	}
}

// seedCapabilities registers one representative model per provider family
// plus family-level fallback patterns (SPEC_FULL.md §11 domain stack), so a
// fresh deployment has usable routing before any administrative override.
func seedCapabilities() *capability.Registry {
	reg := capability.New(nil)

	mustRegister(reg, capability.Capabilities{
		ModelID: "claude-3-5-sonnet-latest", ProviderFamily: "anthropic",
		MaxContextTokens: 200000, MaxOutputTokens: 8192, SupportsToolUse: true,
		ToolCallAccuracy: 0.95, ThinkingMode: capability.ThinkingNative,
		ThinkingBudgetMax: 8192, ThinkingBudgetDefault: 2048,
		InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
	})
	mustRegister(reg, capability.Capabilities{
		ModelID: "gpt-4o", ProviderFamily: "openai",
		MaxContextTokens: 128000, MaxOutputTokens: 16384, SupportsToolUse: true,
		ToolCallAccuracy: 0.9, ThinkingMode: capability.ThinkingReasoningEffort,
		ThinkingBudgetMax: 0, ThinkingBudgetDefault: 0,
		InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
	})
	mustRegister(reg, capability.Capabilities{
		ModelID: "gemini-1.5-pro", ProviderFamily: "gemini",
		MaxContextTokens: 1000000, MaxOutputTokens: 8192, SupportsToolUse: true,
		ToolCallAccuracy: 0.88, ThinkingMode: capability.ThinkingSummary,
		ThinkingBudgetMax: 4096, ThinkingBudgetDefault: 1024,
		InputCostPer1K: 0.00125, OutputCostPer1K: 0.005,
	})
	mustRegister(reg, capability.Capabilities{
		ModelID: "deepseek-chat", ProviderFamily: "deepseek",
		MaxContextTokens: 64000, MaxOutputTokens: 8192, SupportsToolUse: true,
		ToolCallAccuracy: 0.8, ThinkingMode: capability.ThinkingNone,
		InputCostPer1K: 0.00027, OutputCostPer1K: 0.0011,
	})
	mustRegister(reg, capability.Capabilities{
		ModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0", ProviderFamily: "bedrock",
		MaxContextTokens: 200000, MaxOutputTokens: 8192, SupportsToolUse: true,
		ToolCallAccuracy: 0.95, ThinkingMode: capability.ThinkingNative,
		ThinkingBudgetMax: 8192, ThinkingBudgetDefault: 2048,
		InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
	})

	_ = reg.AddPattern("gpt-4o-mini", capability.Capabilities{
		ProviderFamily: "openai", MaxContextTokens: 128000, MaxOutputTokens: 16384,
		SupportsToolUse: true, ToolCallAccuracy: 0.85, ThinkingMode: capability.ThinkingNone,
		InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
	})
	_ = reg.AddPattern("gpt-4o", capability.Capabilities{
		ProviderFamily: "openai", MaxContextTokens: 128000, MaxOutputTokens: 16384,
		SupportsToolUse: true, ToolCallAccuracy: 0.9, ThinkingMode: capability.ThinkingReasoningEffort,
		InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
	})
	_ = reg.AddPattern("gpt-4", capability.Capabilities{
		ProviderFamily: "openai", MaxContextTokens: 8192, MaxOutputTokens: 4096,
		SupportsToolUse: true, ToolCallAccuracy: 0.85, ThinkingMode: capability.ThinkingNone,
		InputCostPer1K: 0.03, OutputCostPer1K: 0.06,
	})
	_ = reg.AddPattern("claude", capability.Capabilities{
		ProviderFamily: "anthropic", MaxContextTokens: 200000, MaxOutputTokens: 8192,
		SupportsToolUse: true, ToolCallAccuracy: 0.9, ThinkingMode: capability.ThinkingNative,
		ThinkingBudgetMax: 8192, ThinkingBudgetDefault: 2048,
		InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
	})
	_ = reg.AddPattern("gemini", capability.Capabilities{
		ProviderFamily: "gemini", MaxContextTokens: 1000000, MaxOutputTokens: 8192,
		SupportsToolUse: true, ToolCallAccuracy: 0.85, ThinkingMode: capability.ThinkingSummary,
		ThinkingBudgetMax: 4096, InputCostPer1K: 0.00125, OutputCostPer1K: 0.005,
	})
	_ = reg.AddPattern("deepseek", capability.Capabilities{
		ProviderFamily: "deepseek", MaxContextTokens: 64000, MaxOutputTokens: 8192,
		SupportsToolUse: true, ToolCallAccuracy: 0.78, ThinkingMode: capability.ThinkingNone,
		InputCostPer1K: 0.00027, OutputCostPer1K: 0.0011,
	})

	return reg
}

func mustRegister(reg *capability.Registry, caps capability.Capabilities) {
	if err := reg.Register(caps); err != nil {
		panic(fmt.Sprintf("server: seed capability %s: %v", caps.ModelID, err))
	}
}

// wireRouter builds the PromptRouter. Templates and assignments always come
// from the static in-memory repositories of local/CLI mode (spec §12),
// whether or not MongoURI is set; a Redis cache is added when RedisAddr is
// set.
func wireRouter(ctx context.Context, cfg config.Config, d *Deps) (*promptrouter.Router, error) {
	identity := staticIdentity{admins: toSet(cfg.AdminUserIDs)}

	templates := newStaticTemplateRepository()
	assignments := newStaticAssignmentRepository()
	// The store package's *store.MongoStore keeps its *mongo.Database
	// unexported; promptrouter's Mongo-backed NewMongoTemplateRepository/
	// NewMongoAssignmentRepository need their own handle, so local/CLI mode
	// falls back to the static in-memory repositories above even when
	// MongoURI is set. A platform deployment wires them directly against the
	// same *mongo.Database the store package opened, once that handle is
	// exposed — tracked in DESIGN.md as an Open Question.

	vectorIndex, err := wireVectorIndex(cfg)
	if err != nil {
		return nil, err
	}

	var cache promptrouter.Cache
	if cfg.RedisAddr != "" {
		cache = promptrouter.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), d.Telemetry.Log)
	}

	return promptrouter.New(promptrouter.DefaultConfig(), identity, templates, assignments, vectorIndex, cache, d.Telemetry), nil
}

// wireVectorIndex selects promptrouter's semantic-search backend per
// cfg.VectorIndexBackend. Each backend lives in its own file
// (vectorindex_chromem.go/vectorindex_pinecone.go/vectorindex_qdrant.go) so
// a deployment only pays for the client library it actually dials.
func wireVectorIndex(cfg config.Config) (promptrouter.VectorIndex, error) {
	switch cfg.VectorIndexBackend {
	case "":
		return nil, nil
	case "chromem":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("server: wire chromem vector index: openaiApiKey required for embeddings")
		}
		embedFunc := chromem.NewEmbeddingFuncOpenAI(cfg.OpenAIAPIKey, chromem.EmbeddingModelOpenAI("text-embedding-3-small"))
		return promptrouter.NewChromemVectorIndex(embedFunc), nil
	case "pinecone":
		if cfg.PineconeAPIKey == "" || cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("server: wire pinecone vector index: pineconeApiKey and openaiApiKey required")
		}
		embedder := promptrouter.NewOpenAIEmbedder(cfg.OpenAIAPIKey)
		return promptrouter.NewPineconeVectorIndex(cfg.PineconeAPIKey, cfg.PineconeIndex, embedder)
	case "qdrant":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("server: wire qdrant vector index: openaiApiKey required for embeddings")
		}
		embedder := promptrouter.NewOpenAIEmbedder(cfg.OpenAIAPIKey)
		return promptrouter.NewQdrantVectorIndex(promptrouter.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
		}, embedder)
	default:
		return nil, fmt.Errorf("server: wire vector index: unknown backend %q", cfg.VectorIndexBackend)
	}
}

// wireHandoffModels converts cfg.HandoffModels' string-keyed role mapping
// into the toolinvoker.Role-keyed map Orchestrator.HandoffModels expects,
// skipping any key that isn't one of the four registered role names so a
// typo in config silently disables that role rather than panicking later.
func wireHandoffModels(cfg config.Config) map[toolinvoker.Role]string {
	if len(cfg.HandoffModels) == 0 {
		return nil
	}
	out := make(map[toolinvoker.Role]string, len(cfg.HandoffModels))
	for name, modelID := range cfg.HandoffModels {
		if role, ok := toolinvoker.RoleFromToolName(name); ok {
			out[role] = modelID
		}
	}
	return out
}

// wireTransport builds the set of live ProviderTransport implementations.
// Anthropic, OpenAI, and (when enabled) Bedrock are wired end-to-end in this
// deployment; Gemini/DeepSeek have tested normalizers (internal/normalizer)
// but no live transport yet (see DESIGN.md) — multiFamilyTransport returns a
// clear error for those families rather than silently misrouting.
func wireTransport(cfg config.Config) (orchestrator.ProviderTransport, error) {
	t := multiFamilyTransport{}
	if cfg.AnthropicAPIKey != "" {
		client := providertransport.NewAnthropicMessagesClient(cfg.AnthropicAPIKey)
		t.anthropic = providertransport.NewAnthropicTransport(client, 8192)
	}
	if cfg.OpenAIAPIKey != "" {
		client := providertransport.NewOpenAIResponsesClient(cfg.OpenAIAPIKey)
		t.openai = providertransport.NewOpenAITransport(client, 16384)
	}
	if cfg.BedrockEnabled {
		client, err := providertransport.NewBedrockRuntimeClient(context.Background(), cfg.BedrockRegion)
		if err != nil {
			return nil, fmt.Errorf("server: wire bedrock transport: %w", err)
		}
		t.bedrock = providertransport.NewBedrockTransport(client, 8192, 16384)
	}

	// Each family gets its own limiter instance: a saturated Bedrock quota
	// shouldn't throttle Anthropic traffic sharing the same process.
	if cfg.RateLimitTPM > 0 {
		if t.anthropic != nil {
			t.anthropic = providertransport.NewAdaptiveRateLimiter(cfg.RateLimitTPM, cfg.RateLimitMaxTPM).Wrap(t.anthropic)
		}
		if t.openai != nil {
			t.openai = providertransport.NewAdaptiveRateLimiter(cfg.RateLimitTPM, cfg.RateLimitMaxTPM).Wrap(t.openai)
		}
		if t.bedrock != nil {
			t.bedrock = providertransport.NewAdaptiveRateLimiter(cfg.RateLimitTPM, cfg.RateLimitMaxTPM).Wrap(t.bedrock)
		}
	}

	return t, nil
}

// multiFamilyTransport dispatches OpenStream by StreamRequest.ProviderFamily,
// the seam a second/third concrete transport plugs into without touching
// Orchestrator itself.
type multiFamilyTransport struct {
	anthropic orchestrator.ProviderTransport
	openai    orchestrator.ProviderTransport
	bedrock   orchestrator.ProviderTransport
}

func (t multiFamilyTransport) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	switch req.ProviderFamily {
	case "anthropic":
		if t.anthropic == nil {
			return nil, fmt.Errorf("server: anthropic transport not configured (set ACTIVITYCORE_ANTHROPIC_API_KEY)")
		}
		return t.anthropic.OpenStream(ctx, req)
	case "openai":
		if t.openai == nil {
			return nil, fmt.Errorf("server: openai transport not configured (set ACTIVITYCORE_OPENAI_API_KEY)")
		}
		return t.openai.OpenStream(ctx, req)
	case "bedrock":
		if t.bedrock == nil {
			return nil, fmt.Errorf("server: bedrock transport not configured (set ACTIVITYCORE_BEDROCK_ENABLED=true)")
		}
		return t.bedrock.OpenStream(ctx, req)
	default:
		return nil, fmt.Errorf("server: no provider transport wired for family %q", req.ProviderFamily)
	}
}
