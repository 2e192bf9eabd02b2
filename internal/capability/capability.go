// Package capability implements the CapabilityRegistry (spec §4.1): a
// read-mostly, pattern-matched map from model id to the attributes that
// drive request shaping (thinking budgets, tool-calling eligibility, cost
// accounting).
package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ThinkingMode classifies how a model exposes reasoning.
type ThinkingMode string

const (
	ThinkingNone           ThinkingMode = "none"
	ThinkingNative         ThinkingMode = "native"
	ThinkingSummary        ThinkingMode = "summary"
	ThinkingReasoningEffort ThinkingMode = "reasoning-effort"
)

// Capabilities is the per-model record described in spec §3 "Model
// capability". Invariant: MaxContextTokens >= MaxOutputTokens > 0, and
// ThinkingBudgetDefault/Max <= MaxOutputTokens.
type Capabilities struct {
	ModelID              string
	ProviderFamily        string
	MaxContextTokens      int
	MaxOutputTokens       int
	SupportsToolUse       bool
	ToolCallAccuracy      float64
	ThinkingMode          ThinkingMode
	ThinkingBudgetMax     int
	ThinkingBudgetDefault int
	InputCostPer1K        float64
	OutputCostPer1K       float64
}

// conservativeDefault is returned by Lookup for any model id that matches
// nothing: no tool use, no thinking, zero cost, small context (spec §4.1).
var conservativeDefault = Capabilities{
	MaxContextTokens: 8000,
	MaxOutputTokens:  4000,
	SupportsToolUse:  false,
	ThinkingMode:     ThinkingNone,
}

// pattern is one entry of the ordered fallback pattern list. Patterns are
// matched most-specific-first; Registry.AddPattern appends to the end of the
// list, so callers must register specific patterns (e.g. "gpt-4o-mini")
// before looser ones (e.g. "gpt-4o", then "gpt-4").
type pattern struct {
	match string
	caps  Capabilities
}

// Registry is the CapabilityRegistry. The zero value is not usable; use New.
// Registry is safe for concurrent use: registration takes a single writer
// lock, lookups read under RLock and never block each other.
type Registry struct {
	mu       sync.RWMutex
	byExact  map[string]Capabilities // keys are lower-cased model ids
	patterns []pattern
	store    Store
}

// Store is an optional persistence backend for administrative overrides. A
// nil Store means registrations are process-local only.
type Store interface {
	SaveCapabilities(modelID string, caps Capabilities) error
}

// New constructs an empty Registry. Patterns and exact entries are added via
// Register/AddPattern; construction never fails.
func New(store Store) *Registry {
	return &Registry{
		byExact: make(map[string]Capabilities),
		store:   store,
	}
}

// Lookup resolves modelID to its Capabilities. It never fails: an unknown
// model id falls through to conservativeDefault (spec §4.1).
//
// Resolution order: (1) case-insensitive exact hit, (2) case-insensitive
// substring match against registered exact ids, (3) ordered pattern list,
// (4) conservative default.
func (r *Registry) Lookup(modelID string) Capabilities {
	key := strings.ToLower(modelID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if caps, ok := r.byExact[key]; ok {
		return caps
	}
	// Deterministic iteration: sort candidate ids so substring resolution
	// doesn't depend on Go's randomized map order.
	ids := make([]string, 0, len(r.byExact))
	for id := range r.byExact {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.Contains(key, id) || strings.Contains(id, key) {
			return r.byExact[id]
		}
	}
	for _, p := range r.patterns {
		if strings.Contains(key, p.match) {
			return p.caps
		}
	}
	return conservativeDefault
}

// Register upserts an exact model id entry, persisting through Store if one
// is wired. Register takes the single-writer lock; concurrent lookups are
// unaffected.
func (r *Registry) Register(caps Capabilities) error {
	if err := validate(caps); err != nil {
		return err
	}
	key := strings.ToLower(caps.ModelID)

	r.mu.Lock()
	r.byExact[key] = caps
	r.mu.Unlock()

	if r.store != nil {
		return r.store.SaveCapabilities(caps.ModelID, caps)
	}
	return nil
}

// AddPattern appends a pattern-matched fallback entry. Patterns are tried in
// registration order, so register the most specific pattern first (e.g.
// "gpt-4o-mini" before "gpt-4o" before "gpt-4"); RequireOrdering below
// enforces this for a fixed candidate list in tests.
func (r *Registry) AddPattern(match string, caps Capabilities) error {
	if err := validate(caps); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern{match: strings.ToLower(match), caps: caps})
	return nil
}

// RequireOrdering verifies, for a fixed set of candidate model ids, that no
// earlier pattern in the list matches a later pattern's own canonical id
// (spec §4.1's ordering rationale). It's intended for use from a unit test
// that enumerates the registry's real pattern list and ids.
func (r *Registry) RequireOrdering(canonicalIDs []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, id := range canonicalIDs {
		key := strings.ToLower(id)
		for j := 0; j < i; j++ {
			if strings.Contains(key, r.patterns[j].match) {
				return fmt.Errorf("capability: pattern %q (position %d) matches canonical id %q before its own pattern at position %d", r.patterns[j].match, j, id, i)
			}
		}
	}
	return nil
}

func validate(caps Capabilities) error {
	if caps.MaxOutputTokens <= 0 {
		return fmt.Errorf("capability: %s: maxOutputTokens must be > 0", caps.ModelID)
	}
	if caps.MaxContextTokens < caps.MaxOutputTokens {
		return fmt.Errorf("capability: %s: maxContextTokens (%d) must be >= maxOutputTokens (%d)", caps.ModelID, caps.MaxContextTokens, caps.MaxOutputTokens)
	}
	if caps.ThinkingBudgetDefault > caps.MaxOutputTokens || caps.ThinkingBudgetMax > caps.MaxOutputTokens {
		return fmt.Errorf("capability: %s: thinking budget must be <= maxOutputTokens", caps.ModelID)
	}
	return nil
}
