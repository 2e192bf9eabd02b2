// Package promptrouter implements the PromptRouter (spec §4.2): resolves the
// system prompt for a turn via an admin gate, semantic similarity search,
// explicit assignment, and a default template, in that strict order.
package promptrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arcflow-run/activitycore/internal/telemetry"
)

// Source records which step of the resolution algorithm produced a result.
type Source string

const (
	SourceAdmin    Source = "admin"
	SourceSemantic Source = "semantic"
	SourceUser     Source = "user"
	SourceGroup    Source = "group"
	SourceDefault  Source = "default"
)

// Template is the prompt template record described in spec §3.
type Template struct {
	ID        string
	Name      string
	Category  string
	Content   string
	IsDefault bool
	IsActive  bool
	// OwnerScope is one of "global", "group", "user".
	OwnerScope string
}

// IsAdminCategory reports whether this template is administrative security
// metadata that must never be selected for a non-administrator (spec §3,
// spec §8 property 5).
func (t Template) IsAdminCategory() bool { return t.Category == "admin" }

// Assignment is the {userId|groupId, templateId} resolution row from spec §3.
type Assignment struct {
	UserID     string
	GroupID    string
	TemplateID string
	AssignedBy string
	AssignedAt time.Time
}

// Resolution is the result of Router.Resolve.
type Resolution struct {
	Content  string
	Template *Template
	Source   Source
}

// RoutingMode controls whether a failure in semantic routing (step 2) is
// allowed to fall through to steps 3–5 (spec §4.2 failure semantics, §6
// configuration knob semanticRouting).
type RoutingMode string

const (
	RoutingRequired RoutingMode = "required"
	RoutingEnabled  RoutingMode = "enabled"
	RoutingDisabled RoutingMode = "disabled"
)

// Errors surfaced by Resolve. These are sentinel-comparable with errors.Is.
var (
	// ErrPromptNotConfigured means no row has isDefault=true, isActive=true
	// (spec §7 PromptNotConfigured): fatal to process warmup.
	ErrPromptNotConfigured = errors.New("promptrouter: no default template configured")
	// ErrRoutingFailed means semantic routing failed while required and the
	// router refused to fall through (spec §7 PromptRoutingFailed).
	ErrRoutingFailed = errors.New("promptrouter: semantic routing failed")
	// ErrAdminTemplateMissing means the admin gate fired but no active
	// "Admin Mode" template exists — a configuration error, not a fallback.
	ErrAdminTemplateMissing = errors.New("promptrouter: admin mode template missing")
)

// UserIdentity is the minimal per-user info the admin gate needs.
type UserIdentity struct {
	IsAdmin bool
	Groups  []string
}

// IdentityLookup resolves a user's admin/group membership.
type IdentityLookup interface {
	Lookup(ctx context.Context, userID string) (UserIdentity, error)
}

// TemplateRepository is the storage seam for templates.
type TemplateRepository interface {
	// ByName finds an active template by exact name (used for "Admin Mode").
	ByName(ctx context.Context, name string) (*Template, error)
	// ByID finds a template by id.
	ByID(ctx context.Context, id string) (*Template, error)
	// Default returns the single isDefault&&isActive template, if any.
	Default(ctx context.Context) (*Template, error)
}

// AssignmentRepository is the storage seam for user/group assignments.
type AssignmentRepository interface {
	// MostRecentForUser returns the most recently assigned active
	// assignment for userID, if any.
	MostRecentForUser(ctx context.Context, userID string) (*Assignment, error)
	// MostRecentForGroups returns the most recently assigned active
	// assignment across any of groups, tie-broken by AssignedAt DESC.
	MostRecentForGroups(ctx context.Context, groups []string) (*Assignment, error)
}

// SearchHit is one result of a semantic similarity search.
type SearchHit struct {
	Template Template
	Score    float64
}

// VectorIndex abstracts the embedding similarity search backend (Pinecone,
// Qdrant, chromem-go are the three concrete implementations in this
// package). Embed converts a message to a vector; Search returns the top-k
// nearest template embeddings scoped to a user/collection.
type VectorIndex interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchHit, error)
}

// Cache is the resolved-prompt cache seam (spec §4.2 caching, implemented by
// cache_redis.go). Keys are (userID, messageHash).
type Cache interface {
	Get(ctx context.Context, userID, messageHash string) (Resolution, bool)
	Set(ctx context.Context, userID, messageHash string, res Resolution, ttl time.Duration)
	InvalidateAll(ctx context.Context)
	InvalidateUser(ctx context.Context, userID string)
}

// Config holds the router's tunables (spec §4.2, §6).
type Config struct {
	Mode             RoutingMode
	SemanticTopK     int           // default 3
	SimilarityFloor  float64       // default 0.6, cosine
	SemanticTimeout  time.Duration // default 5s
	CacheTTL         time.Duration // default <= 5min
	AdminGroups      map[string]bool
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            RoutingEnabled,
		SemanticTopK:    3,
		SimilarityFloor: 0.6,
		SemanticTimeout: 5 * time.Second,
		CacheTTL:        5 * time.Minute,
		AdminGroups:     map[string]bool{},
	}
}

// Router implements the PromptRouter contract.
type Router struct {
	cfg          Config
	identity     IdentityLookup
	templates    TemplateRepository
	assignments  AssignmentRepository
	vectorIndex  VectorIndex // nil disables semantic routing regardless of Mode
	cache        Cache       // nil disables caching
	telemetry    telemetry.Bundle
}

// New constructs a Router. vectorIndex and cache may be nil.
func New(cfg Config, identity IdentityLookup, templates TemplateRepository, assignments AssignmentRepository, vectorIndex VectorIndex, cache Cache, tb telemetry.Bundle) *Router {
	if tb.Log == nil {
		tb = telemetry.Noop()
	}
	return &Router{
		cfg:         cfg,
		identity:    identity,
		templates:   templates,
		assignments: assignments,
		vectorIndex: vectorIndex,
		cache:       cache,
		telemetry:   tb,
	}
}

// Resolve runs the strictly ordered resolution algorithm of spec §4.2,
// short-circuiting on the first hit.
func (r *Router) Resolve(ctx context.Context, userID string, message string, groups []string) (Resolution, error) {
	messageHash := hashMessage(message)
	if r.cache != nil {
		if res, ok := r.cache.Get(ctx, userID, messageHash); ok {
			r.telemetry.Metrics.IncCounter("router.cache_hit", 1)
			return res, nil
		}
		r.telemetry.Metrics.IncCounter("router.cache_miss", 1)
	}

	res, err := r.resolveUncached(ctx, userID, message, groups)
	if err != nil {
		return Resolution{}, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, userID, messageHash, res, r.cfg.CacheTTL)
	}
	return res, nil
}

func (r *Router) resolveUncached(ctx context.Context, userID, message string, groups []string) (Resolution, error) {
	// Step 1: administrator gate.
	identity, err := r.identity.Lookup(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("promptrouter: identity lookup: %w", err)
	}
	if identity.IsAdmin || anyInAdminGroups(identity.Groups, r.cfg.AdminGroups) {
		tpl, err := r.templates.ByName(ctx, "Admin Mode")
		if err != nil {
			return Resolution{}, fmt.Errorf("promptrouter: %w: %w", ErrAdminTemplateMissing, err)
		}
		if tpl == nil || !tpl.IsActive {
			return Resolution{}, ErrAdminTemplateMissing
		}
		return Resolution{Content: tpl.Content, Template: tpl, Source: SourceAdmin}, nil
	}

	// Step 2: semantic routing.
	if r.cfg.Mode != RoutingDisabled && r.vectorIndex != nil && message != "" {
		res, ok, err := r.trySemantic(ctx, userID, message)
		if err != nil {
			if r.cfg.Mode == RoutingRequired {
				return Resolution{}, fmt.Errorf("%w: %w", ErrRoutingFailed, err)
			}
			r.telemetry.Log.Warn(ctx, "semantic routing failed, falling through", "error", err.Error())
		} else if ok {
			return res, nil
		}
	}

	// Step 3: user assignment.
	if assignment, err := r.assignments.MostRecentForUser(ctx, userID); err != nil {
		return Resolution{}, fmt.Errorf("promptrouter: user assignment lookup: %w", err)
	} else if assignment != nil {
		tpl, err := r.templates.ByID(ctx, assignment.TemplateID)
		if err != nil {
			return Resolution{}, fmt.Errorf("promptrouter: user assignment template: %w", err)
		}
		if tpl != nil && tpl.IsActive {
			return Resolution{Content: tpl.Content, Template: tpl, Source: SourceUser}, nil
		}
	}

	// Step 4: group assignment.
	if len(groups) > 0 {
		if assignment, err := r.assignments.MostRecentForGroups(ctx, groups); err != nil {
			return Resolution{}, fmt.Errorf("promptrouter: group assignment lookup: %w", err)
		} else if assignment != nil {
			tpl, err := r.templates.ByID(ctx, assignment.TemplateID)
			if err != nil {
				return Resolution{}, fmt.Errorf("promptrouter: group assignment template: %w", err)
			}
			if tpl != nil && tpl.IsActive {
				return Resolution{Content: tpl.Content, Template: tpl, Source: SourceGroup}, nil
			}
		}
	}

	// Step 5: default template.
	tpl, err := r.templates.Default(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("promptrouter: default template lookup: %w", err)
	}
	if tpl == nil {
		return Resolution{}, ErrPromptNotConfigured
	}
	return Resolution{Content: tpl.Content, Template: tpl, Source: SourceDefault}, nil
}

// trySemantic performs the embed + similarity search + admin-category
// filter. ok=false (with nil err) means no qualifying hit was found, which
// is not a failure — the caller proceeds to step 3.
func (r *Router) trySemantic(ctx context.Context, userID, message string) (Resolution, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SemanticTimeout)
	defer cancel()

	vec, err := r.vectorIndex.Embed(ctx, message)
	if err != nil {
		return Resolution{}, false, err
	}
	hits, err := r.vectorIndex.Search(ctx, collectionForUser(userID), vec, r.cfg.SemanticTopK)
	if err != nil {
		return Resolution{}, false, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	for _, hit := range hits {
		if hit.Score < r.cfg.SimilarityFloor {
			continue
		}
		// Defense in depth: a hit cannot be an admin template even if it's
		// the closest semantic match (spec §4.2 step 2, spec §8 property 5).
		if hit.Template.IsAdminCategory() {
			continue
		}
		if !hit.Template.IsActive {
			continue
		}
		tpl := hit.Template
		return Resolution{Content: tpl.Content, Template: &tpl, Source: SourceSemantic}, true, nil
	}
	return Resolution{}, false, nil
}

func anyInAdminGroups(groups []string, adminGroups map[string]bool) bool {
	for _, g := range groups {
		if adminGroups[g] {
			return true
		}
	}
	return false
}

func collectionForUser(userID string) string {
	return "templates:" + userID
}
