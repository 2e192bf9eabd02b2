package promptrouter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/telemetry"
)

type fakeIdentity struct {
	byUser map[string]UserIdentity
}

func (f *fakeIdentity) Lookup(_ context.Context, userID string) (UserIdentity, error) {
	return f.byUser[userID], nil
}

type fakeTemplates struct {
	byName    map[string]*Template
	byID      map[string]*Template
	deflt     *Template
}

func (f *fakeTemplates) ByName(_ context.Context, name string) (*Template, error) { return f.byName[name], nil }
func (f *fakeTemplates) ByID(_ context.Context, id string) (*Template, error)     { return f.byID[id], nil }
func (f *fakeTemplates) Default(_ context.Context) (*Template, error)             { return f.deflt, nil }

type fakeAssignments struct {
	user  map[string]*Assignment
	group map[string]*Assignment
}

func (f *fakeAssignments) MostRecentForUser(_ context.Context, userID string) (*Assignment, error) {
	return f.user[userID], nil
}
func (f *fakeAssignments) MostRecentForGroups(_ context.Context, groups []string) (*Assignment, error) {
	for _, g := range groups {
		if a, ok := f.group[g]; ok {
			return a, nil
		}
	}
	return nil, nil
}

type fakeVectorIndex struct {
	hits []SearchHit
}

func (f *fakeVectorIndex) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }
func (f *fakeVectorIndex) Search(context.Context, string, []float32, int) ([]SearchHit, error) {
	return f.hits, nil
}

func TestResolveAdminGateShortCircuits(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"admin-1": {IsAdmin: true}}}
	adminTpl := &Template{ID: "t-admin", Name: "Admin Mode", Category: "admin", Content: "you are root", IsActive: true}
	templates := &fakeTemplates{byName: map[string]*Template{"Admin Mode": adminTpl}}

	r := New(DefaultConfig(), identity, templates, &fakeAssignments{}, nil, nil, telemetry.Noop())

	res, err := r.Resolve(context.Background(), "admin-1", "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceAdmin, res.Source)
	assert.Equal(t, "you are root", res.Content)
}

func TestResolveAdminGateMissingTemplateIsFatal(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"admin-1": {IsAdmin: true}}}
	templates := &fakeTemplates{byName: map[string]*Template{}}

	r := New(DefaultConfig(), identity, templates, &fakeAssignments{}, nil, nil, telemetry.Noop())

	_, err := r.Resolve(context.Background(), "admin-1", "anything", nil)
	assert.ErrorIs(t, err, ErrAdminTemplateMissing)
}

func TestResolveSemanticFiltersAdminCategory(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	deflt := &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "default prompt"}
	templates := &fakeTemplates{deflt: deflt, byID: map[string]*Template{}}
	vi := &fakeVectorIndex{hits: []SearchHit{
		{Template: Template{ID: "t-admin", Category: "admin", Content: "admin prompt", IsActive: true}, Score: 0.99},
		{Template: Template{ID: "t-user", Category: "support", Content: "support prompt", IsActive: true}, Score: 0.8},
	}}

	r := New(DefaultConfig(), identity, templates, &fakeAssignments{}, vi, nil, telemetry.Noop())

	res, err := r.Resolve(context.Background(), "u1", "help me", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceSemantic, res.Source)
	assert.Equal(t, "support prompt", res.Content)
}

func TestResolveFallsThroughToUserAssignment(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	userTpl := &Template{ID: "t-user", IsActive: true, Content: "user prompt"}
	deflt := &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "default prompt"}
	templates := &fakeTemplates{
		byID:  map[string]*Template{"t-user": userTpl},
		deflt: deflt,
	}
	assignments := &fakeAssignments{user: map[string]*Assignment{"u1": {UserID: "u1", TemplateID: "t-user"}}}

	cfg := DefaultConfig()
	cfg.Mode = RoutingDisabled
	r := New(cfg, identity, templates, assignments, nil, nil, telemetry.Noop())

	res, err := r.Resolve(context.Background(), "u1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceUser, res.Source)
	assert.Equal(t, "user prompt", res.Content)
}

func TestResolveDefaultWhenNothingElseMatches(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	deflt := &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "default prompt"}
	templates := &fakeTemplates{deflt: deflt}

	cfg := DefaultConfig()
	cfg.Mode = RoutingDisabled
	r := New(cfg, identity, templates, &fakeAssignments{}, nil, nil, telemetry.Noop())

	res, err := r.Resolve(context.Background(), "u1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, res.Source)
}

func TestResolveNoDefaultConfiguredFails(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	templates := &fakeTemplates{}

	cfg := DefaultConfig()
	cfg.Mode = RoutingDisabled
	r := New(cfg, identity, templates, &fakeAssignments{}, nil, nil, telemetry.Noop())

	_, err := r.Resolve(context.Background(), "u1", "hi", nil)
	assert.ErrorIs(t, err, ErrPromptNotConfigured)
}

type failingVectorIndex struct{}

func (failingVectorIndex) Embed(context.Context, string) ([]float32, error) { return nil, assertErr }
func (failingVectorIndex) Search(context.Context, string, []float32, int) ([]SearchHit, error) {
	return nil, nil
}

var assertErr = context.DeadlineExceeded

func TestResolveRequiredSemanticFailureDoesNotFallThrough(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	deflt := &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "default prompt"}
	templates := &fakeTemplates{deflt: deflt}

	cfg := DefaultConfig()
	cfg.Mode = RoutingRequired
	r := New(cfg, identity, templates, &fakeAssignments{}, failingVectorIndex{}, nil, telemetry.Noop())

	_, err := r.Resolve(context.Background(), "u1", "hi", nil)
	assert.ErrorIs(t, err, ErrRoutingFailed)
}

func TestResolveCachesResult(t *testing.T) {
	identity := &fakeIdentity{byUser: map[string]UserIdentity{"u1": {}}}
	deflt := &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "default prompt"}
	templates := &fakeTemplates{deflt: deflt}

	cfg := DefaultConfig()
	cfg.Mode = RoutingDisabled
	cache := newMemCache()
	r := New(cfg, identity, templates, &fakeAssignments{}, nil, cache, telemetry.Noop())

	ctx := context.Background()
	first, err := r.Resolve(ctx, "u1", "hi", nil)
	require.NoError(t, err)

	// Mutate the backing default so a second resolve would differ if the
	// cache weren't consulted.
	templates.deflt = &Template{ID: "t-default", IsDefault: true, IsActive: true, Content: "changed"}

	second, err := r.Resolve(ctx, "u1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
}

type memCache struct {
	entries map[string]Resolution
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]Resolution)} }

func (c *memCache) Get(_ context.Context, userID, messageHash string) (Resolution, bool) {
	res, ok := c.entries[userID+":"+messageHash]
	return res, ok
}
func (c *memCache) Set(_ context.Context, userID, messageHash string, res Resolution, _ time.Duration) {
	c.entries[userID+":"+messageHash] = res
}
func (c *memCache) InvalidateAll(context.Context)            { c.entries = make(map[string]Resolution) }
func (c *memCache) InvalidateUser(_ context.Context, userID string) {
	for k := range c.entries {
		if len(k) >= len(userID) && k[:len(userID)] == userID {
			delete(c.entries, k)
		}
	}
}
