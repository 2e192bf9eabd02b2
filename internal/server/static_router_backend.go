package server

import (
	"context"

	"github.com/arcflow-run/activitycore/internal/promptrouter"
)

// staticIdentity resolves admin status from a fixed allowlist, used when no
// identity-management system is configured (local/CLI mode, spec §12).
type staticIdentity struct {
	admins map[string]bool
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (s staticIdentity) Lookup(ctx context.Context, userID string) (promptrouter.UserIdentity, error) {
	return promptrouter.UserIdentity{IsAdmin: s.admins[userID]}, nil
}

// staticTemplateRepository serves a single built-in default template plus an
// admin-mode template, sufficient for local/CLI mode where there is no
// administrative UI to manage a template store (spec §12 supplemented
// feature).
type staticTemplateRepository struct {
	byID map[string]*promptrouter.Template
	byName map[string]*promptrouter.Template
	deflt *promptrouter.Template
}

func newStaticTemplateRepository() *staticTemplateRepository {
	deflt := &promptrouter.Template{
		ID: "default", Name: "Default Assistant", Category: "general",
		Content:   "You are a helpful assistant.",
		IsDefault: true, IsActive: true, OwnerScope: "global",
	}
	admin := &promptrouter.Template{
		ID: "admin-mode", Name: "Admin Mode", Category: "admin",
		Content:   "You are operating in administrator mode with elevated operational context.",
		IsDefault: false, IsActive: true, OwnerScope: "global",
	}
	r := &staticTemplateRepository{
		byID:   map[string]*promptrouter.Template{deflt.ID: deflt, admin.ID: admin},
		byName: map[string]*promptrouter.Template{deflt.Name: deflt, admin.Name: admin},
		deflt:  deflt,
	}
	return r
}

func (r *staticTemplateRepository) ByName(ctx context.Context, name string) (*promptrouter.Template, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (r *staticTemplateRepository) ByID(ctx context.Context, id string) (*promptrouter.Template, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (r *staticTemplateRepository) Default(ctx context.Context) (*promptrouter.Template, error) {
	return r.deflt, nil
}

// staticAssignmentRepository has no per-user/group assignments: every turn
// falls through to the default template unless the admin gate fires. A
// platform deployment replaces this with
// promptrouter.NewMongoAssignmentRepository.
type staticAssignmentRepository struct{}

func newStaticAssignmentRepository() staticAssignmentRepository { return staticAssignmentRepository{} }

func (staticAssignmentRepository) MostRecentForUser(ctx context.Context, userID string) (*promptrouter.Assignment, error) {
	return nil, nil
}

func (staticAssignmentRepository) MostRecentForGroups(ctx context.Context, groups []string) (*promptrouter.Assignment, error) {
	return nil, nil
}
