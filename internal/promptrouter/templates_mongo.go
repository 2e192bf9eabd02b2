package promptrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultTemplatesCollection   = "prompt_templates"
	defaultAssignmentsCollection = "prompt_assignments"
	defaultOpTimeout             = 5 * time.Second
)

type templateDoc struct {
	ID         string `bson:"_id"`
	Name       string `bson:"name"`
	Category   string `bson:"category"`
	Content    string `bson:"content"`
	IsDefault  bool   `bson:"isDefault"`
	IsActive   bool   `bson:"isActive"`
	OwnerScope string `bson:"ownerScope"`
}

func (d templateDoc) toTemplate() Template {
	return Template{
		ID:         d.ID,
		Name:       d.Name,
		Category:   d.Category,
		Content:    d.Content,
		IsDefault:  d.IsDefault,
		IsActive:   d.IsActive,
		OwnerScope: d.OwnerScope,
	}
}

// MongoTemplateRepository implements TemplateRepository against MongoDB,
// the platform-mode persistence backend (spec §6).
type MongoTemplateRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongoTemplateRepository wraps a database handle. Collection defaults
// to "prompt_templates" when collection is empty.
func NewMongoTemplateRepository(db *mongo.Database, collection string) *MongoTemplateRepository {
	if collection == "" {
		collection = defaultTemplatesCollection
	}
	return &MongoTemplateRepository{coll: db.Collection(collection), timeout: defaultOpTimeout}
}

// ByName finds an active template by exact name (used for "Admin Mode").
func (r *MongoTemplateRepository) ByName(ctx context.Context, name string) (*Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc templateDoc
	err := r.coll.FindOne(ctx, bson.M{"name": name, "isActive": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptrouter: mongo ByName(%q): %w", name, err)
	}
	tpl := doc.toTemplate()
	return &tpl, nil
}

// ByID finds a template by id.
func (r *MongoTemplateRepository) ByID(ctx context.Context, id string) (*Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc templateDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptrouter: mongo ByID(%q): %w", id, err)
	}
	tpl := doc.toTemplate()
	return &tpl, nil
}

// Default returns the single isDefault&&isActive template, if any. The
// {isDefault: true, isActive: true} uniqueness invariant (spec §3) is
// enforced at write time, not here; a duplicate would simply return the
// first match.
func (r *MongoTemplateRepository) Default(ctx context.Context) (*Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc templateDoc
	err := r.coll.FindOne(ctx, bson.M{"isDefault": true, "isActive": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptrouter: mongo Default(): %w", err)
	}
	tpl := doc.toTemplate()
	return &tpl, nil
}

// EnsureIndexes creates the indexes the repository's queries rely on. Call
// once at startup.
func (r *MongoTemplateRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "isDefault", Value: 1}, {Key: "isActive", Value: 1}}},
		{Keys: bson.D{{Key: "category", Value: 1}}},
	}, options.CreateIndexes())
	return err
}

type assignmentDoc struct {
	UserID     string    `bson:"userId,omitempty"`
	GroupID    string    `bson:"groupId,omitempty"`
	TemplateID string    `bson:"templateId"`
	AssignedBy string    `bson:"assignedBy"`
	AssignedAt time.Time `bson:"assignedAt"`
}

func (d assignmentDoc) toAssignment() Assignment {
	return Assignment{
		UserID:     d.UserID,
		GroupID:    d.GroupID,
		TemplateID: d.TemplateID,
		AssignedBy: d.AssignedBy,
		AssignedAt: d.AssignedAt,
	}
}

// MongoAssignmentRepository implements AssignmentRepository against MongoDB.
type MongoAssignmentRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongoAssignmentRepository wraps a database handle. Collection defaults
// to "prompt_assignments" when collection is empty.
func NewMongoAssignmentRepository(db *mongo.Database, collection string) *MongoAssignmentRepository {
	if collection == "" {
		collection = defaultAssignmentsCollection
	}
	return &MongoAssignmentRepository{coll: db.Collection(collection), timeout: defaultOpTimeout}
}

// MostRecentForUser returns the most recently assigned active assignment
// for userID, if any.
func (r *MongoAssignmentRepository) MostRecentForUser(ctx context.Context, userID string) (*Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "assignedAt", Value: -1}})
	var doc assignmentDoc
	err := r.coll.FindOne(ctx, bson.M{"userId": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptrouter: mongo MostRecentForUser(%q): %w", userID, err)
	}
	a := doc.toAssignment()
	return &a, nil
}

// MostRecentForGroups returns the most recently assigned active assignment
// across any of groups, tie-broken by AssignedAt DESC.
func (r *MongoAssignmentRepository) MostRecentForGroups(ctx context.Context, groups []string) (*Assignment, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "assignedAt", Value: -1}})
	var doc assignmentDoc
	err := r.coll.FindOne(ctx, bson.M{"groupId": bson.M{"$in": groups}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promptrouter: mongo MostRecentForGroups(%v): %w", groups, err)
	}
	a := doc.toAssignment()
	return &a, nil
}

// EnsureIndexes creates the indexes the repository's queries rely on.
func (r *MongoAssignmentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "assignedAt", Value: -1}}},
		{Keys: bson.D{{Key: "groupId", Value: 1}, {Key: "assignedAt", Value: -1}}},
	}, options.CreateIndexes())
	return err
}
