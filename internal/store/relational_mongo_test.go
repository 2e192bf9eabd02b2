package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// NewMongoStore's Ping should fail fast against an unreachable host rather
// than hanging until the caller's own context deadline.
func TestNewMongoStore_UnreachableURIFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := NewMongoStore(ctx, "mongodb://127.0.0.1:1/?connectTimeoutMS=500&serverSelectionTimeoutMS=500", "activitycore_test")
	assert.Error(t, err)
}
