package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// UserSimilarityEntry is a cached pairwise user similarity.
// UserA is always less than UserB.
type UserSimilarityEntry struct {
	SharedCategories []Category
	Score            float64
	SharedCount      int
	ComputedTs       int64
	UserA            int32
	UserB            int32
	SameLocation     bool
}

// CanonicalPair orders two user ids so each pair has exactly one row.
func CanonicalPair(a, b int32) (int32, int32) {
	if a > b {
		return b, a
	}
	return a, b
}

// Fresh reports whether the entry was computed within staleness of now.
func (e *UserSimilarityEntry) Fresh(now time.Time, staleness time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(time.Unix(e.ComputedTs, 0)) < staleness
}

// UpsertUserSimilarity replaces the row for the entry's pair.
func (s *Store) UpsertUserSimilarity(ctx context.Context, entry *UserSimilarityEntry) (*UserSimilarityEntry, error) {
	if entry.UserA == entry.UserB {
		return nil, errors.Errorf("similarity of user %d with itself", entry.UserA)
	}
	entry.UserA, entry.UserB = CanonicalPair(entry.UserA, entry.UserB)
	return s.driver.UpsertUserSimilarity(ctx, entry)
}

// GetUserSimilarity returns the cached row for the pair, or nil when absent.
func (s *Store) GetUserSimilarity(ctx context.Context, a, b int32) (*UserSimilarityEntry, error) {
	a, b = CanonicalPair(a, b)
	return s.driver.GetUserSimilarity(ctx, a, b)
}

// ListUserSimilarities returns every cached row that involves user.
func (s *Store) ListUserSimilarities(ctx context.Context, user int32) ([]*UserSimilarityEntry, error) {
	return s.driver.ListUserSimilarities(ctx, user)
}

// Other returns the user paired with user in the entry.
func (e *UserSimilarityEntry) Other(user int32) int32 {
	if e.UserA == user {
		return e.UserB
	}
	return e.UserA
}
