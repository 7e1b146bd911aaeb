package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func (d *DB) UpsertUserSimilarity(ctx context.Context, upsert *store.UserSimilarityEntry) (*store.UserSimilarityEntry, error) {
	categories := upsert.SharedCategories
	if categories == nil {
		categories = []store.Category{}
	}
	shared, err := json.Marshal(categories)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal shared categories")
	}
	stmt := `INSERT INTO user_similarity (user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts)
		VALUES (` + placeholders(7) + `)
		ON CONFLICT (user_a, user_b) DO UPDATE SET
			score = excluded.score,
			shared_categories = excluded.shared_categories,
			shared_count = excluded.shared_count,
			same_location = excluded.same_location,
			computed_ts = excluded.computed_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.UserA, upsert.UserB, upsert.Score, string(shared), upsert.SharedCount, upsert.SameLocation, upsert.ComputedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert user similarity")
	}
	return upsert, nil
}

func (d *DB) GetUserSimilarity(ctx context.Context, userA, userB int32) (*store.UserSimilarityEntry, error) {
	var entry store.UserSimilarityEntry
	var shared string
	err := d.db.QueryRowContext(ctx, `SELECT user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts
		FROM user_similarity WHERE user_a = ? AND user_b = ?`, userA, userB).Scan(
		&entry.UserA, &entry.UserB, &entry.Score, &shared, &entry.SharedCount, &entry.SameLocation, &entry.ComputedTs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get user similarity")
	}
	if err := json.Unmarshal([]byte(shared), &entry.SharedCategories); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal shared categories")
	}
	return &entry, nil
}

func (d *DB) ListUserSimilarities(ctx context.Context, user int32) ([]*store.UserSimilarityEntry, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts
		FROM user_similarity WHERE user_a = ? OR user_b = ? ORDER BY user_a, user_b`, user, user)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user similarities")
	}
	defer rows.Close()

	list := []*store.UserSimilarityEntry{}
	for rows.Next() {
		var entry store.UserSimilarityEntry
		var shared string
		if err := rows.Scan(&entry.UserA, &entry.UserB, &entry.Score, &shared, &entry.SharedCount, &entry.SameLocation, &entry.ComputedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan user similarity")
		}
		if err := json.Unmarshal([]byte(shared), &entry.SharedCategories); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal shared categories")
		}
		list = append(list, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
