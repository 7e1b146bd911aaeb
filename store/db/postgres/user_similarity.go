package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func (d *DB) UpsertUserSimilarity(ctx context.Context, upsert *store.UserSimilarityEntry) (*store.UserSimilarityEntry, error) {
	categories := make([]string, 0, len(upsert.SharedCategories))
	for _, c := range upsert.SharedCategories {
		categories = append(categories, string(c))
	}
	stmt := `INSERT INTO user_similarity (user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts)
		VALUES (` + placeholders(7) + `)
		ON CONFLICT (user_a, user_b) DO UPDATE SET
			score = EXCLUDED.score,
			shared_categories = EXCLUDED.shared_categories,
			shared_count = EXCLUDED.shared_count,
			same_location = EXCLUDED.same_location,
			computed_ts = EXCLUDED.computed_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.UserA, upsert.UserB, upsert.Score, pq.Array(categories), upsert.SharedCount, upsert.SameLocation, upsert.ComputedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert user similarity")
	}
	return upsert, nil
}

func (d *DB) GetUserSimilarity(ctx context.Context, userA, userB int32) (*store.UserSimilarityEntry, error) {
	query := `SELECT user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts
		FROM user_similarity WHERE user_a = ` + placeholder(1) + ` AND user_b = ` + placeholder(2)

	var entry store.UserSimilarityEntry
	var categories pq.StringArray
	err := d.db.QueryRowContext(ctx, query, userA, userB).Scan(
		&entry.UserA, &entry.UserB, &entry.Score, &categories, &entry.SharedCount, &entry.SameLocation, &entry.ComputedTs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get user similarity")
	}
	for _, c := range categories {
		entry.SharedCategories = append(entry.SharedCategories, store.Category(c))
	}
	return &entry, nil
}

func (d *DB) ListUserSimilarities(ctx context.Context, user int32) ([]*store.UserSimilarityEntry, error) {
	query := `SELECT user_a, user_b, score, shared_categories, shared_count, same_location, computed_ts
		FROM user_similarity WHERE user_a = ` + placeholder(1) + ` OR user_b = ` + placeholder(1) + ` ORDER BY user_a, user_b`
	rows, err := d.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user similarities")
	}
	defer rows.Close()

	list := []*store.UserSimilarityEntry{}
	for rows.Next() {
		var entry store.UserSimilarityEntry
		var categories pq.StringArray
		if err := rows.Scan(&entry.UserA, &entry.UserB, &entry.Score, &categories, &entry.SharedCount, &entry.SameLocation, &entry.ComputedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan user similarity")
		}
		for _, c := range categories {
			entry.SharedCategories = append(entry.SharedCategories, store.Category(c))
		}
		list = append(list, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
