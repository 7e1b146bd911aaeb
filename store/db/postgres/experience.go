package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func unixUTC(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func (d *DB) CreateExperience(ctx context.Context, create *store.Experience) (*store.Experience, error) {
	attributes, err := json.Marshal(nonNilMap(create.Attributes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal attributes")
	}
	var lat, lon sql.NullFloat64
	if create.Location != nil {
		lat = sql.NullFloat64{Float64: create.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: create.Location.Lon, Valid: true}
	}
	var embedding any
	if len(create.Embedding) > 0 {
		embedding = pgvector.NewVector(create.Embedding)
	}

	fields := []string{"id", "creator_id", "category", "narrative", "occurred_ts", "time_of_day", "lat", "lon",
		"attributes", "tags", "visibility", "row_status", "locked", "embedding", "created_ts", "updated_ts"}
	args := []any{create.ID, create.CreatorID, create.Category, create.Narrative, create.OccurredAt.Unix(), create.TimeOfDay, lat, lon,
		attributes, pq.Array(nonNilSlice(create.Tags)), create.Visibility, create.RowStatus, create.Locked, embedding, create.CreatedTs, create.UpdatedTs}

	stmt := "INSERT INTO experience (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to insert experience")
	}

	list, err := d.ListExperiences(ctx, &store.FindExperience{IDs: []string{create.ID}, IgnoreVisibility: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("experience %s not found after insert", create.ID)
	}
	return list[0], nil
}

func (d *DB) UpdateExperience(ctx context.Context, update *store.UpdateExperience) (*store.Experience, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{update.UpdatedTs}
	if v := update.Narrative; v != nil {
		// A new narrative invalidates the embedding; the backfill job recomputes it.
		set, args = append(set, "narrative = "+placeholder(len(args)+1)), append(args, *v)
		set = append(set, "embedding = NULL", "embedding_model = ''")
	}
	if update.Tags != nil {
		set, args = append(set, "tags = "+placeholder(len(args)+1)), append(args, pq.Array(update.Tags))
	}
	if update.Attributes != nil {
		attributes, err := json.Marshal(update.Attributes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal attributes")
		}
		set, args = append(set, "attributes = "+placeholder(len(args)+1)), append(args, attributes)
	}
	if v := update.Visibility; v != nil {
		set, args = append(set, "visibility = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.RowStatus; v != nil {
		set, args = append(set, "row_status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Locked; v != nil {
		set, args = append(set, "locked = "+placeholder(len(args)+1)), append(args, *v)
	}

	stmt := "UPDATE experience SET " + strings.Join(set, ", ") + " WHERE id = " + placeholder(len(args)+1)
	args = append(args, update.ID)
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update experience")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("experience %s not found", update.ID)
	}

	list, err := d.ListExperiences(ctx, &store.FindExperience{IDs: []string{update.ID}, IgnoreVisibility: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("experience %s not found", update.ID)
	}
	return list[0], nil
}

func (d *DB) UpdateExperienceEmbedding(ctx context.Context, update *store.UpdateExperienceEmbedding) error {
	stmt := `UPDATE experience SET embedding = ` + placeholder(1) + `, embedding_model = ` + placeholder(2) + ` WHERE id = ` + placeholder(3)
	result, err := d.db.ExecContext(ctx, stmt, pgvector.NewVector(update.Embedding), update.Model, update.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update experience embedding")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("experience %s not found", update.ID)
	}
	return nil
}

func (d *DB) ListExperiences(ctx context.Context, find *store.FindExperience) ([]*store.Experience, error) {
	c := newClause()
	if !find.IgnoreVisibility {
		c.visibility(find.Viewer)
	}
	c.filter(find.Filter)
	if len(find.IDs) > 0 {
		c.add("id = ANY(" + c.arg(pq.Array(find.IDs)) + ")")
	}
	if v := find.CreatorID; v != nil {
		c.add("creator_id = " + c.arg(*v))
	}
	if find.MissingEmbedding {
		c.add("embedding IS NULL")
	}

	query := "SELECT " + experienceColumns + " FROM experience WHERE " + c.String() + " ORDER BY occurred_ts DESC, id ASC"
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
		if find.Offset > 0 {
			query = fmt.Sprintf("%s OFFSET %d", query, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, c.args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list experiences")
	}
	defer rows.Close()

	list := []*store.Experience{}
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// VectorSearch ranks visible experiences by cosine similarity using pgvector.
// The <=> operator is cosine distance, so the score is 1 - distance.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.ExperienceWithScore, error) {
	c := newClause()
	vector := c.arg(pgvector.NewVector(opts.Vector))
	c.add("embedding IS NOT NULL")
	c.visibility(opts.Viewer)
	c.filter(opts.Filter)

	query := "SELECT " + experienceColumns + ", 1 - (embedding <=> " + vector + ") AS score" +
		" FROM experience WHERE " + c.String() +
		" ORDER BY embedding <=> " + vector + ", occurred_ts DESC, id ASC LIMIT " + c.arg(opts.Limit)

	return d.searchRows(ctx, query, c.args, "vector search")
}

// KeywordSearch ranks visible experiences with ts_rank over the narrative and tags.
// Keywords are stems, so each is a prefix query; they are OR-ed so a partial match still ranks.
func (d *DB) KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.ExperienceWithScore, error) {
	terms := make([]string, 0, len(opts.Keywords))
	for _, keyword := range opts.Keywords {
		if term := sanitizeTerm(keyword); term != "" {
			terms = append(terms, term+":*")
		}
	}
	if len(terms) == 0 {
		return []*store.ExperienceWithScore{}, nil
	}

	c := newClause()
	tsquery := "to_tsquery('simple', " + c.arg(strings.Join(terms, " | ")) + ")"
	document := "to_tsvector('simple', narrative || ' ' || array_to_string(tags, ' '))"
	c.add(document + " @@ " + tsquery)
	c.visibility(opts.Viewer)
	c.filter(opts.Filter)

	query := "SELECT " + experienceColumns + ", ts_rank(" + document + ", " + tsquery + ") AS score" +
		" FROM experience WHERE " + c.String() +
		" ORDER BY score DESC, occurred_ts DESC, id ASC LIMIT " + c.arg(opts.Limit)

	return d.searchRows(ctx, query, c.args, "keyword search")
}

func (d *DB) searchRows(ctx context.Context, query string, args []any, op string) ([]*store.ExperienceWithScore, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to %s", op)
	}
	defer rows.Close()

	results := []*store.ExperienceWithScore{}
	for rows.Next() {
		var score float64
		e, err := scanExperience(rows, &score)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s result", op)
		}
		results = append(results, &store.ExperienceWithScore{Experience: e, Score: float32(score)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// sanitizeTerm keeps letters and digits so user input cannot inject tsquery operators.
func sanitizeTerm(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || r > 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (d *DB) ListCategoryCounts(ctx context.Context, find *store.FindUserAggregates) ([]*store.CategoryCount, error) {
	c := newClause()
	c.add("row_status = 'NORMAL'")
	// Profiles are shared across viewers, so only public rows shape them.
	c.add("visibility = 'PUBLIC'")
	if len(find.CreatorIDs) > 0 {
		c.add("creator_id = ANY(" + c.arg(pq.Array(find.CreatorIDs)) + ")")
	}
	query := "SELECT creator_id, category, COUNT(*) FROM experience WHERE " + c.String() +
		" GROUP BY creator_id, category ORDER BY creator_id, category"

	rows, err := d.db.QueryContext(ctx, query, c.args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list category counts")
	}
	defer rows.Close()

	list := []*store.CategoryCount{}
	for rows.Next() {
		var cc store.CategoryCount
		if err := rows.Scan(&cc.CreatorID, &cc.Category, &cc.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan category count")
		}
		list = append(list, &cc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) ListLocationCells(ctx context.Context, find *store.FindUserAggregates) ([]*store.LocationCell, error) {
	c := newClause()
	c.add("row_status = 'NORMAL'")
	// Profiles are shared across viewers, so only public rows shape them.
	c.add("visibility = 'PUBLIC'")
	c.add("lat IS NOT NULL AND lon IS NOT NULL")
	if len(find.CreatorIDs) > 0 {
		c.add("creator_id = ANY(" + c.arg(pq.Array(find.CreatorIDs)) + ")")
	}
	query := "SELECT creator_id, FLOOR(lat)::int AS lat_cell, FLOOR(lon)::int AS lon_cell, COUNT(*) FROM experience WHERE " + c.String() +
		" GROUP BY creator_id, lat_cell, lon_cell ORDER BY creator_id, lat_cell, lon_cell"

	rows, err := d.db.QueryContext(ctx, query, c.args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list location cells")
	}
	defer rows.Close()

	list := []*store.LocationCell{}
	for rows.Next() {
		var cell store.LocationCell
		if err := rows.Scan(&cell.CreatorID, &cell.LatCell, &cell.LonCell, &cell.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan location cell")
		}
		list = append(list, &cell)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
