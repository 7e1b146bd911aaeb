package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

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
	tags, err := json.Marshal(nonNilSlice(create.Tags))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tags")
	}
	var lat, lon sql.NullFloat64
	if create.Location != nil {
		lat = sql.NullFloat64{Float64: create.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: create.Location.Lon, Valid: true}
	}
	var embedding []byte
	if len(create.Embedding) > 0 {
		embedding = float32ArrayToBLOB(create.Embedding)
	}

	fields := []string{"id", "creator_id", "category", "narrative", "occurred_ts", "time_of_day", "lat", "lon",
		"attributes", "tags", "visibility", "row_status", "locked", "embedding", "created_ts", "updated_ts"}
	args := []any{create.ID, create.CreatorID, create.Category, create.Narrative, create.OccurredAt.Unix(), create.TimeOfDay, lat, lon,
		string(attributes), string(tags), create.Visibility, create.RowStatus, create.Locked, embedding, create.CreatedTs, create.UpdatedTs}

	stmt := "INSERT INTO experience (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to insert experience")
	}
	return d.getExperience(ctx, create.ID)
}

func (d *DB) getExperience(ctx context.Context, id string) (*store.Experience, error) {
	list, err := d.ListExperiences(ctx, &store.FindExperience{IDs: []string{id}, IgnoreVisibility: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("experience %s not found", id)
	}
	return list[0], nil
}

func (d *DB) UpdateExperience(ctx context.Context, update *store.UpdateExperience) (*store.Experience, error) {
	set, args := []string{"updated_ts = ?"}, []any{update.UpdatedTs}
	if v := update.Narrative; v != nil {
		set, args = append(set, "narrative = ?"), append(args, *v)
		set = append(set, "embedding = NULL", "embedding_model = ''")
	}
	if update.Tags != nil {
		tags, err := json.Marshal(update.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal tags")
		}
		set, args = append(set, "tags = ?"), append(args, string(tags))
	}
	if update.Attributes != nil {
		attributes, err := json.Marshal(update.Attributes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal attributes")
		}
		set, args = append(set, "attributes = ?"), append(args, string(attributes))
	}
	if v := update.Visibility; v != nil {
		set, args = append(set, "visibility = ?"), append(args, *v)
	}
	if v := update.RowStatus; v != nil {
		set, args = append(set, "row_status = ?"), append(args, *v)
	}
	if v := update.Locked; v != nil {
		set, args = append(set, "locked = ?"), append(args, *v)
	}
	args = append(args, update.ID)

	result, err := d.db.ExecContext(ctx, "UPDATE experience SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update experience")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("experience %s not found", update.ID)
	}
	return d.getExperience(ctx, update.ID)
}

func (d *DB) UpdateExperienceEmbedding(ctx context.Context, update *store.UpdateExperienceEmbedding) error {
	result, err := d.db.ExecContext(ctx, "UPDATE experience SET embedding = ?, embedding_model = ? WHERE id = ?",
		float32ArrayToBLOB(update.Embedding), update.Model, update.ID)
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
	ids := make([]any, 0, len(find.IDs))
	for _, id := range find.IDs {
		ids = append(ids, id)
	}
	c.in("id", ids)
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
	return d.queryExperiences(ctx, query, c.args)
}

func (d *DB) queryExperiences(ctx context.Context, query string, args []any) ([]*store.Experience, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
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

// VectorSearch computes cosine similarity in Go over the filtered candidates.
func (d *DB) VectorSearch(ctx context.Context, opts *store.VectorSearchOptions) ([]*store.ExperienceWithScore, error) {
	c := newClause()
	c.add("embedding IS NOT NULL")
	c.visibility(opts.Viewer)
	c.filter(opts.Filter)

	candidates, err := d.queryExperiences(ctx, "SELECT "+experienceColumns+" FROM experience WHERE "+c.String(), c.args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to vector search")
	}

	results := make([]*store.ExperienceWithScore, 0, len(candidates))
	for _, e := range candidates {
		if len(e.Embedding) != len(opts.Vector) {
			continue
		}
		results = append(results, &store.ExperienceWithScore{Experience: e, Score: cosineSimilarity(opts.Vector, e.Embedding)})
	}
	return topK(results, opts.Limit), nil
}

// KeywordSearch scores each candidate by the fraction of keywords it contains.
func (d *DB) KeywordSearch(ctx context.Context, opts *store.KeywordSearchOptions) ([]*store.ExperienceWithScore, error) {
	keywords := make([]string, 0, len(opts.Keywords))
	for _, k := range opts.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return []*store.ExperienceWithScore{}, nil
	}

	c := newClause()
	c.visibility(opts.Viewer)
	c.filter(opts.Filter)
	like := make([]string, 0, len(keywords))
	for _, k := range keywords {
		escaped := strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(k, `\`, `\\`), "%", `\%`), "_", `\_`)
		like = append(like, "LOWER(narrative || ' ' || tags) LIKE "+c.arg("%"+escaped+"%")+" ESCAPE '\\'")
	}
	c.add("(" + strings.Join(like, " OR ") + ")")

	candidates, err := d.queryExperiences(ctx, "SELECT "+experienceColumns+" FROM experience WHERE "+c.String(), c.args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to keyword search")
	}

	results := make([]*store.ExperienceWithScore, 0, len(candidates))
	for _, e := range candidates {
		document := strings.ToLower(e.Narrative + " " + strings.Join(e.Tags, " "))
		matched := 0
		for _, k := range keywords {
			if strings.Contains(document, k) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, &store.ExperienceWithScore{Experience: e, Score: float32(matched) / float32(len(keywords))})
	}
	return topK(results, opts.Limit), nil
}

// topK orders by score, then newer occurrence, then id.
func topK(results []*store.ExperienceWithScore, limit int) []*store.ExperienceWithScore {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Experience.OccurredAt.Equal(b.Experience.OccurredAt) {
			return a.Experience.OccurredAt.After(b.Experience.OccurredAt)
		}
		return a.Experience.ID < b.Experience.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (d *DB) ListCategoryCounts(ctx context.Context, find *store.FindUserAggregates) ([]*store.CategoryCount, error) {
	c := newClause()
	c.add("row_status = 'NORMAL'")
	// Profiles are shared across viewers, so only public rows shape them.
	c.add("visibility = 'PUBLIC'")
	c.in("creator_id", int32Args(find.CreatorIDs))
	rows, err := d.db.QueryContext(ctx, "SELECT creator_id, category, COUNT(*) FROM experience WHERE "+c.String()+
		" GROUP BY creator_id, category ORDER BY creator_id, category", c.args...)
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
	c.in("creator_id", int32Args(find.CreatorIDs))
	rows, err := d.db.QueryContext(ctx, "SELECT creator_id, lat, lon FROM experience WHERE "+c.String(), c.args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list location cells")
	}
	defer rows.Close()

	// SQLite has no FLOOR in older builds, so cells are bucketed here.
	type key struct {
		creator  int32
		lat, lon int
	}
	counts := map[key]int{}
	for rows.Next() {
		var creator int32
		var lat, lon float64
		if err := rows.Scan(&creator, &lat, &lon); err != nil {
			return nil, errors.Wrap(err, "failed to scan location")
		}
		counts[key{creator, floorInt(lat), floorInt(lon)}]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	list := make([]*store.LocationCell, 0, len(counts))
	for k, n := range counts {
		list = append(list, &store.LocationCell{CreatorID: k.creator, LatCell: k.lat, LonCell: k.lon, Count: n})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.CreatorID != b.CreatorID {
			return a.CreatorID < b.CreatorID
		}
		if a.LatCell != b.LatCell {
			return a.LatCell < b.LatCell
		}
		return a.LonCell < b.LonCell
	})
	return list, nil
}

func floorInt(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}

func int32Args(ids []int32) []any {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return args
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
