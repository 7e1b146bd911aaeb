package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

const experienceColumns = `id, creator_id, category, narrative, occurred_ts, time_of_day, lat, lon,
	attributes, tags, visibility, row_status, locked, created_ts, updated_ts, embedding::text`

// clause accumulates WHERE conditions and their positional arguments.
type clause struct {
	where []string
	args  []any
}

func newClause() *clause {
	return &clause{where: []string{"1 = 1"}, args: []any{}}
}

// arg appends v and returns its placeholder.
func (c *clause) arg(v any) string {
	c.args = append(c.args, v)
	return placeholder(len(c.args))
}

func (c *clause) add(cond string) {
	c.where = append(c.where, cond)
}

func (c *clause) String() string {
	return strings.Join(c.where, " AND ")
}

// visibility restricts rows to those viewer may read.
func (c *clause) visibility(viewer store.Viewer) {
	c.add("row_status = 'NORMAL'")
	if viewer.UserID == 0 {
		c.add("visibility = 'PUBLIC'")
		return
	}
	c.add("(visibility IN ('PUBLIC', 'PROTECTED') OR creator_id = " + c.arg(viewer.UserID) + ")")
}

// filter pushes the structured part of f down to SQL.
func (c *clause) filter(f *store.ExperienceFilter) {
	if f == nil {
		return
	}
	if len(f.Categories) > 0 {
		categories := make([]string, 0, len(f.Categories))
		for _, category := range f.Categories {
			categories = append(categories, string(category))
		}
		c.add("category = ANY(" + c.arg(pq.Array(categories)) + ")")
	}
	if f.OccurredAfter != nil {
		c.add("occurred_ts >= " + c.arg(f.OccurredAfter.Unix()))
	}
	if f.OccurredBefore != nil {
		c.add("occurred_ts <= " + c.arg(f.OccurredBefore.Unix()))
	}
	for _, key := range sortedKeys(f.Attributes) {
		c.add("attributes->>" + c.arg(key) + " = " + c.arg(f.Attributes[key]))
	}
	rangeKeys := make([]string, 0, len(f.Ranges))
	for key := range f.Ranges {
		rangeKeys = append(rangeKeys, key)
	}
	sort.Strings(rangeKeys)
	for _, key := range rangeKeys {
		r := f.Ranges[key]
		c.add("attributes ? " + c.arg(key))
		if r.Min != nil {
			c.add("(attributes->>" + c.arg(key) + ")::double precision >= " + c.arg(*r.Min))
		}
		if r.Max != nil {
			c.add("(attributes->>" + c.arg(key) + ")::double precision <= " + c.arg(*r.Max))
		}
	}
	if len(f.Tags) > 0 {
		c.add("tags @> " + c.arg(pq.Array(f.Tags)))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type scanner interface {
	Scan(dest ...any) error
}

// scanExperience reads experienceColumns, optionally followed by extra destinations.
func scanExperience(row scanner, extra ...any) (*store.Experience, error) {
	var (
		e           store.Experience
		occurredTs  int64
		lat, lon    sql.NullFloat64
		attributes  []byte
		tags        pq.StringArray
		embedding   sql.NullString
		destination = []any{
			&e.ID, &e.CreatorID, &e.Category, &e.Narrative, &occurredTs, &e.TimeOfDay, &lat, &lon,
			&attributes, &tags, &e.Visibility, &e.RowStatus, &e.Locked, &e.CreatedTs, &e.UpdatedTs, &embedding,
		}
	)
	if err := row.Scan(append(destination, extra...)...); err != nil {
		return nil, errors.Wrap(err, "failed to scan experience")
	}

	e.OccurredAt = unixUTC(occurredTs)
	if lat.Valid && lon.Valid {
		e.Location = &store.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	e.Attributes = map[string]string{}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &e.Attributes); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal attributes")
		}
	}
	e.Tags = []string(tags)
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if embedding.Valid && embedding.String != "" {
		var vector pgvector.Vector
		if err := vector.Scan(embedding.String); err != nil {
			return nil, errors.Wrap(err, "failed to parse embedding")
		}
		e.Embedding = vector.Slice()
	}
	return &e, nil
}
