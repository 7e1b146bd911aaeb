package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func placeholder(_ int) string {
	return "?"
}

func placeholders(n int) string {
	return strings.Repeat("?,", n-1) + "?"
}

const experienceColumns = `id, creator_id, category, narrative, occurred_ts, time_of_day, lat, lon,
	attributes, tags, visibility, row_status, locked, created_ts, updated_ts, embedding`

type clause struct {
	where []string
	args  []any
}

func newClause() *clause {
	return &clause{where: []string{"1 = 1"}, args: []any{}}
}

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

func (c *clause) visibility(viewer store.Viewer) {
	c.add("row_status = 'NORMAL'")
	if viewer.UserID == 0 {
		c.add("visibility = 'PUBLIC'")
		return
	}
	c.add("(visibility IN ('PUBLIC', 'PROTECTED') OR creator_id = " + c.arg(viewer.UserID) + ")")
}

func (c *clause) in(column string, values []any) {
	if len(values) == 0 {
		return
	}
	c.add(column + " IN (" + placeholders(len(values)) + ")")
	c.args = append(c.args, values...)
}

// jsonPath quotes key so attribute names with dots stay a single path segment.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func (c *clause) filter(f *store.ExperienceFilter) {
	if f == nil {
		return
	}
	categories := make([]any, 0, len(f.Categories))
	for _, category := range f.Categories {
		categories = append(categories, string(category))
	}
	c.in("category", categories)
	if f.OccurredAfter != nil {
		c.add("occurred_ts >= " + c.arg(f.OccurredAfter.Unix()))
	}
	if f.OccurredBefore != nil {
		c.add("occurred_ts <= " + c.arg(f.OccurredBefore.Unix()))
	}
	keys := make([]string, 0, len(f.Attributes))
	for key := range f.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		c.add("json_extract(attributes, " + c.arg(jsonPath(key)) + ") = " + c.arg(f.Attributes[key]))
	}
	keys = keys[:0]
	for key := range f.Ranges {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		r := f.Ranges[key]
		c.add("json_extract(attributes, " + c.arg(jsonPath(key)) + ") IS NOT NULL")
		if r.Min != nil {
			c.add("CAST(json_extract(attributes, " + c.arg(jsonPath(key)) + ") AS REAL) >= " + c.arg(*r.Min))
		}
		if r.Max != nil {
			c.add("CAST(json_extract(attributes, " + c.arg(jsonPath(key)) + ") AS REAL) <= " + c.arg(*r.Max))
		}
	}
	for _, tag := range f.Tags {
		c.add("EXISTS (SELECT 1 FROM json_each(experience.tags) WHERE json_each.value = " + c.arg(tag) + ")")
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperience(row scanner, extra ...any) (*store.Experience, error) {
	var (
		e           store.Experience
		occurredTs  int64
		lat, lon    sql.NullFloat64
		attributes  string
		tags        string
		embedding   []byte
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
	if attributes != "" {
		if err := json.Unmarshal([]byte(attributes), &e.Attributes); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal attributes")
		}
	}
	e.Tags = []string{}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
	}
	if len(embedding) > 0 {
		vector, err := blobToFloat32Array(embedding)
		if err != nil {
			return nil, err
		}
		e.Embedding = vector
	}
	return &e, nil
}

// float32ArrayToBLOB encodes a vector as little-endian float32s.
func float32ArrayToBLOB(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func blobToFloat32Array(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.Errorf("invalid BLOB length: %d", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4 : i*4+4]))
	}
	return vec, nil
}

// cosineSimilarity returns 0 for mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
