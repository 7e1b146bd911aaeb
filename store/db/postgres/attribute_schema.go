package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/store"
)

func (d *DB) UpsertAttributeSchema(ctx context.Context, upsert *store.AttributeSchema) (*store.AttributeSchema, error) {
	upsert.UpdatedTs = time.Now().Unix()
	stmt := `INSERT INTO attribute_schema (key, type, description, allowed_values, filterable, updated_ts)
		VALUES (` + placeholders(6) + `)
		ON CONFLICT (key) DO UPDATE SET
			type = EXCLUDED.type,
			description = EXCLUDED.description,
			allowed_values = EXCLUDED.allowed_values,
			filterable = EXCLUDED.filterable,
			updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.Key, upsert.Type, upsert.Description, pq.Array(nonNilSlice(upsert.AllowedValues)), upsert.Filterable, upsert.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert attribute schema")
	}
	return upsert, nil
}

func (d *DB) ListAttributeSchemas(ctx context.Context) ([]*store.AttributeSchema, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, type, description, allowed_values, filterable, updated_ts FROM attribute_schema ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attribute schemas")
	}
	defer rows.Close()

	list := []*store.AttributeSchema{}
	for rows.Next() {
		var s store.AttributeSchema
		var allowed pq.StringArray
		if err := rows.Scan(&s.Key, &s.Type, &s.Description, &allowed, &s.Filterable, &s.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan attribute schema")
		}
		s.AllowedValues = []string(allowed)
		list = append(list, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
