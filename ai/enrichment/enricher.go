// Package enrichment computes derived fields of experiences after they are saved.
package enrichment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/extract"
	"github.com/hrygo/uncanny/store"
)

// Store is the subset of the store used by the enricher.
type Store interface {
	ListExperiences(ctx context.Context, find *store.FindExperience) ([]*store.Experience, error)
	UpdateExperienceEmbedding(ctx context.Context, update *store.UpdateExperienceEmbedding) error
}

// Enricher computes narrative embeddings.
type Enricher struct {
	store    Store
	embedder embedding.Service
}

func NewEnricher(st Store, embedder embedding.Service) *Enricher {
	return &Enricher{store: st, embedder: embedder}
}

// EmbeddingInput is the text embedded for an experience: the plain-text narrative followed by its tags.
func EmbeddingInput(e *store.Experience) string {
	text := extract.PlainText(e.Narrative)
	if len(e.Tags) > 0 {
		text += "\n" + strings.Join(e.Tags, " ")
	}
	return text
}

// EmbedOne computes and stores the embedding of e.
func (en *Enricher) EmbedOne(ctx context.Context, e *store.Experience) error {
	input := EmbeddingInput(e)
	if strings.TrimSpace(input) == "" {
		return errors.Errorf("experience %s has no text to embed", e.ID)
	}
	vector, err := en.embedder.Embed(ctx, input)
	if err != nil {
		return errors.Wrapf(err, "failed to embed experience %s", e.ID)
	}
	return en.store.UpdateExperienceEmbedding(ctx, &store.UpdateExperienceEmbedding{
		ID:        e.ID,
		Model:     en.embedder.Model(),
		Embedding: vector,
	})
}

// Backfill embeds up to batch experiences that have no embedding yet and
// returns how many were stored. Individual failures are logged and skipped.
func (en *Enricher) Backfill(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	pending, err := en.store.ListExperiences(ctx, &store.FindExperience{
		MissingEmbedding: true,
		IgnoreVisibility: true,
		Limit:            batch,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list experiences missing embeddings")
	}

	start := time.Now()
	embedded := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		if err := en.EmbedOne(ctx, e); err != nil {
			slog.WarnContext(ctx, "enrichment: embedding failed", "experience_id", e.ID, "error", err)
			continue
		}
		embedded++
	}
	if len(pending) > 0 {
		slog.InfoContext(ctx, "enrichment: backfill completed",
			"pending", len(pending),
			"embedded", embedded,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
	return embedded, nil
}
