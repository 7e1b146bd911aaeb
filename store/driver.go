package store

import (
	"context"
	"database/sql"
)

// Driver is the persistence backend behind Store.
// Every read that returns experiences applies the visibility predicate of its Viewer
// unless IgnoreVisibility is set.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	Migrate(ctx context.Context) error

	// Experience model related methods.
	CreateExperience(ctx context.Context, create *Experience) (*Experience, error)
	UpdateExperience(ctx context.Context, update *UpdateExperience) (*Experience, error)
	UpdateExperienceEmbedding(ctx context.Context, update *UpdateExperienceEmbedding) error
	ListExperiences(ctx context.Context, find *FindExperience) ([]*Experience, error)
	VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*ExperienceWithScore, error)
	KeywordSearch(ctx context.Context, opts *KeywordSearchOptions) ([]*ExperienceWithScore, error)

	// AttributeSchema model related methods.
	UpsertAttributeSchema(ctx context.Context, upsert *AttributeSchema) (*AttributeSchema, error)
	ListAttributeSchemas(ctx context.Context) ([]*AttributeSchema, error)

	// User aggregates for similarity profiles.
	ListCategoryCounts(ctx context.Context, find *FindUserAggregates) ([]*CategoryCount, error)
	ListLocationCells(ctx context.Context, find *FindUserAggregates) ([]*LocationCell, error)

	// UserSimilarity model related methods.
	UpsertUserSimilarity(ctx context.Context, upsert *UserSimilarityEntry) (*UserSimilarityEntry, error)
	GetUserSimilarity(ctx context.Context, userA, userB int32) (*UserSimilarityEntry, error)
	ListUserSimilarities(ctx context.Context, user int32) ([]*UserSimilarityEntry, error)

	// AgentTurn model related methods.
	CreateAgentTurn(ctx context.Context, create *AgentTurn) (*AgentTurn, error)
	ListAgentTurns(ctx context.Context, find *FindAgentTurn) ([]*AgentTurn, error)
}
