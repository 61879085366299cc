// Package store defines the persistence collaborators consumed by the
// orchestrator and the face pipeline, with in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/menta2k/visionhub/pkg/types"
)

// Record is one persisted pipeline result
type Record struct {
	ID        string           `json:"id"`
	Kind      types.Kind       `json:"kind"`
	UserID    string           `json:"userId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Image     types.ImageMeta  `json:"image"`
	Result    types.ResultItem `json:"result"`
	TimingMs  int64            `json:"timingMs"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Page is one slice of a user's records
type Page struct {
	Items      []Record `json:"items"`
	TotalCount int      `json:"totalCount"`
}

// Saver persists records. Save assigns ID and CreatedAt and returns the
// stored record.
type Saver interface {
	Save(ctx context.Context, rec Record) (Record, error)
}

// Store is the full storage collaborator used by the surrounding API layer
type Store interface {
	Saver
	QueryByUser(ctx context.Context, userID string, limit, offset int) (Page, error)
	QueryBySession(ctx context.Context, sessionID string) ([]Record, error)
	GetByID(ctx context.Context, id string) (Record, bool, error)
}

// Identity is a registered person with a face embedding
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId,omitempty"`
	Embedding []float32 `json:"embedding"`
}

// IdentityStore lists the identities face recognition matches against.
// An empty userID lists every identity.
type IdentityStore interface {
	ListRegisteredEmbeddings(ctx context.Context, userID string) ([]Identity, error)
}
