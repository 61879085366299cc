package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/visionhub/pkg/types"
)

// Memory is an in-process Store. Records are kept in insertion order.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byID: make(map[string]int),
		now:  time.Now,
	}
}

func (m *Memory) Save(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !rec.Kind.Valid() {
		return Record{}, fmt.Errorf("%w: unknown kind %q", types.ErrInvalidInput, rec.Kind)
	}

	rec.ID = uuid.NewString()
	rec.CreatedAt = m.now()

	m.mu.Lock()
	m.byID[rec.ID] = len(m.records)
	m.records = append(m.records, rec)
	m.mu.Unlock()

	slog.Debug("record saved", "id", rec.ID, "kind", rec.Kind, "user", rec.UserID, "session", rec.SessionID)
	return rec, nil
}

// QueryByUser returns the user's records newest first. A non-positive limit
// returns everything after offset.
func (m *Memory) QueryByUser(ctx context.Context, userID string, limit, offset int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: negative offset", types.ErrInvalidInput)
	}

	m.mu.RLock()
	var matched []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].UserID == userID {
			matched = append(matched, m.records[i])
		}
	}
	m.mu.RUnlock()

	page := Page{TotalCount: len(matched), Items: []Record{}}
	if offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Items = matched[offset:end]
	return page, nil
}

// QueryBySession returns the session's records oldest first
func (m *Memory) QueryBySession(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Record{}
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) GetByID(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return Record{}, false, nil
	}
	return m.records[i], true, nil
}

// Len returns the number of stored records
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Identities is an in-process IdentityStore
type Identities struct {
	mu         sync.RWMutex
	identities []Identity
}

var _ IdentityStore = (*Identities)(nil)

func NewIdentities() *Identities {
	return &Identities{}
}

// Register adds an identity, assigning an ID when it has none
func (s *Identities) Register(id Identity) (Identity, error) {
	if len(id.Embedding) == 0 {
		return Identity{}, fmt.Errorf("%w: identity %q has no embedding", types.ErrInvalidInput, id.Name)
	}
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	id.Embedding = slices.Clone(id.Embedding)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if existing.ID == id.ID {
			return Identity{}, fmt.Errorf("%w: identity %s already registered", types.ErrInvalidInput, id.ID)
		}
	}
	s.identities = append(s.identities, id)
	return id, nil
}

func (s *Identities) ListRegisteredEmbeddings(ctx context.Context, userID string) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Identity
	for _, id := range s.identities {
		if userID == "" || id.UserID == userID {
			out = append(out, id)
		}
	}
	return out, nil
}
