package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/menta2k/visionhub/pkg/types"
)

func TestSaveAndGetByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Save(ctx, Record{
		Kind:     types.KindOCR,
		UserID:   "u1",
		Result:   types.ResultItem{Kind: types.KindOCR, Text: "EXIT"},
		TimingMs: 12,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("Expected ID and CreatedAt to be assigned, got %+v", rec)
	}

	got, ok, err := m.GetByID(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("GetByID failed: %v %v", ok, err)
	}
	if got.Result.Text != "EXIT" {
		t.Errorf("Expected text EXIT, got %q", got.Result.Text)
	}

	if _, ok, _ := m.GetByID(ctx, "missing"); ok {
		t.Error("Expected missing id to be absent")
	}
}

func TestSaveRejectsUnknownKind(t *testing.T) {
	if _, err := NewMemory().Save(context.Background(), Record{Kind: "audio"}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestQueryByUserPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Save(ctx, Record{Kind: types.KindDescription, UserID: "u1", Result: types.ResultItem{Description: fmt.Sprint(i)}})
	}
	m.Save(ctx, Record{Kind: types.KindDescription, UserID: "u2"})

	page, err := m.QueryByUser(ctx, "u1", 2, 1)
	if err != nil {
		t.Fatalf("QueryByUser failed: %v", err)
	}
	if page.TotalCount != 5 {
		t.Errorf("Expected total 5, got %d", page.TotalCount)
	}
	if len(page.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(page.Items))
	}
	// newest first: 4 3 2 1 0, offset 1 -> 3, 2
	if page.Items[0].Result.Description != "3" || page.Items[1].Result.Description != "2" {
		t.Errorf("Unexpected order %q %q", page.Items[0].Result.Description, page.Items[1].Result.Description)
	}

	page, _ = m.QueryByUser(ctx, "u1", 10, 10)
	if len(page.Items) != 0 || page.TotalCount != 5 {
		t.Errorf("Expected empty page past the end with total 5, got %d/%d", len(page.Items), page.TotalCount)
	}

	page, _ = m.QueryByUser(ctx, "u1", 0, 0)
	if len(page.Items) != 5 {
		t.Errorf("Expected unlimited page, got %d", len(page.Items))
	}

	if _, err := m.QueryByUser(ctx, "u1", 1, -1); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for negative offset, got %v", err)
	}
}

func TestQueryBySession(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Save(ctx, Record{Kind: types.KindObjectDetection, SessionID: "s1"})
	m.Save(ctx, Record{Kind: types.KindOCR, SessionID: "s2"})
	m.Save(ctx, Record{Kind: types.KindDescription, SessionID: "s1"})

	recs, err := m.QueryBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("QueryBySession failed: %v", err)
	}
	if len(recs) != 2 || recs[0].Kind != types.KindObjectDetection || recs[1].Kind != types.KindDescription {
		t.Errorf("Unexpected session records %+v", recs)
	}
}

func TestIdentities(t *testing.T) {
	s := NewIdentities()
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	alice, err := s.Register(Identity{Name: "alice", UserID: "u1", Embedding: emb})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	emb[0] = 9
	if alice.Embedding[0] != 1 {
		t.Error("Expected the registered embedding to be copied")
	}
	s.Register(Identity{Name: "bob", UserID: "u2", Embedding: []float32{0, 1, 0}})

	if _, err := s.Register(Identity{ID: alice.ID, Name: "dup", Embedding: []float32{1}}); err == nil {
		t.Error("Expected duplicate identity id to be rejected")
	}
	if _, err := s.Register(Identity{Name: "empty"}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for an empty embedding, got %v", err)
	}

	all, _ := s.ListRegisteredEmbeddings(ctx, "")
	if len(all) != 2 {
		t.Errorf("Expected 2 identities, got %d", len(all))
	}
	mine, _ := s.ListRegisteredEmbeddings(ctx, "u1")
	if len(mine) != 1 || mine[0].Name != "alice" {
		t.Errorf("Expected only alice for u1, got %+v", mine)
	}
}
