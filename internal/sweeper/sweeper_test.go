package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muse-works/muse/internal/db"
)

type fakeStore struct {
	stale      []db.StalePiece
	unclaimed  map[uuid.UUID]bool // ids whose claim loses
	claimCalls []uuid.UUID
	failed     []uuid.UUID
	listErr    error

	seenOlderThan time.Duration
	seenLimit     int
}

func (f *fakeStore) ListStalePieces(_ context.Context, olderThan time.Duration, limit int) ([]db.StalePiece, error) {
	f.seenOlderThan = olderThan
	f.seenLimit = limit
	return f.stale, f.listErr
}

func (f *fakeStore) ClaimStalePiece(_ context.Context, id uuid.UUID) (bool, error) {
	f.claimCalls = append(f.claimCalls, id)
	return !f.unclaimed[id], nil
}

func (f *fakeStore) MarkPieceFailed(_ context.Context, id uuid.UUID) (bool, error) {
	f.failed = append(f.failed, id)
	return true, nil
}

type fakeGenerator struct {
	writingCalls []uuid.UUID
	subjectCalls []uuid.UUID
	failIDs      map[uuid.UUID]bool
}

func (f *fakeGenerator) GenerateFromWriting(_ context.Context, pieceID uuid.UUID, _ string) error {
	f.writingCalls = append(f.writingCalls, pieceID)
	if f.failIDs[pieceID] {
		return errors.New("still broken")
	}
	return nil
}

func (f *fakeGenerator) GenerateForSubject(_ context.Context, pieceID uuid.UUID, _, _ string, _ *uuid.UUID) error {
	f.subjectCalls = append(f.subjectCalls, pieceID)
	if f.failIDs[pieceID] {
		return errors.New("still broken")
	}
	return nil
}

func strPtr(s string) *string { return &s }

func newSweeper(store Store, gen Generator) *Sweeper {
	s := New(store, gen, zerolog.Nop())
	s.itemDelay = 0
	return s
}

func TestSweep_RetriesWrittenPiece(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{stale: []db.StalePiece{
		{ID: id, Origin: db.OriginWritten, WritingText: strPtr("session text")},
	}}
	gen := &fakeGenerator{}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []uuid.UUID{id}, gen.writingCalls)
	assert.Empty(t, store.failed)

	// Query parameters match the recovery policy.
	assert.Equal(t, 2*time.Minute, store.seenOlderThan)
	assert.Equal(t, 10, store.seenLimit)
}

func TestSweep_RetriesSubjectPiece(t *testing.T) {
	id := uuid.New()
	collectionID := uuid.New()
	store := &fakeStore{stale: []db.StalePiece{
		{
			ID:            id,
			Origin:        db.OriginGenerated,
			SubjectName:   strPtr("Ada Lovelace"),
			SubjectMoment: strPtr("the first program"),
			CollectionID:  &collectionID,
		},
	}}
	gen := &fakeGenerator{}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []uuid.UUID{id}, gen.subjectCalls)
}

func TestSweep_LostClaimSkips(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{
		stale:     []db.StalePiece{{ID: id, WritingText: strPtr("text")}},
		unclaimed: map[uuid.UUID]bool{id: true},
	}
	gen := &fakeGenerator{}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
	assert.Len(t, store.claimCalls, 1)
	assert.Empty(t, gen.writingCalls)
	assert.Empty(t, store.failed)
}

func TestSweep_RenewedFailureMarksFailed(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{stale: []db.StalePiece{{ID: id, WritingText: strPtr("text")}}}
	gen := &fakeGenerator{failIDs: map[uuid.UUID]bool{id: true}}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []uuid.UUID{id}, store.failed)
}

func TestSweep_NoInputsMarksFailed(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{stale: []db.StalePiece{{ID: id}}}
	gen := &fakeGenerator{}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []uuid.UUID{id}, store.failed)
	assert.Empty(t, gen.writingCalls)
	assert.Empty(t, gen.subjectCalls)
}

func TestSweep_Empty(t *testing.T) {
	store := &fakeStore{}
	retried, err := newSweeper(store, &fakeGenerator{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestSweep_MixedBatch(t *testing.T) {
	ok := uuid.New()
	lost := uuid.New()
	bad := uuid.New()
	store := &fakeStore{
		stale: []db.StalePiece{
			{ID: ok, WritingText: strPtr("a")},
			{ID: lost, WritingText: strPtr("b")},
			{ID: bad, WritingText: strPtr("c")},
		},
		unclaimed: map[uuid.UUID]bool{lost: true},
	}
	gen := &fakeGenerator{failIDs: map[uuid.UUID]bool{bad: true}}

	retried, err := newSweeper(store, gen).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, retried)
	assert.Equal(t, []uuid.UUID{ok, bad}, gen.writingCalls)
	assert.Equal(t, []uuid.UUID{bad}, store.failed)
}
