package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/imagegen"
	"github.com/muse-works/muse/internal/llm"
)

// memStore records every pipeline write in memory.
type memStore struct {
	users          []string
	sessions       []db.WritingSession
	pieces         []db.CreatePieceParams
	sessionLinks   map[uuid.UUID]uuid.UUID
	completed      map[uuid.UUID][]string // id -> [prompt, reflection, title, path, caption]
	imageCompleted map[uuid.UUID][]string // id -> [prompt, path]
	titles         map[uuid.UUID][]string // id -> [title, reflection]
	costRows       []costRow
	failed         []uuid.UUID
	statuses       map[uuid.UUID][]string
	progress       map[uuid.UUID][]int
}

type costRow struct {
	service   string
	model     string
	in, out   int64
	cost      float64
	relatedID *uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		sessionLinks:   map[uuid.UUID]uuid.UUID{},
		completed:      map[uuid.UUID][]string{},
		imageCompleted: map[uuid.UUID][]string{},
		titles:         map[uuid.UUID][]string{},
		statuses:       map[uuid.UUID][]string{},
		progress:       map[uuid.UUID][]int{},
	}
}

func (m *memStore) EnsureUser(_ context.Context, userID string) error {
	m.users = append(m.users, userID)
	return nil
}

func (m *memStore) CreateWritingSession(_ context.Context, s db.WritingSession) error {
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memStore) CreatePiece(_ context.Context, p db.CreatePieceParams) error {
	m.pieces = append(m.pieces, p)
	return nil
}

func (m *memStore) SetPieceWritingSession(_ context.Context, id, sessionID uuid.UUID) error {
	m.sessionLinks[id] = sessionID
	return nil
}

func (m *memStore) GetPiece(_ context.Context, id uuid.UUID) (*db.PieceDetail, error) {
	detail := &db.PieceDetail{Piece: db.Piece{ID: id}}
	if fields := m.completed[id]; fields != nil {
		detail.Reflection = &fields[1]
		detail.Title = &fields[2]
	}
	if fields := m.titles[id]; fields != nil {
		detail.Title = &fields[0]
		detail.Reflection = &fields[1]
	}
	return detail, nil
}

func (m *memStore) CompletePiece(_ context.Context, id uuid.UUID, prompt, reflection, title, path, caption string) error {
	m.completed[id] = []string{prompt, reflection, title, path, caption}
	return nil
}

func (m *memStore) CompletePieceImage(_ context.Context, id uuid.UUID, prompt, path string) error {
	m.imageCompleted[id] = []string{prompt, path}
	return nil
}

func (m *memStore) SetPieceTitleReflection(_ context.Context, id uuid.UUID, title, reflection string) error {
	m.titles[id] = []string{title, reflection}
	return nil
}

func (m *memStore) InsertCostRecord(_ context.Context, service, model string, in, out int64, cost float64, relatedID *uuid.UUID) error {
	m.costRows = append(m.costRows, costRow{service, model, in, out, cost, relatedID})
	return nil
}

func (m *memStore) MarkPieceFailed(_ context.Context, id uuid.UUID) (bool, error) {
	m.failed = append(m.failed, id)
	return true, nil
}

func (m *memStore) SetCollectionStatus(_ context.Context, id uuid.UUID, status string) error {
	m.statuses[id] = append(m.statuses[id], status)
	return nil
}

func (m *memStore) SetCollectionProgress(_ context.Context, id uuid.UUID, p int) error {
	m.progress[id] = append(m.progress[id], p)
	return nil
}

// scriptedText returns canned completions keyed by call order.
type scriptedText struct {
	responses []string
	failAt    int // 1-based call index to fail on, 0 for never
	calls     int
}

func (s *scriptedText) Generate(_ context.Context, _, _ string, _ llm.ModelTier) (*llm.Result, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return nil, errors.New("model overloaded")
	}
	resp := "canned"
	if len(s.responses) > 0 {
		resp = s.responses[0]
		s.responses = s.responses[1:]
	}
	return &llm.Result{Text: resp, InputTokens: 1000, OutputTokens: 500}, nil
}

func (s *scriptedText) Model(tier llm.ModelTier) string { return "test-" + string(tier) }
func (s *scriptedText) Close() error                    { return nil }

type fakeImages struct {
	err   error
	saves int
}

func (f *fakeImages) Generate(_ context.Context, _ string) (*imagegen.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imagegen.Image{Data: []byte{1}, MimeType: "image/png"}, nil
}

func (f *fakeImages) Save(_ *imagegen.Image, id string) (string, error) {
	f.saves++
	return id + ".png", nil
}

func (f *fakeImages) Model() string { return "test-image" }

func TestGenerateFromWriting(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{"a scene prompt", "a reflection", "Quiet Fire"}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	pieceID := uuid.New()
	err := o.GenerateFromWriting(context.Background(), pieceID, "raw session text")
	require.NoError(t, err)

	fields := store.completed[pieceID]
	require.NotNil(t, fields)
	assert.Equal(t, "a scene prompt", fields[0])
	assert.Equal(t, "a reflection", fields[1])
	assert.Equal(t, "quiet fire", fields[2])
	assert.Equal(t, pieceID.String()+".png", fields[3])
	assert.Equal(t, "quiet fire — a scene prompt", fields[4])

	// Three text stages plus the image row, all tied to the piece.
	require.Len(t, store.costRows, 4)
	for _, row := range store.costRows {
		require.NotNil(t, row.relatedID)
		assert.Equal(t, pieceID, *row.relatedID)
		assert.Equal(t, "gemini", row.service)
	}
	assert.InDelta(t, 0.04, store.costRows[3].cost, 1e-12)
}

func TestGenerateFromWriting_StageFailureAborts(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{failAt: 2} // reflection stage fails
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	pieceID := uuid.New()
	err := o.GenerateFromWriting(context.Background(), pieceID, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reflection stage")

	// Piece untouched, first stage cost already on the ledger.
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.Len(t, store.costRows, 1)
}

func TestGenerateFromWriting_ImageFailureAborts(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{}
	o := NewOrchestrator(store, text, &fakeImages{err: errors.New("render failed")}, zerolog.Nop())

	err := o.GenerateFromWriting(context.Background(), uuid.New(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image stage")
	assert.Empty(t, store.completed)
}

func TestGenerateFromWriting_MissingCredentials(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, nil, nil, zerolog.Nop())

	err := o.GenerateFromWriting(context.Background(), uuid.New(), "text")
	require.NoError(t, err)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.costRows)
}

func TestGenerateImageOnly_SuppliedPrompt(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{"the title\n\nthe reflection"}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	pieceID := uuid.New()
	err := o.GenerateImageOnly(context.Background(), pieceID, "raw text", "an enhanced prompt")
	require.NoError(t, err)

	// Supplied prompt is used directly, no classify call.
	fields := store.imageCompleted[pieceID]
	require.NotNil(t, fields)
	assert.Equal(t, "an enhanced prompt", fields[0])

	// Fallback title+reflection ran off the raw text.
	titles := store.titles[pieceID]
	require.NotNil(t, titles)
	assert.Equal(t, "the title", titles[0])
	assert.Equal(t, "the reflection", titles[1])
}

func TestGenerateImageOnly_FallbackSkippedWhenTitleSet(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{"unused"}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	// A sweeper re-run of a piece that already got its title must not
	// pay for the combined title+reflection call again.
	pieceID := uuid.New()
	store.titles[pieceID] = []string{"kept title", "kept reflection"}

	err := o.GenerateImageOnly(context.Background(), pieceID, "raw text", "an enhanced prompt")
	require.NoError(t, err)

	assert.Equal(t, []string{"kept title", "kept reflection"}, store.titles[pieceID])
	assert.Zero(t, text.calls, "no text stage should run with a supplied prompt and an existing title")
	require.Len(t, store.costRows, 1)
	assert.Equal(t, "test-image", store.costRows[0].model)
}

func TestGenerateImageOnly_Classifies(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{
		`{"type":"image","prompt":"muse in a tide pool"}`,
		"low tide\n\na reflection",
	}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	pieceID := uuid.New()
	err := o.GenerateImageOnly(context.Background(), pieceID, "tide pools", "")
	require.NoError(t, err)
	assert.Equal(t, "muse in a tide pool", store.imageCompleted[pieceID][0])
}

func TestGenerateImageOnly_RejectsNonImageRequest(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{`{"type":"feedback","message":"describe a scene"}`}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	err := o.GenerateImageOnly(context.Background(), uuid.New(), "explain quantum physics", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an image request")
	assert.Empty(t, store.imageCompleted)
}

func TestGenerateForSubject(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{responses: []string{
		"the inner monologue flows here",
		"a scene prompt", "a reflection", "becoming water",
	}}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())

	pieceID := uuid.New()
	collectionID := uuid.New()
	err := o.GenerateForSubject(context.Background(), pieceID, "Ada Lovelace", "the first program", &collectionID)
	require.NoError(t, err)

	// Stream stored as a session linked to the piece.
	require.Len(t, store.sessions, 1)
	assert.Equal(t, "system", store.sessions[0].UserID)
	assert.Equal(t, float64(480), store.sessions[0].DurationSeconds)
	assert.Equal(t, 5, store.sessions[0].WordCount)
	assert.Equal(t, store.sessions[0].ID, store.sessionLinks[pieceID])

	// Stream cost lands on the collection, stage costs on the piece.
	require.Len(t, store.costRows, 5)
	assert.Equal(t, collectionID, *store.costRows[0].relatedID)
	assert.Equal(t, pieceID, *store.costRows[1].relatedID)

	assert.NotNil(t, store.completed[pieceID])
}

func TestCollectionRunner_FailureIsolation(t *testing.T) {
	store := newMemStore()
	// Subject 2's stream call fails; calls 1 and 3 onward succeed.
	// Each successful subject consumes 4 completions.
	text := &scriptedText{failAt: 5}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())
	r := NewCollectionRunner(store, o, zerolog.Nop())
	r.itemDelay = 0

	collectionID := uuid.New()
	subjects := []llm.Subject{
		{Name: "First", Moment: "one"},
		{Name: "Second", Moment: "two"},
		{Name: "Third", Moment: "three"},
	}
	err := r.Run(context.Background(), collectionID, "system", subjects)
	require.NoError(t, err)

	// Status went generating then complete despite the failure.
	assert.Equal(t, []string{db.CollectionGenerating, db.CollectionComplete}, store.statuses[collectionID])

	// Progress advanced for every subject including the failed one.
	assert.Equal(t, []int{1, 2, 3}, store.progress[collectionID])

	// The failed subject's piece was marked failed, others completed.
	require.Len(t, store.failed, 1)
	assert.Len(t, store.completed, 2)
	require.Len(t, store.pieces, 3)
	for _, p := range store.pieces {
		assert.Equal(t, db.OriginGenerated, p.Origin)
		require.NotNil(t, p.CollectionID)
		assert.Equal(t, collectionID, *p.CollectionID)
	}
}

func TestDecodeSubjects(t *testing.T) {
	subjects, err := DecodeSubjects([]byte(`[{"name":"a","moment":"b"}]`))
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "a", subjects[0].Name)

	_, err = DecodeSubjects([]byte(`not json`))
	assert.Error(t, err)
}

func TestCollectionRunner_ManySubjects(t *testing.T) {
	store := newMemStore()
	text := &scriptedText{}
	o := NewOrchestrator(store, text, &fakeImages{}, zerolog.Nop())
	r := NewCollectionRunner(store, o, zerolog.Nop())
	r.itemDelay = 0

	collectionID := uuid.New()
	var subjects []llm.Subject
	for i := 0; i < 10; i++ {
		subjects = append(subjects, llm.Subject{Name: fmt.Sprintf("S%d", i), Moment: "m"})
	}
	require.NoError(t, r.Run(context.Background(), collectionID, "system", subjects))
	assert.Equal(t, 10, store.progress[collectionID][len(store.progress[collectionID])-1])
	assert.Len(t, store.completed, 10)
}
