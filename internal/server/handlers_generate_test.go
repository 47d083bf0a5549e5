package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muse-works/muse/internal/admission"
	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/payments"
)

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func waitFor(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background generation did not run")
	}
}

func TestHandleGenerate_NoPaymentEvidence(t *testing.T) {
	env := newTestServer()
	env.admitter.err = admission.ErrPaymentRequired

	req := postJSON("/api/v1/generate", `{"writing":"some thoughts about rivers"}`)
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	header := w.Header().Get(payments.PaymentRequiredHeader)
	require.NotEmpty(t, header)
	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)

	var challenge map[string]any
	require.NoError(t, json.Unmarshal(raw, &challenge))
	accepts := challenge["accepts"].([]any)
	require.Len(t, accepts, 1)
	accept := accepts[0].(map[string]any)
	assert.Equal(t, "exact", accept["scheme"])
	assert.Equal(t, "100000", accept["maxAmountRequired"])
	assert.Equal(t, "0x1111111111111111111111111111111111111111", accept["payTo"])
	assert.Equal(t, "https://muse.test/api/v1/generate", accept["resource"])
}

func TestHandleGenerate_FailedProof(t *testing.T) {
	env := newTestServer()
	env.admitter.err = &payments.VerificationFailedError{Reason: "signature expired"}

	req := postJSON("/api/v1/generate", `{"writing":"text"}`)
	req.Header.Set("payment-signature", "eyJub3QiOiJhaGFzaCJ9")
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "payment verification failed", body["error"])
	assert.Equal(t, "signature expired", body["reason"])
	assert.Empty(t, w.Header().Get(payments.PaymentRequiredHeader))
}

func TestHandleGenerate_WritingPiece(t *testing.T) {
	env := newTestServer()
	key := "muse_abc"
	env.admitter.decision = &admission.Decision{
		Method:    db.MethodBalance,
		AmountUSD: payments.GeneratePriceUSD,
		APIKey:    &key,
	}

	req := postJSON("/api/v1/generate", `{"writing":"five words about a fire","enhanced_prompt":"a fire"}`)
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "generating", body["status"])
	assert.Equal(t, "balance", body["payment_method"])

	pieceID, err := uuid.Parse(body["piece_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "https://muse.test/piece/"+pieceID.String(), body["url"])

	waitFor(t, env.generator.done)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	piece := env.store.pieces[pieceID]
	require.NotNil(t, piece)
	assert.Equal(t, "api-user", piece.UserID)
	assert.Equal(t, db.OriginGenerated, piece.Origin)
	assert.Equal(t, db.StatusGenerating, piece.Status)
	require.NotNil(t, piece.WritingSessionID)

	session := env.store.sessions[*piece.WritingSessionID]
	assert.Equal(t, "five words about a fire", session.Content)
	assert.Equal(t, 480.0, session.DurationSeconds)
	assert.Equal(t, 5, session.WordCount)

	require.Len(t, env.store.records, 1)
	record := env.store.records[0]
	assert.Equal(t, pieceID, record.PieceID)
	assert.Equal(t, db.MethodBalance, record.PaymentMethod)
	assert.InDelta(t, payments.GeneratePriceUSD, record.AmountUSD, 1e-9)

	env.generator.mu.Lock()
	defer env.generator.mu.Unlock()
	require.Len(t, env.generator.imageCalls, 1)
	assert.Equal(t, pieceID, env.generator.imageCalls[0].pieceID)
	assert.Equal(t, "five words about a fire", env.generator.imageCalls[0].raw)
	assert.Equal(t, "a fire", env.generator.imageCalls[0].enhanced)
}

func TestHandleGenerate_SubjectPiece(t *testing.T) {
	env := newTestServer()
	agentID := uuid.New()
	key := "muse_agent"
	env.admitter.decision = &admission.Decision{
		Method:  db.MethodFreeSession,
		APIKey:  &key,
		AgentID: &agentID,
	}

	req := postJSON("/api/v1/generate", `{"subject_name":"Hypatia","subject_moment":"teaching under the stars"}`)
	req.Header.Set("X-API-Key", key)
	w := httptest.NewRecorder()

	env.store.keys[key] = &db.APIKey{Key: key, IsActive: true}
	env.server.handleGenerate(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "free_session", body["payment_method"])

	pieceID, err := uuid.Parse(body["piece_id"].(string))
	require.NoError(t, err)

	waitFor(t, env.generator.done)

	env.store.mu.Lock()
	piece := env.store.pieces[pieceID]
	require.NotNil(t, piece)
	assert.Equal(t, "system", piece.UserID)
	require.NotNil(t, piece.SubjectName)
	assert.Equal(t, "Hypatia", *piece.SubjectName)

	require.Len(t, env.store.records, 1)
	record := env.store.records[0]
	assert.Equal(t, 0.0, record.AmountUSD)
	require.NotNil(t, record.AgentID)
	assert.Equal(t, agentID.String(), *record.AgentID)
	env.store.mu.Unlock()

	env.generator.mu.Lock()
	defer env.generator.mu.Unlock()
	require.Len(t, env.generator.subjectCalls, 1)
	assert.Equal(t, "teaching under the stars", env.generator.subjectCalls[0].moment)
}

func TestHandleGenerate_FailureMarksPieceFailed(t *testing.T) {
	env := newTestServer()
	env.admitter.decision = &admission.Decision{Method: db.MethodWallet}
	env.generator.err = assert.AnError

	req := postJSON("/api/v1/generate", `{"writing":"text"}`)
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	waitFor(t, env.generator.done)

	require.Eventually(t, func() bool {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		return len(env.store.failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleGenerate_EmptyBody(t *testing.T) {
	env := newTestServer()

	req := postJSON("/api/v1/generate", `{}`)
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "writing or subject_name")
}

func TestHandleGenerate_UnknownAPIKey(t *testing.T) {
	env := newTestServer()

	req := postJSON("/api/v1/generate", `{"writing":"text"}`)
	req.Header.Set("X-API-Key", "muse_missing")
	w := httptest.NewRecorder()
	env.server.handleGenerate(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleGetPiece_InvalidID(t *testing.T) {
	env := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/piece/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	w := httptest.NewRecorder()
	env.server.handleGetPiece(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetPiece_NotFound(t *testing.T) {
	env := newTestServer()
	id := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/piece/"+id.String(), nil)
	req.SetPathValue("id", id.String())
	w := httptest.NewRecorder()
	env.server.handleGetPiece(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetPiece_WritingHiddenFromStrangers(t *testing.T) {
	env := newTestServer()
	id := uuid.New()
	text := "private morning pages"
	title := "quiet fire"
	imagePath := id.String() + ".png"
	env.store.pieces[id] = &db.PieceDetail{
		Piece: db.Piece{
			ID:        id,
			UserID:    "user-1",
			Origin:    db.OriginWritten,
			Status:    db.StatusComplete,
			Title:     &title,
			ImagePath: &imagePath,
		},
		WritingText: &text,
	}
	env.store.owners[id] = "user-1"

	// Stranger: no writing.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/piece/"+id.String(), nil)
	req.SetPathValue("id", id.String())
	w := httptest.NewRecorder()
	env.server.handleGetPiece(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Nil(t, body["writing"])
	assert.Equal(t, "quiet fire", body["title"])
	assert.Equal(t, "https://muse.test/images/"+imagePath, body["image_url"])

	// Owner: writing included.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/piece/"+id.String(), nil)
	req.SetPathValue("id", id.String())
	req.AddCookie(&http.Cookie{Name: "muse_user_id", Value: "user-1"})
	w = httptest.NewRecorder()
	env.server.handleGetPiece(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, text, body["writing"])
}

func TestHandleListPieces_InvalidOrigin(t *testing.T) {
	env := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pieces?origin=dreamt", nil)
	w := httptest.NewRecorder()
	env.server.handleListPieces(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListPieces_FilterByOrigin(t *testing.T) {
	env := newTestServer()
	for _, origin := range []string{db.OriginWritten, db.OriginGenerated, db.OriginGenerated} {
		id := uuid.New()
		env.store.pieces[id] = &db.PieceDetail{Piece: db.Piece{ID: id, Origin: origin}}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pieces?origin=generated", nil)
	w := httptest.NewRecorder()
	env.server.handleListPieces(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, 2.0, body["count"])
}

func TestHandleRetryFailed(t *testing.T) {
	env := newTestServer()
	env.sweeper.retried = 3

	req := httptest.NewRequest(http.MethodPost, "/api/v1/retry-failed", nil)
	w := httptest.NewRecorder()
	env.server.handleRetryFailed(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, 3.0, body["retried"])
}
