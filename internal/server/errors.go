// Package server provides the HTTP REST API for the muse service.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/muse-works/muse/internal/admission"
	"github.com/muse-works/muse/internal/payments"
)

// ErrInvalidAPIKey indicates the presented API key does not exist or is
// disabled.
type ErrInvalidAPIKey struct{}

func (e *ErrInvalidAPIKey) Error() string {
	return "invalid or inactive API key"
}

// ErrPieceNotFound indicates the requested piece does not exist.
type ErrPieceNotFound struct {
	PieceID uuid.UUID
}

func (e *ErrPieceNotFound) Error() string {
	return fmt.Sprintf("piece not found: %s", e.PieceID)
}

// ErrCollectionNotFound indicates the requested collection does not exist.
type ErrCollectionNotFound struct {
	CollectionID uuid.UUID
}

func (e *ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection not found: %s", e.CollectionID)
}

// ErrTxHashReplayed indicates a transaction hash was already redeemed.
type ErrTxHashReplayed struct {
	TxHash string
}

func (e *ErrTxHashReplayed) Error() string {
	return fmt.Sprintf("transaction already used: %s", e.TxHash)
}

// ErrGenerationUnavailable indicates the AI credentials are not
// configured, so expansion or generation cannot run.
type ErrGenerationUnavailable struct{}

func (e *ErrGenerationUnavailable) Error() string {
	return "generation is not configured"
}

// ErrValidation indicates request validation failure.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	var verification *payments.VerificationFailedError
	switch {
	case errors.Is(err, admission.ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.As(err, &verification):
		return http.StatusPaymentRequired
	}

	switch err.(type) {
	case *ErrInvalidAPIKey:
		return http.StatusUnauthorized
	case *ErrPieceNotFound, *ErrCollectionNotFound:
		return http.StatusNotFound
	case *ErrTxHashReplayed, *ErrValidation:
		return http.StatusBadRequest
	case *ErrGenerationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
