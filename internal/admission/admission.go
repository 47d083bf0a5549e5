// Package admission decides whether a generation request is paid for.
// Payment evidence is checked in a fixed order: an agent's free
// sessions, the API key's prepaid balance, a raw wallet transaction
// hash, then the x402 facilitator. The first method that succeeds wins
// and later checks are skipped.
package admission

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/muse-works/muse/internal/db"
	"github.com/muse-works/muse/internal/payments"
)

// ErrPaymentRequired means no payment evidence was presented at all.
// The handler answers it with a 402 challenge.
var ErrPaymentRequired = errors.New("payment required")

// Store is the subset of persistence admission needs.
type Store interface {
	GetAgentByKey(ctx context.Context, apiKey string) (*db.Agent, error)
	ClaimFreeSession(ctx context.Context, agentID uuid.UUID) (bool, error)
	DeductBalance(ctx context.Context, key string, amountUSD float64) (bool, error)
}

// FacilitatorVerifier verifies an x402 payment proof.
type FacilitatorVerifier interface {
	Verify(ctx context.Context, paymentHeader, resourceURL string) (string, error)
}

// Decision records how an admitted request was paid for.
type Decision struct {
	Method    string
	AmountUSD float64
	TxHash    *string
	APIKey    *string
	AgentID   *uuid.UUID
}

// Controller runs the admission sequence.
type Controller struct {
	store       Store
	facilitator FacilitatorVerifier
	resourceURL string
	logger      zerolog.Logger
}

// NewController creates an admission controller. facilitator may be nil
// when no facilitator is configured; proofs that are not wallet hashes
// are then rejected.
func NewController(store Store, facilitator FacilitatorVerifier, resourceURL string, logger zerolog.Logger) *Controller {
	return &Controller{
		store:       store,
		facilitator: facilitator,
		resourceURL: resourceURL,
		logger:      logger.With().Str("module", "admission").Logger(),
	}
}

// Admit checks payment evidence for one request. keyInfo is the
// caller's API key record when one was presented, nil otherwise;
// paymentHeader is the raw payment-signature/x-payment header value.
func (c *Controller) Admit(ctx context.Context, keyInfo *db.APIKey, paymentHeader string, price float64) (*Decision, error) {
	if keyInfo != nil {
		// 1. Agent free sessions. The conditional decrement can lose a
		// race for the last session; losers fall through to balance.
		agent, err := c.store.GetAgentByKey(ctx, keyInfo.Key)
		if err != nil {
			return nil, err
		}
		if agent != nil && agent.FreeSessionsRemaining > 0 {
			claimed, err := c.store.ClaimFreeSession(ctx, agent.ID)
			if err != nil {
				return nil, err
			}
			if claimed {
				c.logger.Info().Str("agent", agent.Name).Msg("admitted on free session")
				return &Decision{
					Method:  db.MethodFreeSession,
					APIKey:  &keyInfo.Key,
					AgentID: &agent.ID,
				}, nil
			}
		}

		// 2. Prepaid balance. The conditional deduct refuses to
		// overdraw under concurrent spends.
		if keyInfo.BalanceUSD >= price {
			deducted, err := c.store.DeductBalance(ctx, keyInfo.Key, price)
			if err != nil {
				return nil, err
			}
			if deducted {
				c.logger.Info().Str("key", keyInfo.Key[:10]+"...").Float64("price", price).Msg("admitted on balance")
				return &Decision{
					Method:    db.MethodBalance,
					AmountUSD: price,
					APIKey:    &keyInfo.Key,
				}, nil
			}
		}
	}

	if paymentHeader != "" {
		// 3. A bare transaction hash is accepted provisionally; the
		// transfer itself is not checked here.
		if payments.IsTxHash(paymentHeader) {
			header := paymentHeader
			return &Decision{
				Method:    db.MethodWallet,
				AmountUSD: price,
				TxHash:    &header,
			}, nil
		}

		// 4. Anything else goes to the facilitator.
		if c.facilitator == nil {
			return nil, &payments.VerificationFailedError{Reason: "payment facilitator not configured"}
		}
		txHash, err := c.facilitator.Verify(ctx, paymentHeader, c.resourceURL)
		if err != nil {
			return nil, err
		}
		return &Decision{
			Method:    db.MethodFacilitator,
			AmountUSD: price,
			TxHash:    &txHash,
		}, nil
	}

	return nil, ErrPaymentRequired
}
