package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VerificationFailedError is a payment proof the facilitator rejected,
// as opposed to a transport failure talking to it.
type VerificationFailedError struct {
	Reason string
}

func (e *VerificationFailedError) Error() string {
	return e.Reason
}

// FacilitatorClient forwards x402 payment proofs to a facilitator
// service for settlement verification.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFacilitatorClient creates a client against a facilitator base URL.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type verifyRequest struct {
	X402Version    int    `json:"x402Version"`
	PaymentPayload string `json:"paymentPayload"`
	Resource       string `json:"resource"`
}

type verifyResponse struct {
	Valid           bool   `json:"valid"`
	TxHash          string `json:"txHash"`
	TransactionHash string `json:"transaction_hash"`
	ErrorMsg        string `json:"error"`
	Reason          string `json:"reason"`
}

// Verify forwards a payment header to the facilitator. A rejected proof
// returns a VerificationFailedError carrying the facilitator's reason;
// success returns the settlement transaction hash.
func (c *FacilitatorClient) Verify(ctx context.Context, paymentHeader, resourceURL string) (string, error) {
	body, err := json.Marshal(verifyRequest{
		X402Version:    1,
		PaymentPayload: paymentHeader,
		Resource:       resourceURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &VerificationFailedError{
			Reason: fmt.Sprintf("facilitator returned %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("invalid facilitator response: %w", err)
	}

	if !parsed.Valid {
		reason := parsed.ErrorMsg
		if reason == "" {
			reason = parsed.Reason
		}
		if reason == "" {
			reason = "payment invalid"
		}
		return "", &VerificationFailedError{Reason: reason}
	}

	txHash := parsed.TxHash
	if txHash == "" {
		txHash = parsed.TransactionHash
	}
	if txHash == "" {
		txHash = "unknown"
	}
	return txHash, nil
}
