// Package payments implements the x402 payment challenge, the
// facilitator client, and on-chain USDC transfer verification on Base.
package payments

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// USDCDecimals is the number of decimals in USDC minor units.
const USDCDecimals = 6

// GeneratePriceUSD is the price of a single generation.
const GeneratePriceUSD = 0.10

// PaymentRequiredHeader carries the base64 challenge on 402 responses.
const PaymentRequiredHeader = "payment-required"

var minorPerUSD = big.NewInt(1_000_000)

// MinorUnits converts a USD amount to USDC minor units.
func MinorUnits(usd float64) *big.Int {
	// Round through cents-level math to avoid float drift at 6 decimals.
	return big.NewInt(int64(usd*1_000_000 + 0.5))
}

// ToUSD converts USDC minor units to a USD float. Values stay integral
// until this final scaling.
func ToUSD(minor *big.Int) float64 {
	f := new(big.Float).SetInt(minor)
	f.Quo(f, new(big.Float).SetInt(minorPerUSD))
	usd, _ := f.Float64()
	return usd
}

type challengeAccept struct {
	Scheme                  string         `json:"scheme"`
	Network                 string         `json:"network"`
	MaxAmountRequired       string         `json:"maxAmountRequired"`
	Resource                string         `json:"resource"`
	Description             string         `json:"description"`
	MimeType                string         `json:"mimeType"`
	PayTo                   string         `json:"payTo"`
	RequiredDeadlineSeconds int            `json:"requiredDeadlineSeconds"`
	OutputSchema            any            `json:"outputSchema"`
	Extra                   challengeExtra `json:"extra"`
}

type challengeExtra struct {
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Token    string `json:"token"`
}

type challenge struct {
	X402Version int               `json:"x402Version"`
	Accepts     []challengeAccept `json:"accepts"`
}

// BuildChallenge returns the base64 JSON payload describing how to pay
// for one generation, sent in the payment-required header alongside a
// 402 status.
func BuildChallenge(treasury, resourceURL, tokenAddress string) string {
	payload := challenge{
		X402Version: 1,
		Accepts: []challengeAccept{{
			Scheme:                  "exact",
			Network:                 "base",
			MaxAmountRequired:       MinorUnits(GeneratePriceUSD).String(),
			Resource:                resourceURL,
			Description:             fmt.Sprintf("Generate a muse ($%.2f)", GeneratePriceUSD),
			MimeType:                "application/json",
			PayTo:                   treasury,
			RequiredDeadlineSeconds: 300,
			OutputSchema:            nil,
			Extra: challengeExtra{
				Name:     "USDC",
				Decimals: USDCDecimals,
				Token:    tokenAddress,
			},
		}},
	}
	data, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(data)
}
