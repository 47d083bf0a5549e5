package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// minConfirmations a receipt must have before it is trusted.
const minConfirmations = 2

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsTxHash reports whether s looks like an EVM transaction hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// Verification is the outcome of checking one transaction on-chain.
// Valid=false with a Reason is a rejected payment; transport and RPC
// failures surface as errors instead.
type Verification struct {
	Valid       bool
	Reason      string
	AmountUSD   float64
	From        string
	BlockNumber uint64
}

// Verifier checks USDC transfers to the treasury on Base.
type Verifier struct {
	rpcURL       string
	tokenAddress string
	treasury     string
	httpClient   *http.Client
	logger       zerolog.Logger
}

// NewVerifier creates a verifier against an Ethereum JSON-RPC endpoint.
func NewVerifier(rpcURL, tokenAddress, treasury string, logger zerolog.Logger) *Verifier {
	return &Verifier{
		rpcURL:       rpcURL,
		tokenAddress: strings.ToLower(tokenAddress),
		treasury:     strings.ToLower(treasury),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("module", "payments").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (v *Verifier) rpcCall(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return fmt.Errorf("failed to encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("invalid rpc response: %w", err)
	}
	if len(parsed.Error) > 0 {
		return fmt.Errorf("rpc error: %s", string(parsed.Error))
	}
	if len(parsed.Result) == 0 || string(parsed.Result) == "null" {
		return fmt.Errorf("no result from rpc for %s", method)
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return fmt.Errorf("failed to decode rpc result: %w", err)
	}
	return nil
}

type receiptLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type receipt struct {
	Status      string       `json:"status"`
	BlockNumber string       `json:"blockNumber"`
	Logs        []receiptLog `json:"logs"`
}

func parseHexUint(s string) uint64 {
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimPrefix(s, "0x"), 16); !ok {
		return 0
	}
	return n.Uint64()
}

// Verify checks that txHash carries a confirmed USDC Transfer of at
// least minAmount minor units to the treasury. Amounts stay integral
// until the final USD scaling in the result.
func (v *Verifier) Verify(ctx context.Context, txHash string, minAmount *big.Int) (*Verification, error) {
	var rcpt receipt
	if err := v.rpcCall(ctx, "eth_getTransactionReceipt", []any{txHash}, &rcpt); err != nil {
		return nil, err
	}

	if rcpt.Status != "0x1" {
		return &Verification{Valid: false, Reason: "Transaction failed on-chain"}, nil
	}

	receiptBlock := parseHexUint(rcpt.BlockNumber)

	var currentHex string
	if err := v.rpcCall(ctx, "eth_blockNumber", []any{}, &currentHex); err != nil {
		return nil, err
	}
	currentBlock := parseHexUint(currentHex)

	if currentBlock < receiptBlock || currentBlock-receiptBlock < minConfirmations {
		return &Verification{
			Valid:  false,
			Reason: fmt.Sprintf("Insufficient block confirmations (need >= %d)", minConfirmations),
		}, nil
	}

	log := v.findTransferLog(rcpt.Logs)
	if log == nil {
		return &Verification{Valid: false, Reason: "No transfer to treasury address found"}, nil
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(strings.TrimPrefix(log.Data, "0x"), 16); !ok {
		return &Verification{Valid: false, Reason: "Malformed transfer amount"}, nil
	}

	if amount.Cmp(minAmount) < 0 {
		return &Verification{
			Valid:  false,
			Reason: fmt.Sprintf("Insufficient amount: got %s, expected %s", amount, minAmount),
		}, nil
	}

	from := ""
	if len(log.Topics) > 1 && len(log.Topics[1]) == 66 {
		from = "0x" + log.Topics[1][26:]
	}

	v.logger.Info().
		Str("tx", txHash[:10]+"...").
		Str("amount", amount.String()).
		Msg("payment verified")

	return &Verification{
		Valid:       true,
		AmountUSD:   ToUSD(amount),
		From:        from,
		BlockNumber: receiptBlock,
	}, nil
}

// findTransferLog scans receipt logs for a Transfer event on the token
// contract whose recipient (last 20 bytes of topic 2) is the treasury.
func (v *Verifier) findTransferLog(logs []receiptLog) *receiptLog {
	for i := range logs {
		log := &logs[i]
		if strings.ToLower(log.Address) != v.tokenAddress {
			continue
		}
		if len(log.Topics) < 3 {
			continue
		}
		if strings.ToLower(log.Topics[0]) != transferTopic {
			continue
		}
		topic2 := log.Topics[2]
		if len(topic2) != 66 {
			continue
		}
		if "0x"+strings.ToLower(topic2[26:]) == v.treasury {
			return log
		}
	}
	return nil
}
