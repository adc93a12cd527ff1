package ethereum

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Head is a new-block notification from the node.
type Head struct {
	Number uint64
	Hash   string
}

// Block is a block with its full transaction bodies.
type Block struct {
	Number       uint64
	Hash         string
	Timestamp    time.Time
	Transactions []Transaction
	// Malformed holds transactions that could not be decoded. They are
	// reported individually so the rest of the block is still processed.
	Malformed []MalformedTransaction
}

// Transaction is a native value transfer as returned by eth_getBlockByNumber.
// To is empty for contract creations.
type Transaction struct {
	Hash     string
	From     string
	To       string
	Value    *big.Int // wei
	Gas      uint64
	GasPrice *big.Int // wei
}

// MalformedTransaction records a transaction entry that failed to decode.
type MalformedTransaction struct {
	Index int
	Hash  string
	Err   error
}

type rpcBlock struct {
	Number       *hexutil.Uint64   `json:"number"`
	Hash         string            `json:"hash"`
	Timestamp    hexutil.Uint64    `json:"timestamp"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash     string          `json:"hash"`
	From     string          `json:"from"`
	To       *string         `json:"to"`
	Value    *hexutil.Big    `json:"value"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
}

type rpcHead struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   string         `json:"hash"`
}

// ParseBlock decodes an eth_getBlockByNumber(…, true) result.
func ParseBlock(raw json.RawMessage) (*Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrBlockNotFound
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if rb.Number == nil {
		return nil, fmt.Errorf("decode block: missing number")
	}

	b := &Block{
		Number:       uint64(*rb.Number),
		Hash:         rb.Hash,
		Timestamp:    time.Unix(int64(rb.Timestamp), 0).UTC(),
		Transactions: make([]Transaction, 0, len(rb.Transactions)),
	}
	for i, rawTx := range rb.Transactions {
		tx, err := parseTransaction(rawTx)
		if err != nil {
			b.Malformed = append(b.Malformed, MalformedTransaction{Index: i, Hash: tx.Hash, Err: err})
			continue
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

func parseTransaction(raw json.RawMessage) (Transaction, error) {
	var rt rpcTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		// Recover the hash for logging when only the numeric fields are bad.
		var partial struct {
			Hash string `json:"hash"`
		}
		_ = json.Unmarshal(raw, &partial)
		return Transaction{Hash: partial.Hash}, fmt.Errorf("decode transaction: %w", err)
	}
	if rt.Hash == "" {
		return Transaction{}, fmt.Errorf("decode transaction: missing hash")
	}
	if rt.Value == nil {
		return Transaction{Hash: rt.Hash}, fmt.Errorf("decode transaction: missing value")
	}

	tx := Transaction{
		Hash:     rt.Hash,
		From:     strings.ToLower(rt.From),
		Value:    rt.Value.ToInt(),
		GasPrice: new(big.Int),
	}
	if rt.To != nil {
		tx.To = strings.ToLower(*rt.To)
	}
	if rt.Gas != nil {
		tx.Gas = uint64(*rt.Gas)
	}
	if rt.GasPrice != nil {
		tx.GasPrice = rt.GasPrice.ToInt()
	}
	return tx, nil
}
