// Package solana is a minimal JSON-RPC client for reading confirmed
// transactions from a Solana node.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/zorgspace/slashbot-web/internal/config"
)

// LamportsPerSOL converts lamports to SOL.
const LamportsPerSOL = 1_000_000_000

const (
	defaultCommitment = "confirmed"
	maxResponseBytes  = 8 << 20
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AccountKey is one account referenced by a transaction message.
type AccountKey struct {
	Pubkey   string
	Signer   bool
	Writable bool
}

// TokenBalance is an SPL token account balance before or after execution.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       decimal.Decimal
}

// Transaction is the subset of a parsed transaction deposits are verified
// against.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         int64
	Failed            bool
	AccountKeys       []AccountKey
	PreBalances       []int64
	PostBalances      []int64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// IsSigner reports whether address signed the transaction.
func (t *Transaction) IsSigner(address string) bool {
	for _, k := range t.AccountKeys {
		if k.Pubkey == address && k.Signer {
			return true
		}
	}
	return false
}

// LamportDelta is the net lamport change of address across the transaction.
func (t *Transaction) LamportDelta(address string) int64 {
	var delta int64
	for i, k := range t.AccountKeys {
		if k.Pubkey != address {
			continue
		}
		var pre, post int64
		if i < len(t.PreBalances) {
			pre = t.PreBalances[i]
		}
		if i < len(t.PostBalances) {
			post = t.PostBalances[i]
		}
		delta += post - pre
	}
	return delta
}

// TokenDelta is the net change of mint tokens held by owner, in whole-token
// units.
func (t *Transaction) TokenDelta(owner, mint string) decimal.Decimal {
	delta := decimal.Zero
	for _, post := range t.PostTokenBalances {
		if post.Owner != owner || post.Mint != mint {
			continue
		}
		pre := decimal.Zero
		for _, b := range t.PreTokenBalances {
			if b.AccountIndex == post.AccountIndex {
				pre = b.Amount
				break
			}
		}
		delta = delta.Add(post.Amount.Sub(pre))
	}
	return delta
}

// ValidateSignature checks that sig is a base58 encoded 64 byte signature.
func ValidateSignature(sig string) error {
	b, err := base58.Decode(sig)
	if err != nil || len(b) != 64 {
		return ErrInvalidSignature
	}
	return nil
}

// Client talks to one RPC endpoint.
type Client struct {
	url        string
	http       *http.Client
	commitment string
	nextID     atomic.Uint64
}

// NewClient creates a client for cfg.RPCURL.
func NewClient(cfg *config.SolanaConfig) *Client {
	return &Client{
		url:        cfg.RPCURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		commitment: defaultCommitment,
	}
}

// GetTransaction fetches a confirmed transaction. A transaction the node
// does not know (yet) yields ErrTransactionNotFound.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     c.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if !result.Exists() || result.Type == gjson.Null {
		return nil, ErrTransactionNotFound
	}
	return parseTransaction(signature, result), nil
}

func (c *Client) call(ctx context.Context, method string, params []any) (gjson.Result, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return gjson.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s: malformed response", method)
	}

	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	return gjson.GetBytes(body, "result"), nil
}

func parseTransaction(signature string, r gjson.Result) *Transaction {
	meta := r.Get("meta")
	tx := &Transaction{
		Signature: signature,
		Slot:      r.Get("slot").Uint(),
		BlockTime: r.Get("blockTime").Int(),
		Failed:    meta.Get("err").Exists() && meta.Get("err").Type != gjson.Null,
	}

	r.Get("transaction.message.accountKeys").ForEach(func(_, k gjson.Result) bool {
		// Legacy encodings list bare pubkeys.
		if k.Type == gjson.String {
			tx.AccountKeys = append(tx.AccountKeys, AccountKey{Pubkey: k.String()})
			return true
		}
		tx.AccountKeys = append(tx.AccountKeys, AccountKey{
			Pubkey:   k.Get("pubkey").String(),
			Signer:   k.Get("signer").Bool(),
			Writable: k.Get("writable").Bool(),
		})
		return true
	})

	for _, b := range meta.Get("preBalances").Array() {
		tx.PreBalances = append(tx.PreBalances, b.Int())
	}
	for _, b := range meta.Get("postBalances").Array() {
		tx.PostBalances = append(tx.PostBalances, b.Int())
	}
	tx.PreTokenBalances = parseTokenBalances(meta.Get("preTokenBalances"))
	tx.PostTokenBalances = parseTokenBalances(meta.Get("postTokenBalances"))
	return tx
}

func parseTokenBalances(list gjson.Result) []TokenBalance {
	var out []TokenBalance
	list.ForEach(func(_, b gjson.Result) bool {
		ui := b.Get("uiTokenAmount")
		amount, err := decimal.NewFromString(ui.Get("amount").String())
		if err == nil {
			amount = amount.Shift(-int32(ui.Get("decimals").Int()))
		} else {
			amount = decimal.NewFromFloat(ui.Get("uiAmount").Float())
		}
		out = append(out, TokenBalance{
			AccountIndex: int(b.Get("accountIndex").Int()),
			Mint:         b.Get("mint").String(),
			Owner:        b.Get("owner").String(),
			Amount:       amount,
		})
		return true
	})
	return out
}
