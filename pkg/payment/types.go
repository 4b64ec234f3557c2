// Package payment implements the x402 micropayment protocol: the 402
// challenge body, signed payment proofs, tiered verification, and the local
// receipt ledger.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the x402 protocol version.
const Version = 1

// AmountDecimals is the number of minor-unit decimals used for amounts
// (USDC convention: 1000000 = 1.00).
const AmountDecimals = 6

// Option is one acceptable way to pay, declared by the server in a 402
// response.
type Option struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	Amount            int64  `json:"amount"` // minor units
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	FacilitatorURL    string `json:"facilitatorUrl,omitempty"`
}

// RequiredResponse is the HTTP 402 body: the list of accepted payment
// options.
type RequiredResponse struct {
	Version int      `json:"x402Version"`
	Error   string   `json:"error,omitempty"`
	Accepts []Option `json:"accepts"`
}

// Authorization is the time-boxed, single-use payment authorization a client
// signs. The server, not the client, finalizes settlement.
type Authorization struct {
	From        string `json:"from"` // sender identity (JWK thumbprint)
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Nonce       string `json:"nonce"`
	ValidAfter  int64  `json:"validAfter"`  // unix seconds
	ValidBefore int64  `json:"validBefore"` // unix seconds
}

// ValidAt reports whether the authorization window covers the given time.
func (a *Authorization) ValidAt(t time.Time) bool {
	unix := t.Unix()
	return unix >= a.ValidAfter && unix < a.ValidBefore
}

// Payload carries the evidence inside a proof. Exactly which fields are set
// determines the verification tier.
type Payload struct {
	// Signature is a compact JWS over the Authorization, with the signer's
	// public JWK embedded in the protected header.
	Signature string `json:"signature,omitempty"`

	// Authorization is the claimed payment; authoritative only when signed.
	Authorization *Authorization `json:"authorization,omitempty"`

	// TxHash references an already-settled on-chain transaction.
	TxHash string `json:"txHash,omitempty"`

	// Token is an opaque bearer token pre-verified by an upstream
	// facilitator.
	Token string `json:"token,omitempty"`
}

// Proof is the full payment proof carried in the X-Payment header.
type Proof struct {
	Version int     `json:"x402Version"`
	Scheme  string  `json:"scheme,omitempty"`
	Network string  `json:"network,omitempty"`
	Payload Payload `json:"payload"`
}

// EncodeHeader serializes a proof for the X-Payment header.
func (p *Proof) EncodeHeader() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeHeader parses an X-Payment header value into a proof.
func DecodeHeader(value string) (*Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("payment header is not valid base64: %w", err)
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON: %w", err)
	}
	return &p, nil
}

// ReceiptDirection distinguishes money sent from money received.
type ReceiptDirection string

const (
	ReceiptSent     ReceiptDirection = "sent"
	ReceiptReceived ReceiptDirection = "received"
)

// Receipt is one append-only ledger entry for money sent or received.
type Receipt struct {
	ID           string           `json:"id"`
	Direction    ReceiptDirection `json:"direction"`
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	Chain        string           `json:"chain"`
	Counterparty string           `json:"counterparty"`
	Timestamp    time.Time        `json:"timestamp"`
	TxHash       string           `json:"txHash,omitempty"`
	Verified     bool             `json:"verified"`
}

// ParseAmount converts a decimal price string ("0.001") to minor units with
// AmountDecimals precision, without going through floats.
func ParseAmount(price string) (int64, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return 0, nil
	}

	whole, frac, _ := strings.Cut(price, ".")
	if len(frac) > AmountDecimals {
		return 0, fmt.Errorf("price %q has more than %d decimals", price, AmountDecimals)
	}
	frac += strings.Repeat("0", AmountDecimals-len(frac))

	var amount int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid price %q", price)
		}
		amount = amount*10 + int64(r-'0')
	}
	return amount, nil
}

// FormatAmount renders minor units back to a decimal string.
func FormatAmount(amount int64) string {
	whole := amount / 1_000_000
	frac := amount % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}
