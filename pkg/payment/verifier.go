package payment

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// VerifierConfig configures the server side of x402.
type VerifierConfig struct {
	// Required charges protected calls. When false every proof check is
	// short-circuited to accept.
	Required bool

	// Amount is the price per call in minor units.
	Amount   int64
	Currency string
	Chain    string
	PayTo    string

	// ChainRPCURL enables the on-chain confirmation tier.
	ChainRPCURL string

	// FacilitatorURL enables the facilitator receipt tier.
	FacilitatorURL string

	// AllowBearerFallback accepts opaque bearer tokens with no further
	// checks. This trusts an upstream facilitator completely; keep it off
	// unless that trust actually exists.
	AllowBearerFallback bool

	Clock func() time.Time
}

// VerifyResult is the outcome of checking one payment header.
type VerifyResult struct {
	// Accepted means the request may proceed.
	Accepted bool

	// Verified means the payment had cryptographic or on-chain evidence,
	// not just a well-formed claim.
	Verified bool

	// Reason explains a rejection or the accepted tier.
	Reason string

	// Requirement is populated on rejection so the caller can retry with
	// proof.
	Requirement *RequiredResponse

	// Receipt is the ledger entry written for an accepted payment.
	Receipt *Receipt
}

// SignalFunc is a best-effort reputation hook invoked for verified payments.
type SignalFunc func(Receipt)

// Verifier checks inbound payment proofs tier by tier and records accepted
// payments in the receipt ledger.
type Verifier struct {
	cfg        VerifierConfig
	ledger     *Ledger
	chain      *chainClient
	httpClient *http.Client
	onVerified SignalFunc
	logger     *slog.Logger
	now        func() time.Time
}

// NewVerifier builds a verifier. The ledger is required; the reputation
// signal hook is optional.
func NewVerifier(cfg VerifierConfig, ledger *Ledger, onVerified SignalFunc, logger *slog.Logger) (*Verifier, error) {
	if ledger == nil {
		return nil, fmt.Errorf("receipt ledger is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	v := &Verifier{
		cfg:        cfg,
		ledger:     ledger,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		onVerified: onVerified,
		logger:     logger,
		now:        clock,
	}
	if cfg.ChainRPCURL != "" {
		v.chain = &chainClient{url: cfg.ChainRPCURL, httpClient: v.httpClient}
	}
	return v, nil
}

// Required reports whether payment is enforced at all.
func (v *Verifier) Required() bool { return v.cfg.Required }

// Requirement builds the 402 challenge body for the current price.
func (v *Verifier) Requirement() *RequiredResponse {
	return &RequiredResponse{
		Version: Version,
		Error:   "payment required",
		Accepts: []Option{{
			Scheme:            "exact",
			Network:           v.cfg.Chain,
			Asset:             v.cfg.Currency,
			Amount:            v.cfg.Amount,
			PayTo:             v.cfg.PayTo,
			MaxTimeoutSeconds: int(proofValidity.Seconds()),
			FacilitatorURL:    v.cfg.FacilitatorURL,
		}},
	}
}

// VerifyHeader checks the X-Payment header of an inbound request. An empty
// header with payment not required is accepted. Rejections come back in the
// result, never as an error; a non-nil error means the ledger write failed.
func (v *Verifier) VerifyHeader(ctx context.Context, header string) (*VerifyResult, error) {
	if !v.cfg.Required {
		return &VerifyResult{Accepted: true, Reason: "payment not required"}, nil
	}

	if header == "" {
		return v.reject("payment proof missing"), nil
	}

	proof, err := DecodeHeader(header)
	if err != nil {
		return v.reject(fmt.Sprintf("malformed payment proof: %v", err)), nil
	}

	// Tier 1: cryptographic signature. A present-but-invalid signature is
	// rejected outright; it never falls through to weaker tiers.
	if proof.Payload.Signature != "" {
		return v.verifySigned(ctx, proof)
	}

	// Tier 2: on-chain confirmation.
	if proof.Payload.TxHash != "" && v.chain != nil {
		ok, err := v.chain.transactionSucceeded(ctx, proof.Payload.TxHash)
		if err != nil {
			v.logger.Warn("chain verification failed", "txHash", proof.Payload.TxHash, "error", err)
			return v.reject("on-chain verification unavailable"), nil
		}
		if !ok {
			return v.reject("transaction not found or unsuccessful"), nil
		}
		return v.accept(ctx, proof, true, "on-chain confirmation")
	}

	// Tier 3: facilitator receipt.
	if v.cfg.FacilitatorURL != "" && (proof.Payload.TxHash != "" || proof.Payload.Token != "") {
		ok, err := v.facilitatorVouches(ctx, proof)
		if err != nil {
			v.logger.Warn("facilitator verification failed", "error", err)
		} else if ok {
			return v.accept(ctx, proof, true, "facilitator receipt")
		}
	}

	// Tier 4: honor-system claim, accepted but flagged unverified.
	if auth := proof.Payload.Authorization; auth != nil && auth.Amount > 0 && auth.From != "" {
		if auth.Amount < v.cfg.Amount {
			return v.reject(fmt.Sprintf("insufficient amount: %s offered, %s required",
				FormatAmount(auth.Amount), FormatAmount(v.cfg.Amount))), nil
		}
		return v.accept(ctx, proof, false, "honor-system claim")
	}

	// Bearer tokens carry no verifiable structure at all; accepting them
	// assumes an upstream facilitator already settled the payment.
	if proof.Payload.Token != "" && v.cfg.AllowBearerFallback {
		return v.accept(ctx, proof, false, "bearer token fallback")
	}

	return v.reject("no usable payment evidence"), nil
}

func (v *Verifier) verifySigned(ctx context.Context, proof *Proof) (*VerifyResult, error) {
	token := []byte(proof.Payload.Signature)

	msg, err := jws.Parse(token)
	if err != nil {
		return v.reject(fmt.Sprintf("invalid signature encoding: %v", err)), nil
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return v.reject("signature carries no signatures"), nil
	}

	embedded := sigs[0].ProtectedHeaders().JWK()
	if embedded == nil {
		return v.reject("signature has no embedded public key"), nil
	}

	payload, err := jws.Verify(token, jws.WithKey(jwa.ES256, embedded))
	if err != nil {
		return v.reject("signature verification failed"), nil
	}

	var auth Authorization
	if err := json.Unmarshal(payload, &auth); err != nil {
		return v.reject("signed payload is not an authorization"), nil
	}

	tp, err := embedded.Thumbprint(crypto.SHA256)
	if err != nil {
		return v.reject("cannot compute signer thumbprint"), nil
	}
	signer := base64.RawURLEncoding.EncodeToString(tp)
	if signer != auth.From {
		// Claimed sender does not match the recovered signer. Hard
		// reject; weaker tiers must not rescue a forged claim.
		return v.reject("signer does not match claimed sender"), nil
	}

	now := v.now()
	if !auth.ValidAt(now) {
		return v.reject("authorization outside its validity window"), nil
	}
	if auth.Amount < v.cfg.Amount {
		return v.reject(fmt.Sprintf("insufficient amount: %s offered, %s required",
			FormatAmount(auth.Amount), FormatAmount(v.cfg.Amount))), nil
	}
	if v.cfg.PayTo != "" && auth.To != v.cfg.PayTo {
		return v.reject("authorization pays the wrong recipient"), nil
	}

	// Use the signed payload as the authoritative claim.
	proof.Payload.Authorization = &auth
	return v.accept(ctx, proof, true, "signature verified")
}

func (v *Verifier) facilitatorVouches(ctx context.Context, proof *Proof) (bool, error) {
	body, err := json.Marshal(proof)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.FacilitatorURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("facilitator returned %s", resp.Status)
	}

	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

func (v *Verifier) reject(reason string) *VerifyResult {
	return &VerifyResult{
		Accepted:    false,
		Reason:      reason,
		Requirement: v.Requirement(),
	}
}

func (v *Verifier) accept(ctx context.Context, proof *Proof, verified bool, reason string) (*VerifyResult, error) {
	receipt := Receipt{
		Direction: ReceiptReceived,
		Amount:    v.cfg.Amount,
		Currency:  v.cfg.Currency,
		Chain:     v.cfg.Chain,
		Timestamp: v.now().UTC(),
		Verified:  verified,
	}
	if auth := proof.Payload.Authorization; auth != nil {
		receipt.Counterparty = auth.From
		if auth.Amount > 0 {
			receipt.Amount = auth.Amount
		}
	}
	receipt.TxHash = proof.Payload.TxHash

	written, err := v.ledger.Append(ctx, receipt)
	if err != nil {
		// Correctness depends on the audit trail; storage failure is a
		// hard failure.
		return nil, fmt.Errorf("failed to record payment receipt: %w", err)
	}

	if verified && v.onVerified != nil {
		// Fire-and-forget: a failed reputation signal never blocks the
		// response.
		go v.onVerified(written)
	}

	return &VerifyResult{
		Accepted: true,
		Verified: verified,
		Reason:   reason,
		Receipt:  &written,
	}, nil
}
