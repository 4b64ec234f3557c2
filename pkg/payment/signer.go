package payment

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/agentmesh/agentmesh/pkg/observability"
)

// Signing errors. Callers distinguish ceiling refusals (which must not touch
// the spend counters) from operational failures.
var (
	ErrNoAcceptableOption = errors.New("no acceptable payment option")
	ErrExceedsCallLimit   = errors.New("amount exceeds per-call payment limit")
	ErrExceedsDailyLimit  = errors.New("amount exceeds remaining daily payment budget")
)

// proofValidity is the authorization window length.
const proofValidity = 5 * time.Minute

// SignerConfig configures a payment signer.
type SignerConfig struct {
	// MaxPerCall and MaxPerDay are hard spend ceilings in minor units.
	MaxPerCall int64
	MaxPerDay  int64

	// NetworkPreference orders networks when a challenge offers several.
	NetworkPreference []string

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time

	// Metrics, when set, counts successfully signed proofs.
	Metrics *observability.Metrics
}

// Signer produces time-boxed, single-use payment authorizations in response
// to 402 challenges, tracking cumulative spend against a daily ceiling.
type Signer struct {
	key        jwk.Key
	pub        jwk.Key
	thumbprint string

	maxPerCall int64
	maxPerDay  int64
	prefs      []string
	now        func() time.Time
	metrics    *observability.Metrics

	mu          sync.Mutex
	spentToday  int64
	windowStart time.Time
}

// NewSigner wraps an ECDSA private key into a signer.
func NewSigner(priv *ecdsa.PrivateKey, cfg SignerConfig) (*Signer, error) {
	if priv == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.MaxPerCall <= 0 || cfg.MaxPerDay <= 0 {
		return nil, fmt.Errorf("spend ceilings must be positive")
	}

	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK from signing key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Signer{
		key:         key,
		pub:         pub,
		thumbprint:  base64.RawURLEncoding.EncodeToString(tp),
		maxPerCall:  cfg.MaxPerCall,
		maxPerDay:   cfg.MaxPerDay,
		prefs:       cfg.NetworkPreference,
		now:         clock,
		metrics:     cfg.Metrics,
		windowStart: clock(),
	}, nil
}

// Identity returns the signer's sender identity (public JWK thumbprint).
func (s *Signer) Identity() string { return s.thumbprint }

// SelectOption picks the preferred payment option from a challenge, by
// network preference order, falling back to the first offered option.
func (s *Signer) SelectOption(rr *RequiredResponse) *Option {
	if rr == nil || len(rr.Accepts) == 0 {
		return nil
	}
	for _, network := range s.prefs {
		for i := range rr.Accepts {
			if rr.Accepts[i].Network == network {
				return &rr.Accepts[i]
			}
		}
	}
	return &rr.Accepts[0]
}

// Sign answers a 402 challenge with a signed payment proof. It refuses,
// leaving the spend counters untouched, when the amount exceeds the per-call
// ceiling or the remaining daily budget.
func (s *Signer) Sign(rr *RequiredResponse) (*Proof, error) {
	option := s.SelectOption(rr)
	if option == nil {
		return nil, ErrNoAcceptableOption
	}
	if option.Amount > s.maxPerCall {
		return nil, fmt.Errorf("%w: %s requested, %s allowed",
			ErrExceedsCallLimit, FormatAmount(option.Amount), FormatAmount(s.maxPerCall))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rolloverLocked(now)

	if s.spentToday+option.Amount > s.maxPerDay {
		return nil, fmt.Errorf("%w: %s spent, %s requested, %s ceiling",
			ErrExceedsDailyLimit, FormatAmount(s.spentToday),
			FormatAmount(option.Amount), FormatAmount(s.maxPerDay))
	}

	auth := Authorization{
		From:        s.thumbprint,
		To:          option.PayTo,
		Amount:      option.Amount,
		Asset:       option.Asset,
		Network:     option.Network,
		Nonce:       uuid.New().String(),
		ValidAfter:  now.Add(-30 * time.Second).Unix(),
		ValidBefore: now.Add(proofValidity).Unix(),
	}

	payload, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.JWKKey, s.pub); err != nil {
		return nil, err
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, s.key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	// Only a successful signature counts against the budget.
	s.spentToday += option.Amount
	if s.metrics != nil {
		s.metrics.PaymentsSigned.Inc()
	}

	return &Proof{
		Version: Version,
		Scheme:  option.Scheme,
		Network: option.Network,
		Payload: Payload{
			Signature:     string(signed),
			Authorization: &auth,
		},
	}, nil
}

// SpentToday returns cumulative signed spend in the current 24h window.
func (s *Signer) SpentToday() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(s.now())
	return s.spentToday
}

// RemainingDaily returns the unspent daily budget.
func (s *Signer) RemainingDaily() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(s.now())
	return s.maxPerDay - s.spentToday
}

func (s *Signer) rolloverLocked(now time.Time) {
	if now.Sub(s.windowStart) >= 24*time.Hour {
		s.spentToday = 0
		s.windowStart = now
	}
}
