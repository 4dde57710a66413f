// Package auth verifies wallet-signed request envelopes.
//
// A caller signs "<namespace>:<wallet>:<timestampMillis>" (or, when the
// request carries a body, "<namespace>:<wallet>:<timestampMillis>:<bodyHash>")
// with the ed25519 key behind its Solana address.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/zorgspace/slashbot-web/internal/config"
)

// Envelope header names
const (
	HeaderWalletAddress = "X-Wallet-Address"
	HeaderSignature     = "X-Wallet-Signature"
	HeaderTimestamp     = "X-Wallet-Timestamp"
	HeaderBodyHash      = "X-Body-Hash"
)

// Envelope is the signed material extracted from one request.
type Envelope struct {
	WalletAddress string
	Signature     string
	Timestamp     int64
	BodyHash      string
}

// Authenticator is stateless; one instance is shared by all requests.
type Authenticator struct {
	namespace  string
	maxAge     time.Duration
	futureSkew time.Duration
	now        func() time.Time
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an authenticator from configuration
func NewAuthenticator(cfg *config.AuthConfig, opts ...Option) *Authenticator {
	a := &Authenticator{
		namespace:  cfg.Namespace,
		maxAge:     cfg.MaxSignatureAge,
		futureSkew: cfg.MaxFutureSkew,
		now:        time.Now,
	}
	if a.namespace == "" {
		a.namespace = "slashbot"
	}
	if a.maxAge <= 0 {
		a.maxAge = 5 * time.Minute
	}
	if a.futureSkew <= 0 {
		a.futureSkew = 60 * time.Second
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ParseEnvelope extracts the envelope headers.
func ParseEnvelope(h http.Header) (*Envelope, error) {
	env := &Envelope{
		WalletAddress: strings.TrimSpace(h.Get(HeaderWalletAddress)),
		Signature:     strings.TrimSpace(h.Get(HeaderSignature)),
		BodyHash:      strings.TrimSpace(h.Get(HeaderBodyHash)),
	}
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	if env.WalletAddress == "" || env.Signature == "" || rawTS == "" {
		return nil, reject(ErrMissingHeaders)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, reject(ErrMalformedTimestamp)
	}
	env.Timestamp = ts
	return env, nil
}

// Authenticate verifies the envelope in h against body and returns the
// authenticated wallet address. An empty body means no body was sent.
func (a *Authenticator) Authenticate(h http.Header, body []byte) (string, error) {
	env, err := ParseEnvelope(h)
	if err != nil {
		return "", err
	}
	if err := a.Verify(env, body); err != nil {
		return "", err
	}
	return env.WalletAddress, nil
}

// Verify checks freshness, address, body hash and signature, in that order.
func (a *Authenticator) Verify(env *Envelope, body []byte) error {
	age := a.now().UnixMilli() - env.Timestamp
	if age > a.maxAge.Milliseconds() {
		return reject(ErrSignatureExpired)
	}
	if age < -a.futureSkew.Milliseconds() {
		return reject(ErrFutureTimestamp)
	}

	pub, ok := decodePublicKey(env.WalletAddress)
	if !ok {
		return reject(ErrInvalidWalletAddress)
	}

	if len(body) > 0 {
		if env.BodyHash == "" {
			return reject(ErrMissingBodyHash)
		}
		if !strings.EqualFold(HashBody(body), env.BodyHash) {
			return reject(ErrBodyHashMismatch)
		}
	}

	sig, ok := decodeSignature(env.Signature)
	if !ok {
		return reject(ErrMalformedSignature)
	}
	msg := CanonicalMessage(a.namespace, env.WalletAddress, env.Timestamp, env.BodyHash)
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return reject(ErrInvalidSignature)
	}
	return nil
}

// CanonicalMessage builds the exact string a wallet signs.
func CanonicalMessage(namespace, wallet string, timestamp int64, bodyHash string) string {
	msg := namespace + ":" + wallet + ":" + strconv.FormatInt(timestamp, 10)
	if bodyHash != "" {
		msg += ":" + bodyHash
	}
	return msg
}

// HashBody returns the lowercase hex SHA-256 of body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IsValidWalletAddress reports whether s decodes to a 32-byte public key.
func IsValidWalletAddress(s string) bool {
	_, ok := decodePublicKey(s)
	return ok
}

// SignHeaders produces a complete envelope for body signed by key.
func SignHeaders(key ed25519.PrivateKey, namespace string, timestamp time.Time, body []byte) http.Header {
	wallet := base58.Encode(key.Public().(ed25519.PublicKey))
	ts := timestamp.UnixMilli()

	var bodyHash string
	if len(body) > 0 {
		bodyHash = HashBody(body)
	}
	sig := ed25519.Sign(key, []byte(CanonicalMessage(namespace, wallet, ts, bodyHash)))

	h := http.Header{}
	h.Set(HeaderWalletAddress, wallet)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	if bodyHash != "" {
		h.Set(HeaderBodyHash, bodyHash)
	}
	return h
}

func decodePublicKey(addr string) (ed25519.PublicKey, bool) {
	if addr == "" {
		return nil, false
	}
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// decodeSignature accepts base64 (standard padding) and falls back to base58.
func decodeSignature(s string) ([]byte, bool) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, true
	}
	if raw, err := base58.Decode(s); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, true
	}
	return nil, false
}
