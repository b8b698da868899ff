// Package ledger is the boundary to the program that custodies pool funds.
// The core only builds and signs settlement instructions; encoding them into
// the ledger's native transaction format belongs to the implementation.
package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

var (
	ErrBadSignature = errors.New("instruction signature does not verify")
	ErrUnknownTx    = errors.New("unknown transaction reference")

	// ErrAlreadySettled rejects a second instruction for a settled (pool, epoch).
	ErrAlreadySettled = errors.New("epoch already settled on ledger")
)

type Instruction struct {
	PoolAddress string `json:"pool_address"`
	Epoch       int64  `json:"epoch"`
	ScoreQ32    uint64 `json:"score_q32"`
	Authority   string `json:"authority"`
	Signature   []byte `json:"signature"`
}

// Message is the byte string the authority signs. The epoch binds a signature
// to one settlement so it cannot be replayed against a later epoch.
func (i Instruction) Message() []byte {
	msg := make([]byte, 0, len(i.PoolAddress)+24)
	msg = append(msg, "settle:"...)
	msg = append(msg, i.PoolAddress...)
	msg = append(msg, ':')
	msg = binary.BigEndian.AppendUint64(msg, uint64(i.Epoch))
	return binary.BigEndian.AppendUint64(msg, i.ScoreQ32)
}

// Ref is the transaction reference of a signed instruction. Signing is
// deterministic, so the same (pool, epoch, score) always yields the same ref
// and a caller can persist it before submitting.
func (i Instruction) Ref() string {
	h := sha3.NewLegacyKeccak256()
	h.Write(i.Signature)
	return hex.EncodeToString(h.Sum(nil))
}

type Receipt struct {
	TxRef     string `json:"tx_ref"`
	Confirmed bool   `json:"confirmed"`
	Slot      uint64 `json:"slot"`
}

type Ledger interface {
	// FactoryAuthority returns the hex public key recorded in the pool factory.
	FactoryAuthority(ctx context.Context) (string, error)
	// Settle answers with ins.Ref() as the receipt's TxRef and fails with
	// ErrAlreadySettled if the (pool, epoch) was already accepted.
	Settle(ctx context.Context, ins Instruction) (Receipt, error)
	Status(ctx context.Context, txRef string) (Receipt, error)
}

// ── Authority ────────────────────────────────────────

type Authority struct {
	key ed25519.PrivateKey
}

// NewAuthority loads an authority from a hex-encoded 32-byte ed25519 seed.
func NewAuthority(seedHex string) (*Authority, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode authority seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("authority seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Authority{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (a *Authority) PublicKey() string {
	return hex.EncodeToString(a.key.Public().(ed25519.PublicKey))
}

// Sign stamps the instruction with this authority and its signature.
func (a *Authority) Sign(ins Instruction) Instruction {
	ins.Authority = a.PublicKey()
	ins.Signature = ed25519.Sign(a.key, ins.Message())
	return ins
}

// Verify checks the instruction signature against its claimed authority.
func Verify(ins Instruction) error {
	pub, err := hex.DecodeString(ins.Authority)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed authority", ErrBadSignature)
	}
	if !ed25519.Verify(pub, ins.Message(), ins.Signature) {
		return ErrBadSignature
	}
	return nil
}

// ── Rate limiting ────────────────────────────────────

// RateLimited throttles submissions and status polls to the wrapped ledger.
type RateLimited struct {
	Ledger
	limiter *rate.Limiter
}

func NewRateLimited(l Ledger, perSecond float64, burst int) *RateLimited {
	return &RateLimited{Ledger: l, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Settle(ctx context.Context, ins Instruction) (Receipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return r.Ledger.Settle(ctx, ins)
}

func (r *RateLimited) Status(ctx context.Context, txRef string) (Receipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return r.Ledger.Status(ctx, txRef)
}
