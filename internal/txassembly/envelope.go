// Package txassembly builds unsigned transaction envelopes: operations,
// sequence, fee, validity window and memo, with a deterministic encoding
// whose digest serves as the transaction identity. The signing boundary
// receives the encoded form as an opaque blob and returns the signed
// counterpart.
package txassembly

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/domain"
)

// ValidityWindow is how long an envelope stays submittable.
const ValidityWindowSeconds = 900

// MaxMemoBytes bounds text memos.
const MaxMemoBytes = 28

// TrustLimit is the ceiling requested when opening a trust line.
var TrustLimit = decimal.NewFromInt(1_000_000_000)

// Operation is one ledger operation. The concrete types below form a
// closed set; Kind discriminates in the encoded form.
type Operation interface {
	Kind() string
}

// Payment moves a fixed amount of one asset to a destination.
type Payment struct {
	Destination string          `json:"destination"`
	Asset       types.Asset     `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

func (Payment) Kind() string { return "payment" }

// PathPaymentStrictReceive delivers exactly DestAmount, spending at most
// SendMax along Path.
type PathPaymentStrictReceive struct {
	Destination string          `json:"destination"`
	SendAsset   types.Asset     `json:"send_asset"`
	SendMax     decimal.Decimal `json:"send_max"`
	DestAsset   types.Asset     `json:"dest_asset"`
	DestAmount  decimal.Decimal `json:"dest_amount"`
	Path        []types.Asset   `json:"path"`
}

func (PathPaymentStrictReceive) Kind() string { return "path_payment_strict_receive" }

// PathPaymentStrictSend spends exactly SendAmount, delivering at least
// DestMin along Path.
type PathPaymentStrictSend struct {
	Destination string          `json:"destination"`
	SendAsset   types.Asset     `json:"send_asset"`
	SendAmount  decimal.Decimal `json:"send_amount"`
	DestAsset   types.Asset     `json:"dest_asset"`
	DestMin     decimal.Decimal `json:"dest_min"`
	Path        []types.Asset   `json:"path"`
}

func (PathPaymentStrictSend) Kind() string { return "path_payment_strict_send" }

// ChangeTrust opens (nonzero limit) or closes (zero limit) a trust line.
type ChangeTrust struct {
	Asset types.Asset     `json:"asset"`
	Limit decimal.Decimal `json:"limit"`
}

func (ChangeTrust) Kind() string { return "change_trust" }

// Envelope is an unsigned transaction. BaseFee is per operation, in
// stroops; the total fee bid is BaseFee times the operation count.
type Envelope struct {
	Source     string
	Sequence   int64
	BaseFee    int64
	MinTime    int64
	MaxTime    int64
	Memo       string
	Operations []Operation
}

// Builder accumulates envelope fields in the order the orchestrator
// learns them.
type Builder struct {
	env Envelope
	err error
}

// NewBuilder starts an envelope for source at the next sequence number.
// seq is the account's current sequence; the envelope consumes seq+1.
func NewBuilder(source string, seq int64) *Builder {
	return &Builder{env: Envelope{Source: source, Sequence: seq + 1}}
}

func (b *Builder) BaseFee(stroops int64) *Builder {
	b.env.BaseFee = stroops
	return b
}

// ValidFor sets the validity window [now, now+ValidityWindowSeconds].
func (b *Builder) ValidFor(nowUnix int64) *Builder {
	b.env.MinTime = nowUnix
	b.env.MaxTime = nowUnix + ValidityWindowSeconds
	return b
}

func (b *Builder) Memo(text string) *Builder {
	if len(text) > MaxMemoBytes {
		b.err = domain.Validationf("memo exceeds %d bytes: %q", MaxMemoBytes, text)
		return b
	}
	b.env.Memo = text
	return b
}

func (b *Builder) Add(ops ...Operation) *Builder {
	b.env.Operations = append(b.env.Operations, ops...)
	return b
}

func (b *Builder) Build() (*Envelope, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.env.Operations) == 0 {
		return nil, domain.Validationf("envelope has no operations")
	}
	return &b.env, nil
}

// TotalFee is the fee bid in stroops.
func (e *Envelope) TotalFee() int64 {
	return e.BaseFee * int64(len(e.Operations))
}

// encodedOp pairs an operation body with its kind tag.
type encodedOp struct {
	Type string    `json:"type"`
	Body Operation `json:"body"`
}

// encodedEnvelope is the canonical wire form. Field order is fixed by
// the struct; encoding/json preserves it, which makes the encoding
// deterministic for identical envelopes.
type encodedEnvelope struct {
	Source     string      `json:"source"`
	Sequence   int64       `json:"sequence"`
	Fee        int64       `json:"fee"`
	MinTime    int64       `json:"min_time"`
	MaxTime    int64       `json:"max_time"`
	Memo       string      `json:"memo,omitempty"`
	Operations []encodedOp `json:"operations"`
}

// Encode renders the envelope in its canonical base64 form, the blob
// handed to the signing boundary.
func (e *Envelope) Encode() (string, error) {
	enc := encodedEnvelope{
		Source:   e.Source,
		Sequence: e.Sequence,
		Fee:      e.TotalFee(),
		MinTime:  e.MinTime,
		MaxTime:  e.MaxTime,
		Memo:     e.Memo,
	}
	for _, op := range e.Operations {
		enc.Operations = append(enc.Operations, encodedOp{Type: op.Kind(), Body: op})
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return "", errors.Wrap(err, "encode envelope")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Hash is the transaction identity: the hex digest over the network
// passphrase and the canonical encoding. Signatures do not participate,
// so re-serializing a signed envelope keeps the same identity.
func (e *Envelope) Hash(networkPassphrase string) (string, error) {
	encoded, err := e.Encode()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(networkPassphrase))
	h.Write([]byte{0})
	h.Write([]byte(encoded))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SignedEnvelope pairs the envelope with the boundary's signed blob.
// Created once per submission attempt; never mutated.
type SignedEnvelope struct {
	Envelope *Envelope
	Hash     string
	Blob     string
}
