package vault

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/dedup"
	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

// Action tags, first byte of every attested payload.
const (
	TagYieldAdvice byte = 0x01
	TagRiskReport  byte = 0x02
	TagVaultOp     byte = 0x03
)

const scaleMax = 10_000 // confidence and score ceiling, basis points

var (
	ErrNotGateway       = errs.E(errs.KindAuthorization, "caller is not the message gateway")
	ErrPayloadTooShort  = errs.E(errs.KindValidation, "payload must be at least two bytes")
	ErrTagNotBound      = errs.E(errs.KindAuthorization, "producer is not bound to this tag")
	ErrDuplicateMessage = errs.E(errs.KindPrecondition, "message already processed")
	ErrUnknownTag       = errs.E(errs.KindValidation, "unknown action tag")
)

// Envelope is an attested message as the gateway submits it. Payload
// byte zero is the action tag, the rest is the tag-specific body.
type Envelope struct {
	ProducerID common.Hash
	Metadata   []byte
	Payload    []byte
}

// YieldAdvice is the decoded 0x01 body: a big-endian uint16 confidence
// in basis points. Informational, re-emitted downstream.
type YieldAdvice struct {
	Producer   common.Hash
	Confidence uint16
}

// RiskReport is the decoded 0x02 body: a trip flag byte followed by a
// big-endian uint16 score. Tripped records whether this report
// actually activated the breaker.
type RiskReport struct {
	Producer common.Hash
	Trip     bool
	Score    uint16
	Tripped  bool
}

// VaultOp is the opaque 0x03 body, passed through untouched.
type VaultOp struct {
	Producer common.Hash
	Body     []byte
}

// MessageRouter authenticates, deduplicates, and dispatches attested
// messages. The seen-set is append-only: a marked key stays marked even
// when the dispatch after it fails, so malformed messages cannot be
// replayed into a later, more permissive configuration.
//
// Not safe for concurrent use; the owning service serializes access.
type MessageRouter struct {
	gateway   common.Hash
	partition uint32

	bindings map[common.Hash]byte
	seen     dedup.Set
	brk      *breaker.Breaker
	log      *zap.Logger
}

// NewMessageRouter wires the ingestion path. brk is the ledger-embedded
// breaker that risk reports may trip.
func NewMessageRouter(gateway common.Hash, partition uint32, seen dedup.Set, brk *breaker.Breaker, log *zap.Logger) *MessageRouter {
	return &MessageRouter{
		gateway:   gateway,
		partition: partition,
		bindings:  make(map[common.Hash]byte),
		seen:      seen,
		brk:       brk,
		log:       log,
	}
}

// Bind restricts the producer to a single tag. Unbound producers may
// emit any known tag.
func (r *MessageRouter) Bind(producer common.Hash, tag byte) {
	r.bindings[producer] = tag
}

// Unbind removes the producer's tag restriction.
func (r *MessageRouter) Unbind(producer common.Hash) {
	delete(r.bindings, producer)
}

// Binding reports the producer's bound tag, if any.
func (r *MessageRouter) Binding(producer common.Hash) (byte, bool) {
	tag, ok := r.bindings[producer]
	return tag, ok
}

// Bindings returns a copy of the binding table.
func (r *MessageRouter) Bindings() map[common.Hash]byte {
	out := make(map[common.Hash]byte, len(r.bindings))
	for p, t := range r.bindings {
		out[p] = t
	}
	return out
}

// RestoreBinding loads one persisted binding row.
func (r *MessageRouter) RestoreBinding(producer common.Hash, tag byte) {
	r.bindings[producer] = tag
}

// dedupKey scopes a message to this partition so the same payload
// cannot replay across a forked or bridged instance. The producer is
// deliberately excluded: two producers relaying one upstream
// observation still collapse to a single processing.
func (r *MessageRouter) dedupKey(tag byte, body []byte) common.Hash {
	var part [4]byte
	binary.BigEndian.PutUint32(part[:], r.partition)
	return crypto.Keccak256Hash([]byte{tag}, part[:], body)
}

// Ingest runs the full ingestion protocol and returns the decoded
// event: *YieldAdvice, *RiskReport, or *VaultOp.
func (r *MessageRouter) Ingest(ctx context.Context, caller common.Hash, env Envelope, now time.Time) (any, error) {
	if caller != r.gateway {
		return nil, ErrNotGateway
	}
	if len(env.Payload) < 2 {
		return nil, ErrPayloadTooShort
	}
	tag, body := env.Payload[0], env.Payload[1:]

	if bound, ok := r.bindings[env.ProducerID]; ok && bound != tag {
		return nil, ErrTagNotBound
	}

	key := r.dedupKey(tag, body)
	fresh, err := r.seen.Add(ctx, key)
	if err != nil {
		return nil, errs.E(errs.KindInternal, "dedup set unavailable").Wrap(err)
	}
	if !fresh {
		return nil, ErrDuplicateMessage
	}

	switch tag {
	case TagYieldAdvice:
		return r.ingestAdvice(env.ProducerID, body)
	case TagRiskReport:
		return r.ingestRiskReport(env.ProducerID, body, now)
	case TagVaultOp:
		r.log.Info("vault operation message received",
			zap.String("producer", env.ProducerID.Hex()),
			zap.Int("body_size", len(body)))
		return &VaultOp{Producer: env.ProducerID, Body: body}, nil
	default:
		return nil, ErrUnknownTag
	}
}

func (r *MessageRouter) ingestAdvice(producer common.Hash, body []byte) (*YieldAdvice, error) {
	if len(body) < 2 {
		return nil, errs.E(errs.KindValidation, "yield advice body must carry a 2-byte confidence")
	}
	confidence := binary.BigEndian.Uint16(body[:2])
	if confidence > scaleMax {
		return nil, errs.Ef(errs.KindValidation, "confidence %d exceeds %d", confidence, scaleMax)
	}
	r.log.Info("yield advice received",
		zap.String("producer", producer.Hex()),
		zap.Uint16("confidence", confidence))
	return &YieldAdvice{Producer: producer, Confidence: confidence}, nil
}

func (r *MessageRouter) ingestRiskReport(producer common.Hash, body []byte, now time.Time) (*RiskReport, error) {
	if len(body) < 3 {
		return nil, errs.E(errs.KindValidation, "risk report body must carry a trip flag and a 2-byte score")
	}
	trip := body[0] != 0
	score := binary.BigEndian.Uint16(body[1:3])
	if score > scaleMax {
		return nil, errs.Ef(errs.KindValidation, "score %d exceeds %d", score, scaleMax)
	}

	rep := &RiskReport{Producer: producer, Trip: trip, Score: score}
	if trip && !r.brk.IsActive(now) {
		if err := r.brk.Activate(now, "attested risk report"); err == nil {
			rep.Tripped = true
			r.log.Warn("ledger breaker tripped by risk report",
				zap.String("producer", producer.Hex()),
				zap.Uint16("score", score))
		}
	}
	return rep, nil
}
