package partition

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/messaging"
	errs "github.com/strongroom-io/strongroom/pkg/errors"
	"github.com/strongroom-io/strongroom/pkg/metrics"
)

const bpsScale = 10_000

var (
	ErrNotAdmin     = errs.E(errs.KindAuthorization, "caller is not the partition admin")
	ErrNotTransport = errs.E(errs.KindAuthorization, "caller is not the registered transport")

	ErrSelfPartition    = errs.E(errs.KindValidation, "cannot register the local partition")
	ErrUnknownPartition = errs.E(errs.KindValidation, "partition not whitelisted")
	ErrAllocationBudget = errs.E(errs.KindValidation, "allocation targets exceed 100%")
	ErrInsufficientFee  = errs.E(errs.KindValidation, "fee below the configured minimum")

	ErrWrongCounterpart = errs.E(errs.KindAuthorization, "sender is not the registered counterpart")
	ErrRiskBreakerOpen  = errs.E(errs.KindPrecondition, "risk breaker active, dispatch halted")
	ErrBudgetExceeded   = errs.E(errs.KindPrecondition, "transfer budget exhausted for this window")
	ErrNonceMismatch    = errs.E(errs.KindPrecondition, "nonce does not match expected sequence")

	ErrTransferUnknown  = errs.E(errs.KindNotFound, "pending transfer not found")
	ErrTransferTerminal = errs.E(errs.KindPrecondition, "transfer already in a terminal state")
)

// Status is a pending transfer's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Endpoint is one whitelisted remote partition.
type Endpoint struct {
	Counterpart   common.Hash
	AllocationBps int
}

// PendingTransfer tracks one outbound dispatch until an admin closes it.
type PendingTransfer struct {
	MessageID   string
	Destination uint32
	Nonce       uint64
	Amount      decimal.Decimal
	Beneficiary common.Hash
	CreatedAt   time.Time
	Status      Status
	ClosedAt    time.Time
}

// Transport carries an encoded transfer to a destination partition and
// returns its message id. Implementations must not retry on their own:
// nonce order must match send order.
type Transport interface {
	Send(ctx context.Context, dest uint32, counterpart common.Hash, payload []byte, fee decimal.Decimal) (string, error)
}

// RiskGate exposes the risk engine's breaker to dispatch guards.
type RiskGate interface {
	BreakerActive(now time.Time) bool
}

// AllocationSink moves value between the vault's liquid and allocated
// tranches as transfers leave and arrive.
type AllocationSink interface {
	Allocate(amount decimal.Decimal) error
	Reclaim(amount decimal.Decimal) error
}

// Archive persists router state. Calls happen inside the router's
// critical section.
type Archive interface {
	SaveEndpoint(ctx context.Context, id uint32, ep Endpoint) error
	DeleteEndpoint(ctx context.Context, id uint32) error
	SaveOutboundNonce(ctx context.Context, dest uint32, last uint64) error
	SaveInboundNonce(ctx context.Context, src uint32, last uint64) error
	SavePending(ctx context.Context, pt PendingTransfer) error
	SaveBudget(ctx context.Context, bucket int64, used decimal.Decimal) error
}

// NopArchive discards everything.
type NopArchive struct{}

func (NopArchive) SaveEndpoint(context.Context, uint32, Endpoint) error     { return nil }
func (NopArchive) DeleteEndpoint(context.Context, uint32) error             { return nil }
func (NopArchive) SaveOutboundNonce(context.Context, uint32, uint64) error  { return nil }
func (NopArchive) SaveInboundNonce(context.Context, uint32, uint64) error   { return nil }
func (NopArchive) SavePending(context.Context, PendingTransfer) error       { return nil }
func (NopArchive) SaveBudget(context.Context, int64, decimal.Decimal) error { return nil }

// Config carries the router's construction parameters.
type Config struct {
	Admin     common.Hash
	Transport common.Hash
	LocalID   uint32

	WindowDuration time.Duration
	FractionBps    int
	MinFee         decimal.Decimal
}

// Router sequences outbound dispatches, validates inbound receipts, and
// enforces the windowed transfer budget. One mutex serializes every
// operation and is held across the transport send so nonce order equals
// send order.
type Router struct {
	mu sync.Mutex

	admin       common.Hash
	transportID common.Hash
	localID     uint32

	endpoints map[uint32]Endpoint
	lastOut   map[uint32]uint64
	lastIn    map[uint32]uint64
	pending   map[string]*PendingTransfer

	budget       btree.Map[int64, decimal.Decimal]
	managedValue decimal.Decimal
	fractionBps  int
	window       time.Duration
	minFee       decimal.Decimal

	transport Transport
	gate      RiskGate
	sink      AllocationSink
	archive   Archive
	producer  messaging.Producer
	log       *zap.Logger
	clock     func() time.Time
}

// NewRouter wires the router. A zero window defaults to 24h, a zero
// fraction to 2000 bps.
func NewRouter(cfg Config, transport Transport, gate RiskGate, sink AllocationSink, archive Archive, producer messaging.Producer, log *zap.Logger) *Router {
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = 24 * time.Hour
	}
	if cfg.FractionBps == 0 {
		cfg.FractionBps = 2_000
	}
	if archive == nil {
		archive = NopArchive{}
	}
	if producer == nil {
		producer = messaging.NopProducer{}
	}
	return &Router{
		admin:        cfg.Admin,
		transportID:  cfg.Transport,
		localID:      cfg.LocalID,
		endpoints:    make(map[uint32]Endpoint),
		lastOut:      make(map[uint32]uint64),
		lastIn:       make(map[uint32]uint64),
		pending:      make(map[string]*PendingTransfer),
		managedValue: decimal.Zero,
		fractionBps:  cfg.FractionBps,
		window:       cfg.WindowDuration,
		minFee:       cfg.MinFee,
		transport:    transport,
		gate:         gate,
		sink:         sink,
		archive:      archive,
		producer:     producer,
		log:          log,
		clock:        time.Now,
	}
}

func (r *Router) requireAdmin(caller common.Hash) error {
	if caller != r.admin {
		return ErrNotAdmin
	}
	return nil
}

// RegisterPartition whitelists a destination. The allocation targets of
// all live endpoints may not exceed 100%. Nonce state survives
// re-registration: a partition that comes back continues its sequence.
func (r *Router) RegisterPartition(ctx context.Context, caller common.Hash, id uint32, counterpart common.Hash, allocationBps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if id == r.localID {
		return ErrSelfPartition
	}
	if counterpart == (common.Hash{}) {
		return errs.E(errs.KindValidation, "counterpart identity required")
	}
	if allocationBps < 0 || allocationBps > bpsScale {
		return errs.E(errs.KindValidation, "allocation bps outside 0..10000")
	}
	total := allocationBps
	for other, ep := range r.endpoints {
		if other != id {
			total += ep.AllocationBps
		}
	}
	if total > bpsScale {
		return ErrAllocationBudget
	}

	ep := Endpoint{Counterpart: counterpart, AllocationBps: allocationBps}
	if err := r.archive.SaveEndpoint(ctx, id, ep); err != nil {
		return errs.E(errs.KindInternal, "persist endpoint").Wrap(err)
	}
	r.endpoints[id] = ep
	r.log.Info("partition registered",
		zap.Uint32("partition", id),
		zap.String("counterpart", counterpart.Hex()),
		zap.Int("allocation_bps", allocationBps))
	return nil
}

// RemovePartition drops a destination from the whitelist.
func (r *Router) RemovePartition(ctx context.Context, caller common.Hash, id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if _, ok := r.endpoints[id]; !ok {
		return errs.E(errs.KindNotFound, "partition not registered")
	}
	if err := r.archive.DeleteEndpoint(ctx, id); err != nil {
		return errs.E(errs.KindInternal, "delete endpoint").Wrap(err)
	}
	delete(r.endpoints, id)
	r.log.Info("partition removed", zap.Uint32("partition", id))
	return nil
}

func (r *Router) bucketOf(now time.Time) int64 {
	return now.Unix() / int64(r.window/time.Second)
}

// budgetLimit is ⌊managedValue·fractionBps/10000⌋.
func (r *Router) budgetLimit() decimal.Decimal {
	num := r.managedValue.Mul(decimal.NewFromInt(int64(r.fractionBps)))
	q, _ := num.QuoRem(decimal.NewFromInt(bpsScale), 0)
	return q
}

// DispatchReceipt reports a successful outbound dispatch.
type DispatchReceipt struct {
	MessageID   string          `json:"message_id"`
	Destination uint32          `json:"destination"`
	Nonce       uint64          `json:"nonce"`
	Amount      decimal.Decimal `json:"amount"`
	WindowUsed  decimal.Decimal `json:"window_used"`
	WindowLimit decimal.Decimal `json:"window_limit"`
}

// Dispatch sends value to a whitelisted partition. The whole transfer
// is rejected when it would cross the window's remaining budget; there
// are no partial sends. Value moves to the allocated tranche before the
// send and moves back if the transport refuses, so a failed dispatch
// leaves no trace.
func (r *Router) Dispatch(ctx context.Context, caller common.Hash, dest uint32, amount decimal.Decimal, beneficiary common.Hash, memo []byte, fee decimal.Decimal) (DispatchReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return DispatchReceipt{}, err
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return DispatchReceipt{}, errs.E(errs.KindValidation, "amount must be a positive whole number of units")
	}
	ep, ok := r.endpoints[dest]
	if !ok {
		return DispatchReceipt{}, ErrUnknownPartition
	}
	if fee.LessThan(r.minFee) {
		return DispatchReceipt{}, ErrInsufficientFee
	}

	now := r.clock()
	if r.gate != nil && r.gate.BreakerActive(now) {
		return DispatchReceipt{}, ErrRiskBreakerOpen
	}

	bucket := r.bucketOf(now)
	used, _ := r.budget.Get(bucket)
	limit := r.budgetLimit()
	if used.Add(amount).GreaterThan(limit) {
		metrics.BudgetRejections.Inc()
		return DispatchReceipt{}, ErrBudgetExceeded
	}

	nonce := r.lastOut[dest] + 1
	payload := EncodeTransfer(TransferPayload{
		Nonce:       nonce,
		Amount:      amount,
		Beneficiary: beneficiary,
		Memo:        memo,
	})

	if err := r.sink.Allocate(amount); err != nil {
		return DispatchReceipt{}, err
	}
	msgID, err := r.transport.Send(ctx, dest, ep.Counterpart, payload, fee)
	if err != nil {
		if rerr := r.sink.Reclaim(amount); rerr != nil {
			r.log.Error("reclaim after failed send", zap.Error(rerr))
		}
		return DispatchReceipt{}, errs.E(errs.KindInternal, "transport send").Wrap(err)
	}

	// Point of no return: the transfer is in flight. Memory must
	// reflect it even if a persistence write fails below.
	pt := &PendingTransfer{
		MessageID:   msgID,
		Destination: dest,
		Nonce:       nonce,
		Amount:      amount,
		Beneficiary: beneficiary,
		CreatedAt:   now,
		Status:      StatusCreated,
	}
	r.lastOut[dest] = nonce
	newUsed := used.Add(amount)
	r.budget.Set(bucket, newUsed)
	r.pending[msgID] = pt

	if err := r.archive.SaveOutboundNonce(ctx, dest, nonce); err != nil {
		r.log.Error("persist outbound nonce", zap.Uint32("partition", dest), zap.Error(err))
	}
	if err := r.archive.SavePending(ctx, *pt); err != nil {
		r.log.Error("persist pending transfer", zap.String("message_id", msgID), zap.Error(err))
	}
	if err := r.archive.SaveBudget(ctx, bucket, newUsed); err != nil {
		r.log.Error("persist budget window", zap.Int64("bucket", bucket), zap.Error(err))
	}

	metrics.TransfersDispatched.WithLabelValues(partitionLabel(dest)).Inc()
	r.publish(ctx, msgID, messaging.TransferCreated{
		Type:        messaging.EventTransferCreated,
		ID:          msgID,
		Destination: dest,
		Nonce:       nonce,
		Amount:      amount,
		At:          now,
	})
	r.log.Info("transfer dispatched",
		zap.String("message_id", msgID),
		zap.Uint32("destination", dest),
		zap.Uint64("nonce", nonce),
		zap.String("amount", amount.String()))

	return DispatchReceipt{
		MessageID:   msgID,
		Destination: dest,
		Nonce:       nonce,
		Amount:      amount,
		WindowUsed:  newUsed,
		WindowLimit: limit,
	}, nil
}

// ReceiveReceipt reports an accepted inbound transfer.
type ReceiveReceipt struct {
	Source      uint32          `json:"source"`
	Nonce       uint64          `json:"nonce"`
	Amount      decimal.Decimal `json:"amount"`
	Beneficiary common.Hash     `json:"beneficiary"`
}

// Receive accepts one inbound transfer. The embedded nonce must equal
// the source's expected-next value: gaps, reorders, and replays are all
// rejected before any state changes.
func (r *Router) Receive(ctx context.Context, caller common.Hash, src uint32, sender common.Hash, raw []byte) (ReceiveReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.transportID {
		return ReceiveReceipt{}, ErrNotTransport
	}
	ep, ok := r.endpoints[src]
	if !ok {
		return ReceiveReceipt{}, ErrUnknownPartition
	}
	if sender != ep.Counterpart {
		return ReceiveReceipt{}, ErrWrongCounterpart
	}

	p, err := DecodeTransfer(raw)
	if err != nil {
		return ReceiveReceipt{}, err
	}
	if !p.Amount.IsPositive() || !p.Amount.Equal(p.Amount.Truncate(0)) {
		return ReceiveReceipt{}, errs.E(errs.KindValidation, "transfer amount must be a positive whole number of units")
	}
	if p.Nonce != r.lastIn[src]+1 {
		return ReceiveReceipt{}, ErrNonceMismatch
	}

	if err := r.archive.SaveInboundNonce(ctx, src, p.Nonce); err != nil {
		return ReceiveReceipt{}, errs.E(errs.KindInternal, "persist inbound nonce").Wrap(err)
	}
	r.lastIn[src] = p.Nonce
	if err := r.sink.Reclaim(p.Amount); err != nil {
		r.log.Error("reclaim inbound transfer", zap.Error(err))
	}

	now := r.clock()
	metrics.TransfersReceived.WithLabelValues(partitionLabel(src)).Inc()
	r.publish(ctx, "", messaging.TransferReceived{
		Type:   messaging.EventTransferReceived,
		Source: src,
		Nonce:  p.Nonce,
		Amount: p.Amount,
		At:     now,
	})
	r.log.Info("transfer received",
		zap.Uint32("source", src),
		zap.Uint64("nonce", p.Nonce),
		zap.String("amount", p.Amount.String()))

	return ReceiveReceipt{Source: src, Nonce: p.Nonce, Amount: p.Amount, Beneficiary: p.Beneficiary}, nil
}

// CompleteTransfer closes a pending transfer as delivered.
func (r *Router) CompleteTransfer(ctx context.Context, caller common.Hash, msgID string) error {
	return r.closeTransfer(ctx, caller, msgID, StatusCompleted)
}

// FailTransfer closes a pending transfer as failed and reclaims its
// amount: value that never arrived remotely is liquid again.
func (r *Router) FailTransfer(ctx context.Context, caller common.Hash, msgID string) error {
	return r.closeTransfer(ctx, caller, msgID, StatusFailed)
}

func (r *Router) closeTransfer(ctx context.Context, caller common.Hash, msgID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	pt, ok := r.pending[msgID]
	if !ok {
		return ErrTransferUnknown
	}
	if pt.Status != StatusCreated {
		return ErrTransferTerminal
	}

	next := *pt
	next.Status = status
	next.ClosedAt = r.clock()
	if err := r.archive.SavePending(ctx, next); err != nil {
		return errs.E(errs.KindInternal, "persist pending transfer").Wrap(err)
	}
	*pt = next
	if status == StatusFailed {
		if err := r.sink.Reclaim(pt.Amount); err != nil {
			r.log.Error("reclaim failed transfer", zap.Error(err))
		}
	}

	r.publish(ctx, msgID, messaging.TransferClosed{
		Type:   messaging.EventTransferClosed,
		ID:     msgID,
		Status: string(status),
		At:     next.ClosedAt,
	})
	r.log.Info("transfer closed",
		zap.String("message_id", msgID),
		zap.String("status", string(status)))
	return nil
}

// RefreshManagedValue feeds the figure the budget fraction applies to.
// Fed by the entrypoint's refresher against the vault's total assets,
// or by the admin API.
func (r *Router) RefreshManagedValue(v decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.IsNegative() {
		v = decimal.Zero
	}
	r.managedValue = v
}

// RefreshManagedValueBy is the admin-gated form used by the HTTP API.
func (r *Router) RefreshManagedValueBy(caller common.Hash, v decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if v.IsNegative() {
		v = decimal.Zero
	}
	r.managedValue = v
	return nil
}

// PruneWindows drops budget buckets strictly older than before.
// Explicitly off the hot path; growth between prunes is accepted.
func (r *Router) PruneWindows(caller common.Hash, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(caller); err != nil {
		return 0, err
	}
	cutoff := r.bucketOf(before)
	var stale []int64
	r.budget.Scan(func(bucket int64, _ decimal.Decimal) bool {
		if bucket < cutoff {
			stale = append(stale, bucket)
			return true
		}
		return false
	})
	for _, bucket := range stale {
		r.budget.Delete(bucket)
	}
	return len(stale), nil
}

// PendingOf returns a copy of one pending transfer.
func (r *Router) PendingOf(msgID string) (PendingTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.pending[msgID]
	if !ok {
		return PendingTransfer{}, false
	}
	return *pt, true
}

// Stats summarizes the router for the read API.
type Stats struct {
	Partitions     int             `json:"partitions"`
	PendingCreated int             `json:"pending_created"`
	ManagedValue   decimal.Decimal `json:"managed_value"`
	WindowUsed     decimal.Decimal `json:"window_used"`
	WindowLimit    decimal.Decimal `json:"window_limit"`
}

// Snapshot assembles the router's stats at now.
func (r *Router) Snapshot(now time.Time) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := 0
	for _, pt := range r.pending {
		if pt.Status == StatusCreated {
			created++
		}
	}
	used, _ := r.budget.Get(r.bucketOf(now))
	return Stats{
		Partitions:     len(r.endpoints),
		PendingCreated: created,
		ManagedValue:   r.managedValue,
		WindowUsed:     used,
		WindowLimit:    r.budgetLimit(),
	}
}

// RestoreEndpoint loads one persisted whitelist row.
func (r *Router) RestoreEndpoint(id uint32, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[id] = ep
}

// RestoreNonces loads persisted sequence positions.
func (r *Router) RestoreNonces(dest uint32, lastOut uint64, lastIn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lastOut > 0 {
		r.lastOut[dest] = lastOut
	}
	if lastIn > 0 {
		r.lastIn[dest] = lastIn
	}
}

// RestorePending loads one persisted transfer row.
func (r *Router) RestorePending(pt PendingTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := pt
	r.pending[pt.MessageID] = &row
}

// RestoreBudget loads one persisted window bucket.
func (r *Router) RestoreBudget(bucket int64, used decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budget.Set(bucket, used)
}

func (r *Router) publish(ctx context.Context, key string, event interface{}) {
	if err := r.producer.Publish(ctx, messaging.TopicTransferEvents, key, event); err != nil {
		r.log.Warn("publish transfer event", zap.Error(err))
	}
}

func partitionLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
