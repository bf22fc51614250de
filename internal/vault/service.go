package vault

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/dedup"
	"github.com/strongroom-io/strongroom/internal/messaging"
	errs "github.com/strongroom-io/strongroom/pkg/errors"
	"github.com/strongroom-io/strongroom/pkg/metrics"
)

// breakerOwner labels the vault's breaker in metrics and snapshots.
const breakerOwner = "vault"

const defaultBreakerTTL = 24 * time.Hour

var (
	ErrPaused           = errs.E(errs.KindPrecondition, "vault is paused")
	ErrBreakerActive    = errs.E(errs.KindPrecondition, "vault breaker is active")
	ErrNotAdmin         = errs.E(errs.KindAuthorization, "caller is not the vault admin")
	ErrIdentityRejected = errs.E(errs.KindAuthorization, "identity proof rejected")
	ErrBelowMinimum     = errs.E(errs.KindValidation, "amount below the minimum deposit")
	ErrHoldingPeriod    = errs.E(errs.KindPrecondition, "holding period has not elapsed")
)

// IdentityVerifier checks a membership proof for a depositing subject.
// Implementations live in internal/identity; a nil verifier disables
// the check entirely.
type IdentityVerifier interface {
	Verify(ctx context.Context, subject, rootCommitment, uniquenessTag common.Hash, proof []byte) (bool, error)
}

// Archive persists vault state transitions. The gorm store implements
// it; NopArchive keeps tests and dry runs storage-free.
type Archive interface {
	SaveLedgerState(ctx context.Context, snap LedgerSnapshot, paused bool) error
	SavePosition(ctx context.Context, participant common.Hash, pos Position) error
	SaveBinding(ctx context.Context, producer common.Hash, tag byte) error
	DeleteBinding(ctx context.Context, producer common.Hash) error
	SaveBreaker(ctx context.Context, owner string, st breaker.State) error
}

// NopArchive drops every write.
type NopArchive struct{}

func (NopArchive) SaveLedgerState(context.Context, LedgerSnapshot, bool) error { return nil }
func (NopArchive) SavePosition(context.Context, common.Hash, Position) error   { return nil }
func (NopArchive) SaveBinding(context.Context, common.Hash, byte) error        { return nil }
func (NopArchive) DeleteBinding(context.Context, common.Hash) error            { return nil }
func (NopArchive) SaveBreaker(context.Context, string, breaker.State) error    { return nil }

// ServiceConfig carries the vault's construction parameters.
type ServiceConfig struct {
	Admin   common.Hash
	Gateway common.Hash

	// PartitionID scopes message dedup keys to this deployment.
	PartitionID uint32

	MinDeposit         decimal.Decimal
	HoldingPeriod      time.Duration
	BreakerMaxDuration time.Duration

	// Identity group the verifier checks proofs against.
	RootCommitment common.Hash
	UniquenessTag  common.Hash
}

// Service is the vault orchestrator: the share ledger, its breaker and
// the message router behind one mutex. Every exported operation is a
// single atomic unit; collaborators (partition router, HTTP layer,
// inbound consumers) only ever see committed state.
type Service struct {
	mu sync.Mutex

	ledger *Ledger
	brk    *breaker.Breaker
	router *MessageRouter

	admin          common.Hash
	rootCommitment common.Hash
	uniquenessTag  common.Hash

	minDeposit    decimal.Decimal
	holdingPeriod time.Duration
	paused        bool

	verifier IdentityVerifier
	archive  Archive
	producer messaging.Producer
	log      *zap.Logger
	clock    func() time.Time
}

func NewService(cfg ServiceConfig, seen dedup.Set, verifier IdentityVerifier, archive Archive, producer messaging.Producer, log *zap.Logger) *Service {
	if cfg.BreakerMaxDuration <= 0 {
		cfg.BreakerMaxDuration = defaultBreakerTTL
	}
	if archive == nil {
		archive = NopArchive{}
	}
	if producer == nil {
		producer = messaging.NopProducer{}
	}
	brk := breaker.New(cfg.BreakerMaxDuration)
	return &Service{
		ledger:         NewLedger(),
		brk:            brk,
		router:         NewMessageRouter(cfg.Gateway, cfg.PartitionID, seen, brk, log),
		admin:          cfg.Admin,
		rootCommitment: cfg.RootCommitment,
		uniquenessTag:  cfg.UniquenessTag,
		minDeposit:     cfg.MinDeposit,
		holdingPeriod:  cfg.HoldingPeriod,
		verifier:       verifier,
		archive:        archive,
		producer:       producer,
		log:            log,
		clock:          time.Now,
	}
}

// DepositReceipt reports a settled mint.
type DepositReceipt struct {
	Participant    string          `json:"participant"`
	Amount         decimal.Decimal `json:"amount"`
	Shares         decimal.Decimal `json:"shares"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	At             time.Time       `json:"at"`
}

// WithdrawReceipt reports a settled burn. Value release happens
// outside the core, against this receipt.
type WithdrawReceipt struct {
	Participant     string          `json:"participant"`
	Shares          decimal.Decimal `json:"shares"`
	Value           decimal.Decimal `json:"value"`
	RemainingShares decimal.Decimal `json:"remaining_shares"`
	TotalShares     decimal.Decimal `json:"total_shares"`
	TotalDeposited  decimal.Decimal `json:"total_deposited"`
	At              time.Time       `json:"at"`
}

// IngestReceipt acknowledges one consumed attested message.
type IngestReceipt struct {
	Kind    string    `json:"kind"`
	Tripped bool      `json:"tripped,omitempty"`
	At      time.Time `json:"at"`
}

// Deposit mints shares for the participant. Guards run in a fixed
// order: paused, breaker, identity proof, minimum, then the ledger's
// own validation. Nothing commits unless the archive write succeeds.
func (s *Service) Deposit(ctx context.Context, participant common.Hash, amount decimal.Decimal, proof []byte) (DepositReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if err := s.operational(now); err != nil {
		return DepositReceipt{}, s.reject("deposit", err)
	}
	if s.verifier != nil {
		ok, err := s.verifier.Verify(ctx, participant, s.rootCommitment, s.uniquenessTag, proof)
		if err != nil {
			return DepositReceipt{}, s.reject("deposit", errs.E(errs.KindInternal, "identity verifier unavailable").Wrap(err))
		}
		if !ok {
			return DepositReceipt{}, s.reject("deposit", ErrIdentityRejected)
		}
	}
	if s.minDeposit.IsPositive() && amount.LessThan(s.minDeposit) {
		return DepositReceipt{}, s.reject("deposit", ErrBelowMinimum)
	}

	prev := s.ledger.Snapshot()
	prevPos, hadPos := s.ledger.PositionOf(participant)
	shares, err := s.ledger.Deposit(participant, amount, now)
	if err != nil {
		return DepositReceipt{}, s.reject("deposit", err)
	}
	if err := s.persistParticipant(ctx, participant); err != nil {
		s.unwind(participant, prev, prevPos, hadPos)
		return DepositReceipt{}, s.reject("deposit", err)
	}

	metrics.DepositsTotal.Inc()
	s.observeTotals()
	s.publish(ctx, participant.Hex(), messaging.DepositAccepted{
		Type:           messaging.EventDepositAccepted,
		Participant:    participant.Hex(),
		Amount:         amount,
		Shares:         shares,
		TotalShares:    s.ledger.TotalShares(),
		TotalDeposited: s.ledger.TotalDeposited(),
		At:             now,
	})
	s.log.Info("deposit accepted",
		zap.String("participant", participant.Hex()),
		zap.String("amount", amount.String()),
		zap.String("shares", shares.String()))
	return DepositReceipt{
		Participant:    participant.Hex(),
		Amount:         amount,
		Shares:         shares,
		TotalShares:    s.ledger.TotalShares(),
		TotalDeposited: s.ledger.TotalDeposited(),
		At:             now,
	}, nil
}

// Withdraw burns shares and reports the value owed. The holding period
// counts from the participant's most recent deposit.
func (s *Service) Withdraw(ctx context.Context, participant common.Hash, shares decimal.Decimal) (WithdrawReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if err := s.operational(now); err != nil {
		return WithdrawReceipt{}, s.reject("withdraw", err)
	}
	pos, hadPos := s.ledger.PositionOf(participant)
	if hadPos && s.holdingPeriod > 0 && now.Before(pos.LastDeposit.Add(s.holdingPeriod)) {
		return WithdrawReceipt{}, s.reject("withdraw", ErrHoldingPeriod)
	}

	prev := s.ledger.Snapshot()
	value, err := s.ledger.Withdraw(participant, shares)
	if err != nil {
		return WithdrawReceipt{}, s.reject("withdraw", err)
	}
	if err := s.persistParticipant(ctx, participant); err != nil {
		s.unwind(participant, prev, pos, hadPos)
		return WithdrawReceipt{}, s.reject("withdraw", err)
	}

	remaining, _ := s.ledger.PositionOf(participant)
	metrics.WithdrawalsTotal.Inc()
	s.observeTotals()
	s.publish(ctx, participant.Hex(), messaging.WithdrawalPaid{
		Type:           messaging.EventWithdrawalPaid,
		Participant:    participant.Hex(),
		Shares:         shares,
		Value:          value,
		TotalShares:    s.ledger.TotalShares(),
		TotalDeposited: s.ledger.TotalDeposited(),
		At:             now,
	})
	s.log.Info("withdrawal paid",
		zap.String("participant", participant.Hex()),
		zap.String("shares", shares.String()),
		zap.String("value", value.String()))
	return WithdrawReceipt{
		Participant:     participant.Hex(),
		Shares:          shares,
		Value:           value,
		RemainingShares: remaining.OwnedShares,
		TotalShares:     s.ledger.TotalShares(),
		TotalDeposited:  s.ledger.TotalDeposited(),
		At:              now,
	}, nil
}

// IngestMessage runs the attested-message protocol and re-emits the
// decoded message on the vault event stream.
func (s *Service) IngestMessage(ctx context.Context, caller common.Hash, env Envelope) (IngestReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	res, err := s.router.Ingest(ctx, caller, env, now)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues(string(errs.KindOf(err))).Inc()
		return IngestReceipt{}, err
	}

	switch m := res.(type) {
	case *YieldAdvice:
		metrics.MessagesProcessed.WithLabelValues("yield_advice").Inc()
		s.publish(ctx, m.Producer.Hex(), messaging.AdviceReceived{
			Type:       messaging.EventAdviceReceived,
			Producer:   m.Producer.Hex(),
			Confidence: m.Confidence,
			At:         now,
		})
		return IngestReceipt{Kind: "yield_advice", At: now}, nil
	case *RiskReport:
		metrics.MessagesProcessed.WithLabelValues("risk_report").Inc()
		if m.Tripped {
			metrics.BreakerTrips.WithLabelValues(breakerOwner).Inc()
			metrics.BreakerActive.WithLabelValues(breakerOwner).Set(1)
			s.persistBreaker(ctx)
			s.publish(ctx, breakerOwner, messaging.BreakerTripped{
				Type:      messaging.EventBreakerTripped,
				Owner:     breakerOwner,
				Cause:     s.brk.LastCause(),
				At:        now,
				ExpiresAt: s.brk.ExpiresAt(),
			})
		}
		s.publish(ctx, m.Producer.Hex(), messaging.RiskReported{
			Type:     messaging.EventRiskReported,
			Producer: m.Producer.Hex(),
			Score:    m.Score,
			Trip:     m.Trip,
			Tripped:  m.Tripped,
			At:       now,
		})
		return IngestReceipt{Kind: "risk_report", Tripped: m.Tripped, At: now}, nil
	case *VaultOp:
		metrics.MessagesProcessed.WithLabelValues("vault_op").Inc()
		s.publish(ctx, m.Producer.Hex(), messaging.VaultOpReceived{
			Type:     messaging.EventVaultOpReceived,
			Producer: m.Producer.Hex(),
			BodySize: len(m.Body),
			At:       now,
		})
		return IngestReceipt{Kind: "vault_op", At: now}, nil
	}
	return IngestReceipt{}, errs.E(errs.KindInternal, "unhandled message kind")
}

// Allocate moves liquid value into the allocated bucket. The partition
// router calls this mid-dispatch, so it takes the vault lock itself.
func (s *Service) Allocate(amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked(context.Background(), amount)
}

// Reclaim is the inverse of Allocate.
func (s *Service) Reclaim(amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimLocked(context.Background(), amount)
}

// AllocateValue is the admin rebalancing entry point.
func (s *Service) AllocateValue(ctx context.Context, caller common.Hash, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("allocate", ErrNotAdmin)
	}
	if err := s.allocateLocked(ctx, amount); err != nil {
		return s.reject("allocate", err)
	}
	s.log.Info("value allocated", zap.String("amount", amount.String()))
	return nil
}

// ReclaimValue is the admin rebalancing entry point.
func (s *Service) ReclaimValue(ctx context.Context, caller common.Hash, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("reclaim", ErrNotAdmin)
	}
	if err := s.reclaimLocked(ctx, amount); err != nil {
		return s.reject("reclaim", err)
	}
	s.log.Info("value reclaimed", zap.String("amount", amount.String()))
	return nil
}

func (s *Service) allocateLocked(ctx context.Context, amount decimal.Decimal) error {
	prev := s.ledger.Snapshot()
	if err := s.ledger.Allocate(amount); err != nil {
		return err
	}
	if err := s.archive.SaveLedgerState(ctx, s.ledger.Snapshot(), s.paused); err != nil {
		s.ledger.RestoreSnapshot(prev)
		return errs.E(errs.KindInternal, "persist ledger state").Wrap(err)
	}
	s.observeTotals()
	return nil
}

func (s *Service) reclaimLocked(ctx context.Context, amount decimal.Decimal) error {
	prev := s.ledger.Snapshot()
	if err := s.ledger.Reclaim(amount); err != nil {
		return err
	}
	if err := s.archive.SaveLedgerState(ctx, s.ledger.Snapshot(), s.paused); err != nil {
		s.ledger.RestoreSnapshot(prev)
		return errs.E(errs.KindInternal, "persist ledger state").Wrap(err)
	}
	s.observeTotals()
	return nil
}

// Pause halts deposits and withdrawals until Resume.
func (s *Service) Pause(ctx context.Context, caller common.Hash) error {
	return s.setPaused(ctx, caller, true)
}

// Resume lifts a pause.
func (s *Service) Resume(ctx context.Context, caller common.Hash) error {
	return s.setPaused(ctx, caller, false)
}

func (s *Service) setPaused(ctx context.Context, caller common.Hash, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := "pause"
	if !paused {
		op = "resume"
	}
	if caller != s.admin {
		return s.reject(op, ErrNotAdmin)
	}
	was := s.paused
	s.paused = paused
	if err := s.archive.SaveLedgerState(ctx, s.ledger.Snapshot(), s.paused); err != nil {
		s.paused = was
		return s.reject(op, errs.E(errs.KindInternal, "persist ledger state").Wrap(err))
	}
	if paused {
		s.log.Warn("vault paused", zap.String("admin", caller.Hex()))
	} else {
		s.log.Info("vault resumed", zap.String("admin", caller.Hex()))
	}
	return nil
}

// TripBreaker activates the vault breaker by hand.
func (s *Service) TripBreaker(ctx context.Context, caller common.Hash, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("trip_breaker", ErrNotAdmin)
	}
	now := s.clock()
	if err := s.brk.Activate(now, cause); err != nil {
		return s.reject("trip_breaker", err)
	}
	metrics.BreakerTrips.WithLabelValues(breakerOwner).Inc()
	metrics.BreakerActive.WithLabelValues(breakerOwner).Set(1)
	s.persistBreaker(ctx)
	s.publish(ctx, breakerOwner, messaging.BreakerTripped{
		Type:      messaging.EventBreakerTripped,
		Owner:     breakerOwner,
		Cause:     cause,
		At:        now,
		ExpiresAt: s.brk.ExpiresAt(),
	})
	s.log.Warn("vault breaker tripped", zap.String("cause", cause))
	return nil
}

// ResetBreaker deactivates the vault breaker.
func (s *Service) ResetBreaker(ctx context.Context, caller common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("reset_breaker", ErrNotAdmin)
	}
	s.brk.Deactivate()
	metrics.BreakerActive.WithLabelValues(breakerOwner).Set(0)
	s.persistBreaker(ctx)
	s.publish(ctx, breakerOwner, messaging.BreakerCleared{
		Type:  messaging.EventBreakerCleared,
		Owner: breakerOwner,
		At:    s.clock(),
	})
	s.log.Info("vault breaker cleared")
	return nil
}

// BindProducer restricts a producer identity to one action tag.
func (s *Service) BindProducer(ctx context.Context, caller, producer common.Hash, tag byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("bind_producer", ErrNotAdmin)
	}
	if tag != TagYieldAdvice && tag != TagRiskReport && tag != TagVaultOp {
		return s.reject("bind_producer", ErrUnknownTag)
	}
	prev, had := s.router.Binding(producer)
	s.router.Bind(producer, tag)
	if err := s.archive.SaveBinding(ctx, producer, tag); err != nil {
		if had {
			s.router.Bind(producer, prev)
		} else {
			s.router.Unbind(producer)
		}
		return s.reject("bind_producer", errs.E(errs.KindInternal, "persist binding").Wrap(err))
	}
	s.log.Info("producer bound",
		zap.String("producer", producer.Hex()),
		zap.Uint8("tag", tag))
	return nil
}

// UnbindProducer removes a producer's tag restriction. Unbinding an
// unknown producer is a no-op.
func (s *Service) UnbindProducer(ctx context.Context, caller, producer common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("unbind_producer", ErrNotAdmin)
	}
	prev, had := s.router.Binding(producer)
	s.router.Unbind(producer)
	if err := s.archive.DeleteBinding(ctx, producer); err != nil {
		if had {
			s.router.Bind(producer, prev)
		}
		return s.reject("unbind_producer", errs.E(errs.KindInternal, "delete binding").Wrap(err))
	}
	s.log.Info("producer unbound", zap.String("producer", producer.Hex()))
	return nil
}

// SetMinDeposit tunes the deposit floor. Zero disables it.
func (s *Service) SetMinDeposit(caller common.Hash, v decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("set_min_deposit", ErrNotAdmin)
	}
	if v.IsNegative() {
		return s.reject("set_min_deposit", errs.E(errs.KindValidation, "minimum deposit cannot be negative"))
	}
	s.minDeposit = v
	return nil
}

// SetHoldingPeriod tunes the withdrawal delay. Zero disables it.
func (s *Service) SetHoldingPeriod(caller common.Hash, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("set_holding_period", ErrNotAdmin)
	}
	if d < 0 {
		return s.reject("set_holding_period", errs.E(errs.KindValidation, "holding period cannot be negative"))
	}
	s.holdingPeriod = d
	return nil
}

// SetBreakerMaxDuration tunes the breaker's auto-expiry TTL.
func (s *Service) SetBreakerMaxDuration(caller common.Hash, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("set_breaker_ttl", ErrNotAdmin)
	}
	if d <= 0 {
		return s.reject("set_breaker_ttl", errs.E(errs.KindValidation, "breaker duration must be positive"))
	}
	s.brk.SetMaxDuration(d)
	return nil
}

// ReportCustodialBalance records an off-ledger balance observation.
// Informational only: share math never reads it.
func (s *Service) ReportCustodialBalance(ctx context.Context, caller common.Hash, v decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.admin {
		return s.reject("report_balance", ErrNotAdmin)
	}
	if v.IsNegative() {
		return s.reject("report_balance", errs.E(errs.KindValidation, "custodial balance cannot be negative"))
	}
	prev := s.ledger.Snapshot()
	s.ledger.ReportCustodialBalance(v)
	if err := s.archive.SaveLedgerState(ctx, s.ledger.Snapshot(), s.paused); err != nil {
		s.ledger.RestoreSnapshot(prev)
		return s.reject("report_balance", errs.E(errs.KindInternal, "persist ledger state").Wrap(err))
	}
	s.log.Info("custodial balance reported", zap.String("balance", v.String()))
	return nil
}

// TotalAssets reports the value under management, liquid plus
// allocated. The partition router's budget refresher polls it.
func (s *Service) TotalAssets() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.TotalDeposited()
}

// PositionOf reports a participant's position.
func (s *Service) PositionOf(participant common.Hash) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.PositionOf(participant)
}

// SharesFor quotes the shares a deposit of amount would mint right now.
func (s *Service) SharesFor(amount decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.SharesFor(amount)
}

// ValueFor quotes the value a burn of shares would release right now.
func (s *Service) ValueFor(shares decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ValueFor(shares)
}

// ProducerBindings returns a copy of the binding table.
func (s *Service) ProducerBindings() map[common.Hash]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router.Bindings()
}

// VaultStats is a read-only operator snapshot.
type VaultStats struct {
	TotalShares      decimal.Decimal `json:"total_shares"`
	TotalDeposited   decimal.Decimal `json:"total_deposited"`
	TotalAllocated   decimal.Decimal `json:"total_allocated"`
	AvailableValue   decimal.Decimal `json:"available_value"`
	CustodialBalance decimal.Decimal `json:"custodial_balance"`
	Participants     int             `json:"participants"`
	Bindings         int             `json:"bindings"`
	MinDeposit       decimal.Decimal `json:"min_deposit"`
	HoldingPeriod    string          `json:"holding_period"`
	Paused           bool            `json:"paused"`
	BreakerActive    bool            `json:"breaker_active"`
	BreakerCause     string          `json:"breaker_cause,omitempty"`
	BreakerExpiresAt time.Time       `json:"breaker_expires_at"`
}

func (s *Service) Stats() VaultStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	participants := 0
	s.ledger.EachPosition(func(common.Hash, Position) { participants++ })
	st := VaultStats{
		TotalShares:      s.ledger.TotalShares(),
		TotalDeposited:   s.ledger.TotalDeposited(),
		TotalAllocated:   s.ledger.TotalAllocated(),
		AvailableValue:   s.ledger.AvailableValue(),
		CustodialBalance: s.ledger.CustodialBalance(),
		Participants:     participants,
		Bindings:         len(s.router.Bindings()),
		MinDeposit:       s.minDeposit,
		HoldingPeriod:    s.holdingPeriod.String(),
		Paused:           s.paused,
		BreakerActive:    s.brk.IsActive(now),
	}
	if st.BreakerActive {
		st.BreakerCause = s.brk.LastCause()
		st.BreakerExpiresAt = s.brk.ExpiresAt()
	}
	return st
}

// RestoreLedgerState loads persisted totals during boot.
func (s *Service) RestoreLedgerState(snap LedgerSnapshot, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.RestoreSnapshot(snap)
	s.paused = paused
	s.observeTotals()
}

// RestorePosition loads one persisted position during boot.
func (s *Service) RestorePosition(participant common.Hash, pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.RestorePosition(participant, pos)
}

// RestoreBinding loads one persisted producer binding during boot.
func (s *Service) RestoreBinding(producer common.Hash, tag byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.RestoreBinding(producer, tag)
}

// RestoreBreaker loads the persisted breaker snapshot during boot.
func (s *Service) RestoreBreaker(st breaker.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brk.Restore(st)
	if s.brk.IsActive(s.clock()) {
		metrics.BreakerActive.WithLabelValues(breakerOwner).Set(1)
	}
}

func (s *Service) operational(now time.Time) error {
	if s.paused {
		return ErrPaused
	}
	if s.brk.IsActive(now) {
		return ErrBreakerActive
	}
	return nil
}

// persistParticipant writes the participant's position and the ledger
// totals. Callers unwind the in-memory mutation if it fails.
func (s *Service) persistParticipant(ctx context.Context, participant common.Hash) error {
	pos, _ := s.ledger.PositionOf(participant)
	if err := s.archive.SavePosition(ctx, participant, pos); err != nil {
		return errs.E(errs.KindInternal, "persist position").Wrap(err)
	}
	if err := s.archive.SaveLedgerState(ctx, s.ledger.Snapshot(), s.paused); err != nil {
		return errs.E(errs.KindInternal, "persist ledger state").Wrap(err)
	}
	return nil
}

func (s *Service) unwind(participant common.Hash, prev LedgerSnapshot, prevPos Position, hadPos bool) {
	s.ledger.RestoreSnapshot(prev)
	if hadPos {
		s.ledger.RestorePosition(participant, prevPos)
	} else {
		s.ledger.dropPosition(participant)
	}
}

func (s *Service) persistBreaker(ctx context.Context) {
	if err := s.archive.SaveBreaker(ctx, breakerOwner, s.brk.State()); err != nil {
		s.log.Warn("breaker snapshot persist failed", zap.Error(err))
	}
}

func (s *Service) observeTotals() {
	metrics.TotalShares.Set(s.ledger.TotalShares().InexactFloat64())
	metrics.TotalDeposited.Set(s.ledger.TotalDeposited().InexactFloat64())
	metrics.AvailableValue.Set(s.ledger.AvailableValue().InexactFloat64())
}

func (s *Service) publish(ctx context.Context, key string, event interface{}) {
	if err := s.producer.Publish(ctx, messaging.TopicVaultEvents, key, event); err != nil {
		s.log.Warn("publish vault event", zap.Error(err))
	}
}

func (s *Service) reject(op string, err error) error {
	metrics.OperationsRejected.WithLabelValues(op, string(errs.KindOf(err))).Inc()
	return err
}
