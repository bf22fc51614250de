// Package vault implements the pooled share ledger, its circuit
// breaker, and the attested-message ingestion path.
package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

// Virtual offsets folded into every share conversion. An empty ledger
// quotes exactly 1:1, and a donation-inflated rate after a dust-sized
// first deposit can no longer round a later depositor's mint to zero:
// the synthetic pool bounds the extractable rounding loss.
var (
	virtualShares = decimal.NewFromInt(1_000_000)
	virtualAssets = decimal.NewFromInt(1_000_000)
)

var (
	ErrAmountNotPositive = errs.E(errs.KindValidation, "amount must be positive")
	ErrAmountNotIntegral = errs.E(errs.KindValidation, "amount must be a whole number of units")
	ErrSharesNotPositive = errs.E(errs.KindValidation, "shares must be positive")
	ErrZeroShareMint     = errs.E(errs.KindValidation, "amount too small to mint shares")
	ErrZeroValueBurn     = errs.E(errs.KindValidation, "shares too few to convert to value")

	ErrInsufficientShares    = errs.E(errs.KindPrecondition, "position holds fewer shares than requested")
	ErrInsufficientLiquidity = errs.E(errs.KindPrecondition, "withdrawal exceeds available value")
	ErrOverAllocation        = errs.E(errs.KindPrecondition, "allocation exceeds available value")

	errNegativeTotals = errs.E(errs.KindInvariant, "ledger totals would go negative")
)

// Position tracks one participant's stake. Rows survive full exits:
// the figures reset to zero, the row stays.
type Position struct {
	OwnedShares    decimal.Decimal
	DepositedValue decimal.Decimal // cumulative inflow, informational
	LastDeposit    time.Time
}

// Ledger is the share-accounting core. Available value is internal
// bookkeeping only: the observed custodial balance is recorded for
// reconciliation but never feeds a conversion.
//
// Not safe for concurrent use; the owning service serializes access.
type Ledger struct {
	totalShares      decimal.Decimal
	totalDeposited   decimal.Decimal
	totalAllocated   decimal.Decimal
	custodialBalance decimal.Decimal

	positions map[common.Hash]*Position
}

// LedgerSnapshot captures the totals for persistence.
type LedgerSnapshot struct {
	TotalShares      decimal.Decimal
	TotalDeposited   decimal.Decimal
	TotalAllocated   decimal.Decimal
	CustodialBalance decimal.Decimal
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		totalShares:      decimal.Zero,
		totalDeposited:   decimal.Zero,
		totalAllocated:   decimal.Zero,
		custodialBalance: decimal.Zero,
		positions:        make(map[common.Hash]*Position),
	}
}

// floorDiv returns ⌊a/b⌋ for non-negative a and positive b. QuoRem at
// precision zero is exact, there is no float step to overflow or drift.
func floorDiv(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}

// AvailableValue is the liquid tranche: deposits not currently
// allocated away. Floored at zero.
func (l *Ledger) AvailableValue() decimal.Decimal {
	avail := l.totalDeposited.Sub(l.totalAllocated)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// SharesFor converts a deposit amount to shares at the current rate,
// rounding down.
func (l *Ledger) SharesFor(amount decimal.Decimal) decimal.Decimal {
	num := amount.Mul(l.totalShares.Add(virtualShares))
	den := l.AvailableValue().Add(virtualAssets)
	return floorDiv(num, den)
}

// ValueFor converts shares back to value at the current rate, rounding
// down.
func (l *Ledger) ValueFor(shares decimal.Decimal) decimal.Decimal {
	num := shares.Mul(l.AvailableValue().Add(virtualAssets))
	den := l.totalShares.Add(virtualShares)
	return floorDiv(num, den)
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountNotPositive
	}
	if !amount.Equal(amount.Truncate(0)) {
		return ErrAmountNotIntegral
	}
	return nil
}

// Deposit mints shares for amount and records them on the participant's
// position. The mint must be non-zero.
func (l *Ledger) Deposit(participant common.Hash, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if err := validAmount(amount); err != nil {
		return decimal.Zero, err
	}
	shares := l.SharesFor(amount)
	if shares.IsZero() {
		return decimal.Zero, ErrZeroShareMint
	}

	pos, ok := l.positions[participant]
	if !ok {
		pos = &Position{OwnedShares: decimal.Zero, DepositedValue: decimal.Zero}
		l.positions[participant] = pos
	}
	l.totalShares = l.totalShares.Add(shares)
	l.totalDeposited = l.totalDeposited.Add(amount)
	pos.OwnedShares = pos.OwnedShares.Add(shares)
	pos.DepositedValue = pos.DepositedValue.Add(amount)
	pos.LastDeposit = now
	return shares, nil
}

// Withdraw burns shares and returns the value they convert to. All
// bookkeeping lands before the caller releases anything externally.
// The value may not exceed the liquid tranche.
func (l *Ledger) Withdraw(participant common.Hash, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrSharesNotPositive
	}
	if !shares.Equal(shares.Truncate(0)) {
		return decimal.Zero, ErrAmountNotIntegral
	}
	pos, ok := l.positions[participant]
	if !ok || pos.OwnedShares.LessThan(shares) {
		return decimal.Zero, ErrInsufficientShares
	}

	value := l.ValueFor(shares)
	if value.IsZero() {
		return decimal.Zero, ErrZeroValueBurn
	}
	if value.GreaterThan(l.AvailableValue()) {
		return decimal.Zero, ErrInsufficientLiquidity
	}

	newShares := l.totalShares.Sub(shares)
	newDeposited := l.totalDeposited.Sub(value)
	if newShares.IsNegative() || newDeposited.IsNegative() {
		return decimal.Zero, errNegativeTotals
	}
	l.totalShares = newShares
	l.totalDeposited = newDeposited
	pos.OwnedShares = pos.OwnedShares.Sub(shares)
	if pos.OwnedShares.IsZero() {
		pos.DepositedValue = decimal.Zero
		pos.LastDeposit = time.Time{}
	}
	return value, nil
}

// Allocate moves value from the liquid tranche to the allocated one,
// typically because it was dispatched to another partition.
func (l *Ledger) Allocate(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.AvailableValue()) {
		return ErrOverAllocation
	}
	l.totalAllocated = l.totalAllocated.Add(amount)
	return nil
}

// Reclaim returns previously allocated value to the liquid tranche.
// Floored at zero so a generous remote credit cannot drive the
// allocated total negative.
func (l *Ledger) Reclaim(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.totalAllocated = l.totalAllocated.Sub(amount)
	if l.totalAllocated.IsNegative() {
		l.totalAllocated = decimal.Zero
	}
	return nil
}

// ReportCustodialBalance records the externally observed custodial
// balance. Reconciliation data only.
func (l *Ledger) ReportCustodialBalance(v decimal.Decimal) {
	l.custodialBalance = v
}

// PositionOf returns a copy of the participant's position.
func (l *Ledger) PositionOf(participant common.Hash) (Position, bool) {
	pos, ok := l.positions[participant]
	if !ok {
		return Position{OwnedShares: decimal.Zero, DepositedValue: decimal.Zero}, false
	}
	return *pos, true
}

func (l *Ledger) TotalShares() decimal.Decimal      { return l.totalShares }
func (l *Ledger) TotalDeposited() decimal.Decimal   { return l.totalDeposited }
func (l *Ledger) TotalAllocated() decimal.Decimal   { return l.totalAllocated }
func (l *Ledger) CustodialBalance() decimal.Decimal { return l.custodialBalance }

// Snapshot captures the totals.
func (l *Ledger) Snapshot() LedgerSnapshot {
	return LedgerSnapshot{
		TotalShares:      l.totalShares,
		TotalDeposited:   l.totalDeposited,
		TotalAllocated:   l.totalAllocated,
		CustodialBalance: l.custodialBalance,
	}
}

// RestoreSnapshot loads totals, replacing the current ones.
func (l *Ledger) RestoreSnapshot(s LedgerSnapshot) {
	l.totalShares = s.TotalShares
	l.totalDeposited = s.TotalDeposited
	l.totalAllocated = s.TotalAllocated
	l.custodialBalance = s.CustodialBalance
}

// RestorePosition loads one participant row, replacing any current one.
func (l *Ledger) RestorePosition(participant common.Hash, pos Position) {
	p := pos
	l.positions[participant] = &p
}

// dropPosition removes a row outright. Only the service's persist
// unwind uses it; a settled full exit zeroes the row instead.
func (l *Ledger) dropPosition(participant common.Hash) {
	delete(l.positions, participant)
}

// EachPosition visits every row. Used for persistence sweeps and test
// assertions; operations never iterate the map.
func (l *Ledger) EachPosition(fn func(participant common.Hash, pos Position)) {
	for id, pos := range l.positions {
		fn(id, *pos)
	}
}
