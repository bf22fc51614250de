// Package store persists the core's durable entities through gorm.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStateModel is the singleton totals row.
type LedgerStateModel struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	TotalShares      decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"total_shares"`
	TotalDeposited   decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"total_deposited"`
	TotalAllocated   decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"total_allocated"`
	CustodialBalance decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"custodial_balance"`
	Paused           bool            `json:"paused"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (LedgerStateModel) TableName() string { return "ledger_state" }

// PositionModel is one participant's stake. Rows survive full exits.
type PositionModel struct {
	Participant    string          `gorm:"primaryKey;type:varchar(66)" json:"participant"`
	OwnedShares    decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"owned_shares"`
	DepositedValue decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"deposited_value"`
	LastDeposit    time.Time       `json:"last_deposit"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// BreakerStateModel is one breaker snapshot, keyed by owner.
type BreakerStateModel struct {
	Owner       string    `gorm:"primaryKey;type:varchar(16)" json:"owner"`
	Active      bool      `json:"active"`
	ActivatedAt time.Time `json:"activated_at"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	LastCause   string    `gorm:"type:text" json:"last_cause"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (BreakerStateModel) TableName() string { return "breaker_state" }

// AssessmentModel is one risk target's scored state.
type AssessmentModel struct {
	Target      string    `gorm:"primaryKey;type:varchar(66)" json:"target"`
	Score       int       `gorm:"not null" json:"score"`
	Monitored   bool      `gorm:"index" json:"monitored"`
	AlertCount  uint64    `json:"alert_count"`
	LastUpdated time.Time `json:"last_updated"`
}

func (AssessmentModel) TableName() string { return "risk_assessments" }

// AlertTotalsModel is the singleton global alert counter.
type AlertTotalsModel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Global    uint64    `json:"global"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AlertTotalsModel) TableName() string { return "risk_alert_totals" }

// ProducerBindingModel restricts one producer to one tag.
type ProducerBindingModel struct {
	Producer  string    `gorm:"primaryKey;type:varchar(66)" json:"producer"`
	Tag       uint8     `gorm:"not null" json:"tag"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProducerBindingModel) TableName() string { return "producer_bindings" }

// PartitionEndpointModel is one whitelisted remote partition.
type PartitionEndpointModel struct {
	Partition     uint32    `gorm:"primaryKey;autoIncrement:false" json:"partition"`
	Counterpart   string    `gorm:"type:varchar(66);not null" json:"counterpart"`
	AllocationBps int       `gorm:"not null" json:"allocation_bps"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (PartitionEndpointModel) TableName() string { return "partition_endpoints" }

// Nonce directions.
const (
	NonceOutbound = "out"
	NonceInbound  = "in"
)

// NonceStateModel is one sequence position per partition and direction.
type NonceStateModel struct {
	Partition uint32    `gorm:"primaryKey;autoIncrement:false" json:"partition"`
	Direction string    `gorm:"primaryKey;type:varchar(4)" json:"direction"`
	Last      uint64    `json:"last"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (NonceStateModel) TableName() string { return "nonce_state" }

// PendingTransferModel is one outbound transfer awaiting its terminal
// transition.
type PendingTransferModel struct {
	MessageID   string          `gorm:"primaryKey;type:varchar(64)" json:"message_id"`
	Destination uint32          `gorm:"index" json:"destination"`
	Nonce       uint64          `json:"nonce"`
	Amount      decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"amount"`
	Beneficiary string          `gorm:"type:varchar(66)" json:"beneficiary"`
	Status      string          `gorm:"type:varchar(16);index" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

func (PendingTransferModel) TableName() string { return "pending_transfers" }

// BudgetWindowModel is one window bucket's cumulative dispatched amount.
type BudgetWindowModel struct {
	Bucket    int64           `gorm:"primaryKey;autoIncrement:false" json:"bucket"`
	Used      decimal.Decimal `gorm:"type:decimal(38,0);not null" json:"used"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (BudgetWindowModel) TableName() string { return "budget_windows" }
