package messaging

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types re-emitted on the vault stream.
const (
	EventDepositAccepted  = "deposit.accepted"
	EventWithdrawalPaid   = "withdrawal.paid"
	EventBreakerTripped   = "breaker.tripped"
	EventBreakerCleared   = "breaker.cleared"
	EventAdviceReceived   = "advice.received"
	EventRiskReported     = "risk.reported"
	EventVaultOpReceived  = "vaultop.received"
	EventScoreUpdated     = "score.updated"
	EventTransferCreated  = "transfer.created"
	EventTransferReceived = "transfer.received"
	EventTransferClosed   = "transfer.closed"
)

// DepositAccepted reports a mint.
type DepositAccepted struct {
	Type           string          `json:"type"`
	Participant    string          `json:"participant"`
	Amount         decimal.Decimal `json:"amount"`
	Shares         decimal.Decimal `json:"shares"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	At             time.Time       `json:"at"`
}

// WithdrawalPaid reports a burn and the value owed to the participant.
type WithdrawalPaid struct {
	Type           string          `json:"type"`
	Participant    string          `json:"participant"`
	Shares         decimal.Decimal `json:"shares"`
	Value          decimal.Decimal `json:"value"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	At             time.Time       `json:"at"`
}

// BreakerTripped reports an activation of either breaker.
type BreakerTripped struct {
	Type      string    `json:"type"`
	Owner     string    `json:"owner"` // vault or risk
	Cause     string    `json:"cause"`
	At        time.Time `json:"at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BreakerCleared reports an owner deactivation.
type BreakerCleared struct {
	Type  string    `json:"type"`
	Owner string    `json:"owner"`
	At    time.Time `json:"at"`
}

// AdviceReceived re-emits a consumed yield-advice message.
type AdviceReceived struct {
	Type       string    `json:"type"`
	Producer   string    `json:"producer"`
	Confidence uint16    `json:"confidence"`
	At         time.Time `json:"at"`
}

// RiskReported re-emits a consumed risk message.
type RiskReported struct {
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Score    uint16    `json:"score"`
	Trip     bool      `json:"trip"`
	Tripped  bool      `json:"tripped"` // whether this message activated the breaker
	At       time.Time `json:"at"`
}

// VaultOpReceived re-emits a consumed vault-operation message.
type VaultOpReceived struct {
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	BodySize int       `json:"body_size"`
	At       time.Time `json:"at"`
}

// ScoreUpdated reports a risk assessment change.
type ScoreUpdated struct {
	Type     string    `json:"type"`
	Target   string    `json:"target"`
	Score    int       `json:"score"`
	ReportID string    `json:"report_id"`
	Alerted  bool      `json:"alerted"`
	Tripped  bool      `json:"tripped"`
	At       time.Time `json:"at"`
}

// TransferCreated reports an outbound dispatch.
type TransferCreated struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Destination uint32          `json:"destination"`
	Nonce       uint64          `json:"nonce"`
	Amount      decimal.Decimal `json:"amount"`
	At          time.Time       `json:"at"`
}

// TransferReceived reports an accepted inbound transfer.
type TransferReceived struct {
	Type   string          `json:"type"`
	Source uint32          `json:"source"`
	Nonce  uint64          `json:"nonce"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

// TransferClosed reports an admin transition to completed or failed.
type TransferClosed struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}
