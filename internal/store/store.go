package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/partition"
	"github.com/strongroom-io/strongroom/internal/risk"
	"github.com/strongroom-io/strongroom/internal/vault"
)

const singletonID = 1

// Store satisfies the archive interfaces of the vault, the risk engine,
// and the partition router against one gorm handle. Every write is an
// upsert: the in-memory components own the authoritative state, rows
// here mirror it.
type Store struct {
	db *gorm.DB
}

// New migrates the schema and returns the store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&LedgerStateModel{},
		&PositionModel{},
		&BreakerStateModel{},
		&AssessmentModel{},
		&AlertTotalsModel{},
		&ProducerBindingModel{},
		&PartitionEndpointModel{},
		&NonceStateModel{},
		&PendingTransferModel{},
		&BudgetWindowModel{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) upsert(ctx context.Context, model interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error
}

// SaveLedgerState writes the singleton totals row.
func (s *Store) SaveLedgerState(ctx context.Context, snap vault.LedgerSnapshot, paused bool) error {
	return s.upsert(ctx, &LedgerStateModel{
		ID:               singletonID,
		TotalShares:      snap.TotalShares,
		TotalDeposited:   snap.TotalDeposited,
		TotalAllocated:   snap.TotalAllocated,
		CustodialBalance: snap.CustodialBalance,
		Paused:           paused,
		UpdatedAt:        time.Now(),
	})
}

// LoadLedgerState reads the singleton totals row. found is false on a
// fresh database.
func (s *Store) LoadLedgerState(ctx context.Context) (snap vault.LedgerSnapshot, paused bool, found bool, err error) {
	var m LedgerStateModel
	res := s.db.WithContext(ctx).First(&m, singletonID)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return vault.LedgerSnapshot{}, false, false, nil
	}
	if res.Error != nil {
		return vault.LedgerSnapshot{}, false, false, res.Error
	}
	return vault.LedgerSnapshot{
		TotalShares:      m.TotalShares,
		TotalDeposited:   m.TotalDeposited,
		TotalAllocated:   m.TotalAllocated,
		CustodialBalance: m.CustodialBalance,
	}, m.Paused, true, nil
}

// SavePosition writes one participant row.
func (s *Store) SavePosition(ctx context.Context, participant common.Hash, pos vault.Position) error {
	return s.upsert(ctx, &PositionModel{
		Participant:    participant.Hex(),
		OwnedShares:    pos.OwnedShares,
		DepositedValue: pos.DepositedValue,
		LastDeposit:    pos.LastDeposit,
		UpdatedAt:      time.Now(),
	})
}

// LoadPositions reads every participant row.
func (s *Store) LoadPositions(ctx context.Context) (map[common.Hash]vault.Position, error) {
	var rows []PositionModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[common.Hash]vault.Position, len(rows))
	for _, m := range rows {
		out[common.HexToHash(m.Participant)] = vault.Position{
			OwnedShares:    m.OwnedShares,
			DepositedValue: m.DepositedValue,
			LastDeposit:    m.LastDeposit,
		}
	}
	return out, nil
}

// SaveBreaker writes one breaker snapshot. Shared by the vault and the
// risk engine, distinguished by owner.
func (s *Store) SaveBreaker(ctx context.Context, owner string, st breaker.State) error {
	return s.upsert(ctx, &BreakerStateModel{
		Owner:       owner,
		Active:      st.Active,
		ActivatedAt: st.ActivatedAt,
		Count:       st.Count,
		WindowStart: st.WindowStart,
		LastCause:   st.LastCause,
		UpdatedAt:   time.Now(),
	})
}

// LoadBreaker reads one breaker snapshot.
func (s *Store) LoadBreaker(ctx context.Context, owner string) (breaker.State, bool, error) {
	var m BreakerStateModel
	res := s.db.WithContext(ctx).First(&m, "owner = ?", owner)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return breaker.State{}, false, nil
	}
	if res.Error != nil {
		return breaker.State{}, false, res.Error
	}
	return breaker.State{
		Active:      m.Active,
		ActivatedAt: m.ActivatedAt,
		Count:       m.Count,
		WindowStart: m.WindowStart,
		LastCause:   m.LastCause,
	}, true, nil
}

// SaveAssessment writes one risk target row.
func (s *Store) SaveAssessment(ctx context.Context, target common.Hash, a risk.Assessment) error {
	return s.upsert(ctx, &AssessmentModel{
		Target:      target.Hex(),
		Score:       a.Score,
		Monitored:   a.Monitored,
		AlertCount:  a.Alerts,
		LastUpdated: a.LastUpdated,
	})
}

// LoadAssessments reads every risk target row.
func (s *Store) LoadAssessments(ctx context.Context) (map[common.Hash]risk.Assessment, error) {
	var rows []AssessmentModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[common.Hash]risk.Assessment, len(rows))
	for _, m := range rows {
		out[common.HexToHash(m.Target)] = risk.Assessment{
			Score:       m.Score,
			LastUpdated: m.LastUpdated,
			Monitored:   m.Monitored,
			Alerts:      m.AlertCount,
		}
	}
	return out, nil
}

// SaveGlobalAlerts writes the singleton alert counter.
func (s *Store) SaveGlobalAlerts(ctx context.Context, total uint64) error {
	return s.upsert(ctx, &AlertTotalsModel{ID: singletonID, Global: total, UpdatedAt: time.Now()})
}

// LoadGlobalAlerts reads the singleton alert counter. A fresh database
// reads zero.
func (s *Store) LoadGlobalAlerts(ctx context.Context) (uint64, error) {
	var m AlertTotalsModel
	res := s.db.WithContext(ctx).First(&m, singletonID)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if res.Error != nil {
		return 0, res.Error
	}
	return m.Global, nil
}

// SaveBinding writes one producer→tag restriction.
func (s *Store) SaveBinding(ctx context.Context, producer common.Hash, tag byte) error {
	return s.upsert(ctx, &ProducerBindingModel{Producer: producer.Hex(), Tag: tag, UpdatedAt: time.Now()})
}

// DeleteBinding removes one producer→tag restriction.
func (s *Store) DeleteBinding(ctx context.Context, producer common.Hash) error {
	return s.db.WithContext(ctx).Delete(&ProducerBindingModel{}, "producer = ?", producer.Hex()).Error
}

// LoadBindings reads the binding table.
func (s *Store) LoadBindings(ctx context.Context) (map[common.Hash]byte, error) {
	var rows []ProducerBindingModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[common.Hash]byte, len(rows))
	for _, m := range rows {
		out[common.HexToHash(m.Producer)] = m.Tag
	}
	return out, nil
}

// SaveEndpoint writes one whitelist row.
func (s *Store) SaveEndpoint(ctx context.Context, id uint32, ep partition.Endpoint) error {
	return s.upsert(ctx, &PartitionEndpointModel{
		Partition:     id,
		Counterpart:   ep.Counterpart.Hex(),
		AllocationBps: ep.AllocationBps,
		UpdatedAt:     time.Now(),
	})
}

// DeleteEndpoint removes one whitelist row.
func (s *Store) DeleteEndpoint(ctx context.Context, id uint32) error {
	return s.db.WithContext(ctx).Delete(&PartitionEndpointModel{}, "partition = ?", id).Error
}

// LoadEndpoints reads the whitelist.
func (s *Store) LoadEndpoints(ctx context.Context) (map[uint32]partition.Endpoint, error) {
	var rows []PartitionEndpointModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint32]partition.Endpoint, len(rows))
	for _, m := range rows {
		out[m.Partition] = partition.Endpoint{
			Counterpart:   common.HexToHash(m.Counterpart),
			AllocationBps: m.AllocationBps,
		}
	}
	return out, nil
}

func (s *Store) saveNonce(ctx context.Context, id uint32, direction string, last uint64) error {
	return s.upsert(ctx, &NonceStateModel{
		Partition: id,
		Direction: direction,
		Last:      last,
		UpdatedAt: time.Now(),
	})
}

// SaveOutboundNonce writes a destination's last assigned sequence number.
func (s *Store) SaveOutboundNonce(ctx context.Context, dest uint32, last uint64) error {
	return s.saveNonce(ctx, dest, NonceOutbound, last)
}

// SaveInboundNonce writes a source's last accepted sequence number.
func (s *Store) SaveInboundNonce(ctx context.Context, src uint32, last uint64) error {
	return s.saveNonce(ctx, src, NonceInbound, last)
}

// LoadNonces reads every sequence position, outbound and inbound.
func (s *Store) LoadNonces(ctx context.Context) (out map[uint32]uint64, in map[uint32]uint64, err error) {
	var rows []NonceStateModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	out = make(map[uint32]uint64)
	in = make(map[uint32]uint64)
	for _, m := range rows {
		switch m.Direction {
		case NonceOutbound:
			out[m.Partition] = m.Last
		case NonceInbound:
			in[m.Partition] = m.Last
		}
	}
	return out, in, nil
}

// SavePending writes one transfer row.
func (s *Store) SavePending(ctx context.Context, pt partition.PendingTransfer) error {
	return s.upsert(ctx, &PendingTransferModel{
		MessageID:   pt.MessageID,
		Destination: pt.Destination,
		Nonce:       pt.Nonce,
		Amount:      pt.Amount,
		Beneficiary: pt.Beneficiary.Hex(),
		Status:      string(pt.Status),
		CreatedAt:   pt.CreatedAt,
		ClosedAt:    pt.ClosedAt,
	})
}

// LoadPendings reads every transfer row.
func (s *Store) LoadPendings(ctx context.Context) ([]partition.PendingTransfer, error) {
	var rows []PendingTransferModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]partition.PendingTransfer, 0, len(rows))
	for _, m := range rows {
		out = append(out, partition.PendingTransfer{
			MessageID:   m.MessageID,
			Destination: m.Destination,
			Nonce:       m.Nonce,
			Amount:      m.Amount,
			Beneficiary: common.HexToHash(m.Beneficiary),
			CreatedAt:   m.CreatedAt,
			Status:      partition.Status(m.Status),
			ClosedAt:    m.ClosedAt,
		})
	}
	return out, nil
}

// SaveBudget writes one window bucket.
func (s *Store) SaveBudget(ctx context.Context, bucket int64, used decimal.Decimal) error {
	return s.upsert(ctx, &BudgetWindowModel{Bucket: bucket, Used: used, UpdatedAt: time.Now()})
}

// LoadBudgets reads every window bucket.
func (s *Store) LoadBudgets(ctx context.Context) (map[int64]decimal.Decimal, error) {
	var rows []BudgetWindowModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]decimal.Decimal, len(rows))
	for _, m := range rows {
		out[m.Bucket] = m.Used
	}
	return out, nil
}
