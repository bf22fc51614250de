package partition

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

var (
	adminID       = common.HexToHash("0xad")
	transportID   = common.HexToHash("0x7a")
	counterpartID = common.HexToHash("0xc0")

	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

type sentMsg struct {
	dest        uint32
	counterpart common.Hash
	payload     []byte
	fee         decimal.Decimal
}

type stubTransport struct {
	sent []sentMsg
	fail bool
	seq  int
}

func (s *stubTransport) Send(_ context.Context, dest uint32, counterpart common.Hash, payload []byte, fee decimal.Decimal) (string, error) {
	if s.fail {
		return "", errors.New("bridge unreachable")
	}
	s.seq++
	s.sent = append(s.sent, sentMsg{dest, counterpart, payload, fee})
	return fmt.Sprintf("msg-%d", s.seq), nil
}

type stubGate struct{ active bool }

func (g *stubGate) BreakerActive(time.Time) bool { return g.active }

type stubSink struct {
	allocated decimal.Decimal
	reclaimed decimal.Decimal
	failNext  bool
}

func (s *stubSink) Allocate(amount decimal.Decimal) error {
	if s.failNext {
		s.failNext = false
		return errs.E(errs.KindPrecondition, "allocation exceeds available value")
	}
	s.allocated = s.allocated.Add(amount)
	return nil
}

func (s *stubSink) Reclaim(amount decimal.Decimal) error {
	s.reclaimed = s.reclaimed.Add(amount)
	return nil
}

type routerFixture struct {
	router    *Router
	transport *stubTransport
	gate      *stubGate
	sink      *stubSink
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *routerFixture {
	t.Helper()
	if cfg.Admin == (common.Hash{}) {
		cfg.Admin = adminID
	}
	if cfg.Transport == (common.Hash{}) {
		cfg.Transport = transportID
	}
	if cfg.LocalID == 0 {
		cfg.LocalID = 1
	}
	f := &routerFixture{
		transport: &stubTransport{},
		gate:      &stubGate{},
		sink:      &stubSink{},
		now:       t0,
	}
	f.router = NewRouter(cfg, f.transport, f.gate, f.sink, NopArchive{}, nil, zap.NewNop())
	f.router.clock = func() time.Time { return f.now }
	return f
}

func (f *routerFixture) register(t *testing.T, id uint32, bps int) {
	t.Helper()
	require.NoError(t, f.router.RegisterPartition(context.Background(), adminID, id, counterpartID, bps))
}

func (f *routerFixture) dispatch(t *testing.T, amount string) (DispatchReceipt, error) {
	t.Helper()
	return f.router.Dispatch(context.Background(), adminID, 2, decimal.RequireFromString(amount),
		common.HexToHash("0xbe"), nil, decimal.Zero)
}

func TestRegisterPartitionValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	err := f.router.RegisterPartition(ctx, transportID, 2, counterpartID, 100)
	assert.ErrorIs(t, err, ErrNotAdmin)

	err = f.router.RegisterPartition(ctx, adminID, 1, counterpartID, 100)
	assert.ErrorIs(t, err, ErrSelfPartition)

	err = f.router.RegisterPartition(ctx, adminID, 2, common.Hash{}, 100)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	err = f.router.RegisterPartition(ctx, adminID, 2, counterpartID, 10_001)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestRegisterPartitionAllocationCap(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.register(t, 2, 6000)

	err := f.router.RegisterPartition(ctx, adminID, 3, counterpartID, 5000)
	assert.ErrorIs(t, err, ErrAllocationBudget)

	require.NoError(t, f.router.RegisterPartition(ctx, adminID, 3, counterpartID, 4000))

	// Re-registering an endpoint replaces its own share, it does not
	// stack with it.
	require.NoError(t, f.router.RegisterPartition(ctx, adminID, 2, counterpartID, 6000))

	require.NoError(t, f.router.RemovePartition(ctx, adminID, 3))
	require.NoError(t, f.router.RegisterPartition(ctx, adminID, 3, counterpartID, 4000))
}

func TestDispatchGuards(t *testing.T) {
	f := newFixture(t, Config{MinFee: decimal.NewFromInt(10)})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))
	ctx := context.Background()
	fee := decimal.NewFromInt(10)

	_, err := f.router.Dispatch(ctx, transportID, 2, decimal.NewFromInt(100), common.HexToHash("0xbe"), nil, fee)
	assert.ErrorIs(t, err, ErrNotAdmin)

	_, err = f.router.Dispatch(ctx, adminID, 2, decimal.Zero, common.HexToHash("0xbe"), nil, fee)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = f.router.Dispatch(ctx, adminID, 2, decimal.RequireFromString("1.5"), common.HexToHash("0xbe"), nil, fee)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = f.router.Dispatch(ctx, adminID, 9, decimal.NewFromInt(100), common.HexToHash("0xbe"), nil, fee)
	assert.ErrorIs(t, err, ErrUnknownPartition)

	_, err = f.router.Dispatch(ctx, adminID, 2, decimal.NewFromInt(100), common.HexToHash("0xbe"), nil, decimal.NewFromInt(9))
	assert.ErrorIs(t, err, ErrInsufficientFee)

	f.gate.active = true
	_, err = f.router.Dispatch(ctx, adminID, 2, decimal.NewFromInt(100), common.HexToHash("0xbe"), nil, fee)
	assert.ErrorIs(t, err, ErrRiskBreakerOpen)
	f.gate.active = false

	// Nothing reached the transport or the sink.
	assert.Empty(t, f.transport.sent)
	assert.True(t, f.sink.allocated.IsZero())
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 24 * time.Hour, FractionBps: 2000})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	rcpt, err := f.dispatch(t, "500")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rcpt.MessageID)
	assert.Equal(t, uint64(1), rcpt.Nonce)
	assert.Equal(t, "500", rcpt.WindowUsed.String())
	assert.Equal(t, "2000", rcpt.WindowLimit.String())
	assert.Equal(t, "500", f.sink.allocated.String())

	pt, ok := f.router.PendingOf("msg-1")
	require.True(t, ok)
	assert.Equal(t, StatusCreated, pt.Status)
	assert.Equal(t, uint64(1), pt.Nonce)

	// The wire payload carries the assigned nonce.
	require.Len(t, f.transport.sent, 1)
	decoded, err := DecodeTransfer(f.transport.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), decoded.Nonce)
	assert.Equal(t, "500", decoded.Amount.String())

	rcpt, err = f.dispatch(t, "300")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rcpt.Nonce)
	assert.Equal(t, "800", rcpt.WindowUsed.String())
}

func TestDispatchBudgetCrossing(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 24 * time.Hour, FractionBps: 2000})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	_, err := f.dispatch(t, "1500")
	require.NoError(t, err)

	// 1500+600 crosses the 2000 limit: the whole transfer bounces.
	_, err = f.dispatch(t, "600")
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// Landing exactly on the limit is allowed.
	_, err = f.dispatch(t, "500")
	require.NoError(t, err)

	_, err = f.dispatch(t, "1")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestDispatchBudgetWindowRollover(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: time.Hour, FractionBps: 2000})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	_, err := f.dispatch(t, "2000")
	require.NoError(t, err)
	_, err = f.dispatch(t, "1")
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	f.now = f.now.Add(time.Hour)
	rcpt, err := f.dispatch(t, "2000")
	require.NoError(t, err)
	assert.Equal(t, "2000", rcpt.WindowUsed.String())
}

func TestDispatchWithoutManagedValueIsBudgetBound(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)

	// No managed value has been fed yet: the limit is zero.
	_, err := f.dispatch(t, "1")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestDispatchSendFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	f.transport.fail = true
	_, err := f.dispatch(t, "500")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInternal))

	// Allocation was compensated and no sequence number burned.
	assert.True(t, f.sink.allocated.Equal(f.sink.reclaimed))
	_, ok := f.router.PendingOf("msg-1")
	assert.False(t, ok)

	f.transport.fail = false
	rcpt, err := f.dispatch(t, "500")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rcpt.Nonce)
	assert.Equal(t, "500", rcpt.WindowUsed.String())
}

func TestDispatchAllocationFailureSendsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	f.sink.failNext = true
	_, err := f.dispatch(t, "500")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPrecondition))
	assert.Empty(t, f.transport.sent)
}

func inboundPayload(nonce uint64, amount string) []byte {
	return EncodeTransfer(TransferPayload{
		Nonce:       nonce,
		Amount:      decimal.RequireFromString(amount),
		Beneficiary: common.HexToHash("0xbe"),
	})
}

func TestReceiveSequencing(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	ctx := context.Background()

	rcpt, err := f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(1, "100"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rcpt.Nonce)
	assert.Equal(t, "100", f.sink.reclaimed.String())

	// Replay of an accepted nonce.
	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(1, "100"))
	assert.ErrorIs(t, err, ErrNonceMismatch)

	// Gap: 3 before 2.
	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(3, "100"))
	assert.ErrorIs(t, err, ErrNonceMismatch)

	rcpt, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(2, "50"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rcpt.Nonce)
	assert.Equal(t, "150", f.sink.reclaimed.String())
}

func TestReceiveAuthorization(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	ctx := context.Background()
	payload := inboundPayload(1, "100")

	_, err := f.router.Receive(ctx, adminID, 2, counterpartID, payload)
	assert.ErrorIs(t, err, ErrNotTransport)

	_, err = f.router.Receive(ctx, transportID, 9, counterpartID, payload)
	assert.ErrorIs(t, err, ErrUnknownPartition)

	_, err = f.router.Receive(ctx, transportID, 2, common.HexToHash("0xbad"), payload)
	assert.ErrorIs(t, err, ErrWrongCounterpart)

	// None of the rejections advanced the sequence.
	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, payload)
	assert.NoError(t, err)
}

func TestReceiveRejectsBadPayloads(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	ctx := context.Background()

	_, err := f.router.Receive(ctx, transportID, 2, counterpartID, []byte{0x01})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(1, "0"))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(1, "2.5"))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// Sequence still starts at 1 after the rejects.
	_, err = f.router.Receive(ctx, transportID, 2, counterpartID, inboundPayload(1, "10"))
	assert.NoError(t, err)
}

func TestTransferLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))
	ctx := context.Background()

	rcpt, err := f.dispatch(t, "500")
	require.NoError(t, err)

	err = f.router.CompleteTransfer(ctx, transportID, rcpt.MessageID)
	assert.ErrorIs(t, err, ErrNotAdmin)

	require.NoError(t, f.router.CompleteTransfer(ctx, adminID, rcpt.MessageID))
	pt, _ := f.router.PendingOf(rcpt.MessageID)
	assert.Equal(t, StatusCompleted, pt.Status)
	assert.Equal(t, f.now, pt.ClosedAt)

	err = f.router.CompleteTransfer(ctx, adminID, rcpt.MessageID)
	assert.ErrorIs(t, err, ErrTransferTerminal)
	err = f.router.FailTransfer(ctx, adminID, rcpt.MessageID)
	assert.ErrorIs(t, err, ErrTransferTerminal)

	err = f.router.FailTransfer(ctx, adminID, "msg-404")
	assert.ErrorIs(t, err, ErrTransferUnknown)
}

func TestFailTransferReclaimsValue(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))
	ctx := context.Background()

	rcpt, err := f.dispatch(t, "500")
	require.NoError(t, err)
	require.True(t, f.sink.reclaimed.IsZero())

	require.NoError(t, f.router.FailTransfer(ctx, adminID, rcpt.MessageID))
	assert.Equal(t, "500", f.sink.reclaimed.String())

	pt, _ := f.router.PendingOf(rcpt.MessageID)
	assert.Equal(t, StatusFailed, pt.Status)
}

func TestPruneWindows(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: time.Hour})
	f.register(t, 2, 1000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	_, err := f.dispatch(t, "100")
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, err = f.dispatch(t, "100")
	require.NoError(t, err)

	_, err = f.router.PruneWindows(transportID, f.now)
	assert.ErrorIs(t, err, ErrNotAdmin)

	removed, err := f.router.PruneWindows(adminID, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The live bucket survived.
	st := f.router.Snapshot(f.now)
	assert.Equal(t, "100", st.WindowUsed.String())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 24 * time.Hour, FractionBps: 2000})
	f.register(t, 2, 1000)
	f.register(t, 3, 2000)
	f.router.RefreshManagedValue(decimal.NewFromInt(10_000))

	_, err := f.dispatch(t, "700")
	require.NoError(t, err)

	st := f.router.Snapshot(f.now)
	assert.Equal(t, 2, st.Partitions)
	assert.Equal(t, 1, st.PendingCreated)
	assert.Equal(t, "10000", st.ManagedValue.String())
	assert.Equal(t, "700", st.WindowUsed.String())
	assert.Equal(t, "2000", st.WindowLimit.String())
}
