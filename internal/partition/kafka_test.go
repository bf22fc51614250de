package partition

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInboundReaderDefaults(t *testing.T) {
	r := NewInboundReader(InboundConfig{
		Brokers: []string{"localhost:9092"},
		LocalID: 7,
	}, nil, zap.NewNop())
	defer r.Close()

	cfg := r.reader.Config()
	assert.Equal(t, "strongroom.partitions.inbound", cfg.Topic)
	assert.Equal(t, "strongroom-partition-7", cfg.GroupID)
}

func TestInboundReaderHandlesFrames(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, 2, 2000)

	c := &InboundReader{
		router:  f.router,
		caller:  transportID,
		localID: 1,
		log:     zap.NewNop(),
	}

	frame := func(dest uint32, sender common.Hash, nonce uint64) []byte {
		b, err := json.Marshal(TransferFrame{
			MessageID:   "m-1",
			Source:      2,
			Destination: dest,
			Sender:      sender.Hex(),
			Payload:     inboundPayload(nonce, "40"),
		})
		require.NoError(t, err)
		return b
	}

	// Addressed to another partition: skipped without touching state.
	c.handleFrame(context.Background(), frame(9, counterpartID, 1))
	assert.True(t, f.sink.reclaimed.IsZero())

	c.handleFrame(context.Background(), frame(1, counterpartID, 1))
	assert.True(t, f.sink.reclaimed.Equal(decimal.RequireFromString("40")))

	// Unknown sender and garbage frames are logged, never fatal.
	c.handleFrame(context.Background(), frame(1, common.HexToHash("0xbad"), 2))
	c.handleFrame(context.Background(), []byte("{not json"))
	assert.True(t, f.sink.reclaimed.Equal(decimal.RequireFromString("40")))

	c.handleFrame(context.Background(), frame(1, counterpartID, 2))
	assert.True(t, f.sink.reclaimed.Equal(decimal.RequireFromString("80")))
}
