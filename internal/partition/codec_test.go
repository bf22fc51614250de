package partition

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

func TestTransferCodecRoundTrip(t *testing.T) {
	in := TransferPayload{
		Nonce:       42,
		Amount:      decimal.NewFromInt(123456789),
		Beneficiary: common.HexToHash("0xbe"),
		Memo:        []byte("rebalance Q3"),
	}

	out, err := DecodeTransfer(EncodeTransfer(in))
	require.NoError(t, err)
	assert.Equal(t, in.Nonce, out.Nonce)
	assert.True(t, in.Amount.Equal(out.Amount))
	assert.Equal(t, in.Beneficiary, out.Beneficiary)
	assert.Equal(t, in.Memo, out.Memo)
}

func TestTransferCodecEmptyMemo(t *testing.T) {
	in := TransferPayload{Nonce: 1, Amount: decimal.NewFromInt(5), Beneficiary: common.HexToHash("0xbe")}

	out, err := DecodeTransfer(EncodeTransfer(in))
	require.NoError(t, err)
	assert.Nil(t, out.Memo)
}

func TestTransferCodecTruncated(t *testing.T) {
	full := EncodeTransfer(TransferPayload{Nonce: 7, Amount: decimal.NewFromInt(100), Beneficiary: common.HexToHash("0xbe")})

	for cut := 0; cut < len(full); cut += 9 {
		_, err := DecodeTransfer(full[:cut])
		require.Error(t, err, "cut=%d", cut)
		assert.True(t, errs.IsKind(err, errs.KindValidation))
	}
}

func TestTransferCodecBadAmount(t *testing.T) {
	raw := EncodeTransfer(TransferPayload{Nonce: 7, Amount: decimal.NewFromInt(100), Beneficiary: common.HexToHash("0xbe")})
	// The 3-digit amount string sits right after the 10-byte header.
	copy(raw[10:13], "xyz")

	_, err := DecodeTransfer(raw)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
