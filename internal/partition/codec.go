// Package partition moves value between whitelisted partitions with
// strict nonce sequencing and a windowed transfer budget.
package partition

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

// TransferPayload is the wire body of one cross-partition transfer.
//
// Layout: 8-byte big-endian nonce, 2-byte big-endian length plus the
// amount as an ASCII decimal string, a 32-byte beneficiary, and the
// memo as the remainder. The string form keeps the amount exact without
// committing the wire to a fixed integer width.
type TransferPayload struct {
	Nonce       uint64
	Amount      decimal.Decimal
	Beneficiary common.Hash
	Memo        []byte
}

var errTruncatedPayload = errs.E(errs.KindValidation, "transfer payload truncated")

// EncodeTransfer serializes the payload.
func EncodeTransfer(p TransferPayload) []byte {
	amount := []byte(p.Amount.String())
	out := make([]byte, 0, 8+2+len(amount)+common.HashLength+len(p.Memo))

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], p.Nonce)
	out = append(out, nonce[:]...)

	var alen [2]byte
	binary.BigEndian.PutUint16(alen[:], uint16(len(amount)))
	out = append(out, alen[:]...)
	out = append(out, amount...)
	out = append(out, p.Beneficiary.Bytes()...)
	out = append(out, p.Memo...)
	return out
}

// DecodeTransfer parses a wire body. The memo may be empty.
func DecodeTransfer(raw []byte) (TransferPayload, error) {
	if len(raw) < 8+2 {
		return TransferPayload{}, errTruncatedPayload
	}
	nonce := binary.BigEndian.Uint64(raw[:8])
	alen := int(binary.BigEndian.Uint16(raw[8:10]))
	rest := raw[10:]
	if len(rest) < alen+common.HashLength {
		return TransferPayload{}, errTruncatedPayload
	}

	amount, err := decimal.NewFromString(string(rest[:alen]))
	if err != nil {
		return TransferPayload{}, errs.E(errs.KindValidation, "transfer amount malformed").Wrap(err)
	}
	rest = rest[alen:]

	p := TransferPayload{
		Nonce:       nonce,
		Amount:      amount,
		Beneficiary: common.BytesToHash(rest[:common.HashLength]),
	}
	if memo := rest[common.HashLength:]; len(memo) > 0 {
		p.Memo = append([]byte(nil), memo...)
	}
	return p, nil
}
