// Package pyth reads Pyth price accounts over Solana JSON-RPC.
package pyth

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/coachpo/relay/errs"
)

// Price account layout constants.
const (
	Magic              uint32 = 0xa1b2c3d4
	VersionV2          uint32 = 2
	AccountTypePrice   uint32 = 3
	MinPriceAccountLen        = 240

	expoOffset      = 20
	productOffset   = 32
	timestampOffset = 96
	priceOffset     = 208
	confOffset      = 216
)

// PriceAccount is the decoded subset of a price account.
type PriceAccount struct {
	ProductID   [8]byte
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime time.Time
}

// DecodePriceAccount validates the header and extracts the aggregate price.
func DecodePriceAccount(data []byte) (PriceAccount, error) {
	if len(data) < MinPriceAccountLen {
		return PriceAccount{}, errs.New("pyth/decode", errs.CodeOracleParseFailure,
			errs.WithMessage(fmt.Sprintf("account data %d bytes, need %d", len(data), MinPriceAccountLen)))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return PriceAccount{}, errs.New("pyth/decode", errs.CodeOracleParseFailure,
			errs.WithMessage(fmt.Sprintf("bad magic 0x%08x", magic)))
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != VersionV2 {
		return PriceAccount{}, errs.New("pyth/decode", errs.CodeOracleParseFailure,
			errs.WithMessage(fmt.Sprintf("unsupported version %d", version)))
	}
	if kind := binary.LittleEndian.Uint32(data[8:12]); kind != AccountTypePrice {
		return PriceAccount{}, errs.New("pyth/decode", errs.CodeOracleInvalidAccount,
			errs.WithMessage(fmt.Sprintf("account type %d is not a price account", kind)))
	}

	var acct PriceAccount
	copy(acct.ProductID[:], data[productOffset:productOffset+8])
	acct.Expo = int32(binary.LittleEndian.Uint32(data[expoOffset : expoOffset+4]))
	acct.Price = int64(binary.LittleEndian.Uint64(data[priceOffset : priceOffset+8]))
	acct.Conf = binary.LittleEndian.Uint64(data[confOffset : confOffset+8])
	acct.PublishTime = time.Unix(int64(binary.LittleEndian.Uint64(data[timestampOffset:timestampOffset+8])), 0).UTC()
	return acct, nil
}

// EncodePriceAccount renders a minimal valid price account. It is the
// inverse of DecodePriceAccount and backs fake RPC endpoints.
func EncodePriceAccount(acct PriceAccount) []byte {
	data := make([]byte, MinPriceAccountLen)
	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], VersionV2)
	binary.LittleEndian.PutUint32(data[8:12], AccountTypePrice)
	binary.LittleEndian.PutUint32(data[12:16], uint32(len(data)))
	binary.LittleEndian.PutUint32(data[expoOffset:expoOffset+4], uint32(acct.Expo))
	copy(data[productOffset:productOffset+8], acct.ProductID[:])
	binary.LittleEndian.PutUint64(data[timestampOffset:timestampOffset+8], uint64(acct.PublishTime.Unix()))
	binary.LittleEndian.PutUint64(data[priceOffset:priceOffset+8], uint64(acct.Price))
	binary.LittleEndian.PutUint64(data[confOffset:confOffset+8], acct.Conf)
	return data
}
