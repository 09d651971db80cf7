package bundle

import (
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
	"time"

	"github.com/coachpo/relay/errs"
)

// Price slot layout, little endian:
//
//	[0:2]   magic 0x5250
//	[2]     version
//	[3]     flags (reserved, zero)
//	[4:8]   expo int32
//	[8:16]  price int64
//	[16:24] conf uint64
//	[24:32] published unix milliseconds int64
//	[32:36] fnv-1a hash of the symbol
//	[36:40] crc32 (IEEE) of bytes [0:36]
const (
	PriceSlotSize    = 40
	PriceSlotVersion = 1

	priceSlotMagic uint16 = 0x5250
)

// EncodePriceSlot renders the quote into its fixed binary form.
func EncodePriceSlot(q PriceQuote) []byte {
	buf := make([]byte, PriceSlotSize)
	binary.LittleEndian.PutUint16(buf[0:2], priceSlotMagic)
	buf[2] = PriceSlotVersion
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(q.Expo))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(q.Price))
	binary.LittleEndian.PutUint64(buf[16:24], q.Conf)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(q.PublishedAt.UnixMilli()))
	binary.LittleEndian.PutUint32(buf[32:36], symbolHash(q.Symbol))
	binary.LittleEndian.PutUint32(buf[36:40], crc32.ChecksumIEEE(buf[:36]))
	return buf
}

// DecodePriceSlot parses a slot written by EncodePriceSlot. The symbol is
// checked against the embedded hash; Source is not carried in the slot.
func DecodePriceSlot(symbol string, buf []byte) (PriceQuote, error) {
	if len(buf) != PriceSlotSize {
		return PriceQuote{}, slotError("slot length mismatch")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != priceSlotMagic {
		return PriceQuote{}, slotError("bad magic")
	}
	if buf[2] != PriceSlotVersion {
		return PriceQuote{}, slotError("unsupported version")
	}
	if binary.LittleEndian.Uint32(buf[36:40]) != crc32.ChecksumIEEE(buf[:36]) {
		return PriceQuote{}, slotError("checksum mismatch")
	}
	if binary.LittleEndian.Uint32(buf[32:36]) != symbolHash(symbol) {
		return PriceQuote{}, slotError("symbol mismatch")
	}
	ms := int64(binary.LittleEndian.Uint64(buf[24:32]))
	return PriceQuote{
		Symbol:      symbol,
		Expo:        int32(binary.LittleEndian.Uint32(buf[4:8])),
		Price:       int64(binary.LittleEndian.Uint64(buf[8:16])),
		Conf:        binary.LittleEndian.Uint64(buf[16:24]),
		PublishedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}

func slotError(msg string) error {
	return errs.New("bundle/slot", errs.CodeInvalidBundle, errs.WithMessage(msg))
}
