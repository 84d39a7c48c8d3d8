package message

import "fmt"

// MsgCode enumerates the reading kinds the northbound ingestion
// pipeline hands to the encoder.
type MsgCode string

const (
	MsgTS  MsgCode = "TS"
	MsgTM  MsgCode = "TM"
	MsgTC  MsgCode = "TC"
	MsgTVC MsgCode = "TVC"
)

// IngestParameters is the already-parsed reading the northbound
// ingestion pipeline hands to the core for serialization. Mandatory
// fields are listed first; optionals default to their zero value.
type IngestParameters struct {
	Label       string
	MsgCode     MsgCode
	StationAddr uint
	MsgAddress  uint
	Value       int64
	Valid       bool

	// Optional, TSCE only.
	TS    uint64
	TsIv  bool
	TsC   bool
	TsS   bool

	// Optional.
	Cg            bool
	An            string
	Outdated      bool
	QualityUpdate bool
}

// ErrUnknownMsgCode is returned by Encode for an IngestParameters whose
// MsgCode isn't one of TS, TM, TC, TVC. Per spec.md §7, the caller
// filters the offending reading out of its "sent" count rather than
// aborting the batch.
var ErrUnknownMsgCode = fmt.Errorf("hnz: unknown msg_code")

// boolBit packs a bool into 0/1.
func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Encode serializes one IngestParameters into the wire layout its
// MsgCode calls for (§4.10 of spec.md). It also reports the TS value
// bit and valid bit so the caller can feed tsimage.Image.Set for TS
// readings; for every other MsgCode those two return values are zero.
func Encode(p IngestParameters) (payload []byte, tsValueBit, tsValidBit byte, err error) {
	switch p.MsgCode {
	case MsgTS:
		return encodeTSCE(p), boolBit(p.Value != 0), boolBit(p.Valid), nil
	case MsgTVC:
		return encodeTVCACK(p), 0, 0, nil
	case MsgTC:
		return encodeTCACK(p), 0, 0, nil
	case MsgTM:
		return encodeTM4(p), 0, 0, nil
	default:
		return nil, 0, 0, ErrUnknownMsgCode
	}
}

// encodeTSCE lays out a 5-byte TSCE message:
//
//	[TSCECode, addr/10, ((addr%10)<<5)|(valid<<4)|(valueBit<<3)|(tsC<<1)|tsS|(tsIv<<2), tsHi, tsLo]
func encodeTSCE(p IngestParameters) []byte {
	addr := p.MsgAddress
	valueBit := boolBit(p.Value != 0)

	b2 := byte((addr%10)<<5) |
		(boolBit(p.Valid) << 4) |
		(valueBit << 3) |
		(boolBit(p.TsC) << 1) |
		boolBit(p.TsS) |
		(boolBit(p.TsIv) << 2)

	return []byte{
		TSCECode,
		byte(addr / 10),
		b2,
		byte(p.TS >> 8),
		byte(p.TS),
	}
}

// encodeTVCACK lays out a 4-byte TVCACK message:
//
//	[TVCACKCode, (addr&0x1F)|(valid<<6), abs(value)&0x7F, signByte]
func encodeTVCACK(p IngestParameters) []byte {
	addr := byte(p.MsgAddress&0x1F) | (boolBit(p.Valid) << 6)

	value := p.Value
	var sign byte
	if value < 0 {
		value = -value
		sign = 0x80
	}

	return []byte{
		TVCACKCode,
		addr,
		byte(value & 0x7F),
		sign,
	}
}

// encodeTCACK lays out a 3-byte TCACK message:
//
//	[TCACKCode, addr/10, ((addr%10)<<5) | ((value==0 ? 0b01 : 0b10))<<3 | (valid==0 ? 0b001 : 0b000)]
func encodeTCACK(p IngestParameters) []byte {
	addr := p.MsgAddress

	var valueBits byte = 0b10
	if p.Value == 0 {
		valueBits = 0b01
	}

	var cr byte
	if !p.Valid {
		cr = 0b001
	}

	b2 := byte((addr%10)<<5) | (valueBits << 3) | cr

	return []byte{
		TCACKCode,
		byte(addr / 10),
		b2,
	}
}

// encodeTM4 lays out a 6-byte TM4 message, packing value into the slot
// at addr%4 and filling the other three slots with 0xFF:
//
//	[TM4Code, (addr/4)*4, v0, v1, v2, v3]
func encodeTM4(p IngestParameters) []byte {
	addr := p.MsgAddress
	out := []byte{TM4Code, byte((addr / 4) * 4), 0xFF, 0xFF, 0xFF, 0xFF}
	slot := addr % 4
	out[2+slot] = byte(p.Value)
	return out
}
