// Package ndef encodes single-record NDEF messages and the Type 2 tag TLV
// wrapper that carries them.
package ndef

// TNF values used by this package.
const (
	TNFWellKnown byte = 0x01
	TNFMIME      byte = 0x02
)

// Record header flags.
const (
	flagMB byte = 0x80 // Message Begin
	flagME byte = 0x40 // Message End
	flagSR byte = 0x10 // Short Record
)

// TLV tags on Type 2 tags.
const (
	TLVNDEF       byte = 0x03
	TLVTerminator byte = 0xFE
)

// MimeRecord returns a complete one-record NDEF message carrying payload
// under the given MIME type.
func MimeRecord(mimeType string, payload []byte) []byte {
	return record(TNFMIME, []byte(mimeType), payload)
}

func record(tnf byte, recordType []byte, payload []byte) []byte {
	// Header byte: MB ME CF SR IL TNF
	header := tnf&0x07 | flagMB | flagME
	short := len(payload) < 256
	if short {
		header |= flagSR
	}

	rec := make([]byte, 0, MessageSize(string(recordType), len(payload)))
	rec = append(rec, header, byte(len(recordType)))
	if short {
		rec = append(rec, byte(len(payload)))
	} else {
		rec = append(rec,
			byte(len(payload)>>24),
			byte(len(payload)>>16),
			byte(len(payload)>>8),
			byte(len(payload)))
	}
	rec = append(rec, recordType...)
	rec = append(rec, payload...)
	return rec
}

// MessageSize returns the exact encoded length of MimeRecord(mimeType, payload)
// for a payload of payloadLen bytes.
func MessageSize(mimeType string, payloadLen int) int {
	n := 2 + len(mimeType) + payloadLen
	if payloadLen < 256 {
		return n + 1
	}
	return n + 4
}

// WrapTLV wraps an NDEF message in an NDEF Message TLV followed by a
// Terminator TLV, as stored from page 4 of a Type 2 tag.
func WrapTLV(message []byte) []byte {
	tlv := make([]byte, 0, TLVSize(len(message)))
	tlv = append(tlv, TLVNDEF)
	if len(message) < 0xFF {
		tlv = append(tlv, byte(len(message)))
	} else {
		tlv = append(tlv, 0xFF, byte(len(message)>>8), byte(len(message)))
	}
	tlv = append(tlv, message...)
	tlv = append(tlv, TLVTerminator)
	return tlv
}

// TLVSize returns len(WrapTLV(m)) for a message of n bytes.
func TLVSize(n int) int {
	if n < 0xFF {
		return n + 3
	}
	return n + 5
}

// MaxMessageSize returns the largest NDEF message that fits, TLV-wrapped,
// in a Type 2 data area of dataArea bytes.
func MaxMessageSize(dataArea int) int {
	if dataArea-5 >= 0xFF {
		return dataArea - 5
	}
	if dataArea-3 > 0xFE {
		return 0xFE
	}
	if dataArea < 3 {
		return 0
	}
	return dataArea - 3
}
