package eth

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// PutMSSOption writes a Maximum Segment Size option to dst and returns the
// number of bytes written. dst must be at least 4 bytes long or PutMSSOption panics.
//
//	+--------+--------+---------+--------+
//	|00000010|00000100|   max seg size   |
//	+--------+--------+---------+--------+
//	 Kind=2   Length=4
func PutMSSOption(dst []byte, mss uint16) int {
	_ = dst[sizeOptMSS-1]
	dst[0] = TCPOptMSS
	dst[1] = sizeOptMSS
	binary.BigEndian.PutUint16(dst[2:4], mss)
	return sizeOptMSS
}

// ParseMSSOption scans the TCP options field for an MSS option. NOP and
// unknown option kinds are skipped. Parsing stops at End of Option List or
// at the first option whose length is inconsistent with the options field.
func ParseMSSOption(options []byte) (mss uint16, ok bool) {
	for len(options) > 0 {
		kind := options[0]
		switch kind {
		case TCPOptEOL:
			return 0, false
		case TCPOptNOP:
			options = options[1:]
			continue
		}
		if len(options) < 2 {
			return 0, false
		}
		optlen := int(options[1])
		if optlen < 2 || optlen > len(options) {
			return 0, false
		}
		if kind == TCPOptMSS {
			if optlen != sizeOptMSS {
				return 0, false
			}
			return binary.BigEndian.Uint16(options[2:4]), true
		}
		options = options[optlen:]
	}
	return 0, false
}

// OffsetForOptions returns the TCP data offset in 32 bit words of a header
// carrying optionsLen bytes of options. Options are padded to a word boundary.
func OffsetForOptions(optionsLen int) uint8 {
	padded := alignup(uint(optionsLen), tcpWordlen)
	return uint8((SizeTCPHeader + padded) / tcpWordlen)
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}
