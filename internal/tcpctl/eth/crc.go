package eth

import (
	"encoding/binary"
)

// CRC791 function as defined by RFC 791. The Checksum field for TCP+IP
// is the 16-bit ones' complement of the ones' complement sum of
// all 16-bit words in the header. In case of uneven number of octet the
// last word is LSB padded with zeros.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
	// excedent holds the high byte of a word split across two writes.
	excedent    uint8
	hasExcedent bool
}

// Write adds the bytes in p to the running checksum. Writes may be split at any
// byte boundary. Write always returns len(buff) and a nil error.
func (c *CRC791) Write(buff []byte) (n int, err error) {
	n = len(buff)
	if n == 0 {
		return 0, nil
	}
	if c.hasExcedent {
		c.sum += uint32(c.excedent)<<8 + uint32(buff[0])
		buff = buff[1:]
		c.excedent = 0
		c.hasExcedent = false
	}
	for len(buff) > 1 {
		c.sum += uint32(binary.BigEndian.Uint16(buff))
		buff = buff[2:]
		c.fold()
	}
	if len(buff) == 1 {
		c.excedent = buff[0]
		c.hasExcedent = true
	}
	return n, nil
}

// AddUint16 adds a 16-bit word to the running checksum. Must not be called
// while an odd byte is pending from a previous Write.
func (c *CRC791) AddUint16(v uint16) {
	if c.hasExcedent {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], v)
		c.Write(buf[:])
		return
	}
	c.sum += uint32(v)
	c.fold()
}

// AddUint32 adds v as two consecutive 16-bit words.
func (c *CRC791) AddUint32(v uint32) {
	c.AddUint16(uint16(v >> 16))
	c.AddUint16(uint16(v))
}

// Sum16 calculates the checksum with the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.hasExcedent {
		sum += uint32(c.excedent) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// fold keeps the accumulator from overflowing on long writes.
func (c *CRC791) fold() {
	if c.sum>>31 != 0 {
		c.sum = (c.sum & 0xffff) + (c.sum >> 16)
	}
}

// Checksum returns the Internet checksum of pseudoHeader immediately followed by
// segment. An odd trailing byte of segment is padded with zero. When
// the segment's checksum field holds a correct value the result is zero.
func Checksum(pseudoHeader, segment []byte) uint16 {
	var crc CRC791
	crc.Write(pseudoHeader)
	crc.Write(segment)
	return crc.Sum16()
}

// PseudoHeaderIPv4 returns the 12 byte TCP pseudo-header for an IPv4 segment
// of tcpLength bytes (header, options and payload) travelling from src to dst.
func PseudoHeaderIPv4(src, dst [4]byte, tcpLength uint16) (ph [SizePseudoHeader]byte) {
	copy(ph[0:4], src[:])
	copy(ph[4:8], dst[:])
	ph[9] = IPProtocolTCP
	binary.BigEndian.PutUint16(ph[10:12], tcpLength)
	return ph
}
