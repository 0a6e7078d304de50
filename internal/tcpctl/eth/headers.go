/*
package eth implements Ethernet, IPv4 and TCP header encoding and decoding
and the Internet checksum used by the TCP segment processor.

All fields are decoded from and encoded to network byte order explicitly, field by
field. No header struct is ever overlaid on a byte buffer.

# TCP Header

	 0                   1                   2                   3
	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|          Source Port          |       Destination Port        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                        Sequence Number                        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                    Acknowledgment Number                      |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|  Data |       |C|E|U|A|P|R|S|F|                               |
	| Offset| Rsrvd |W|C|R|C|S|S|Y|I|            Window             |
	|       |       |R|E|G|K|H|T|N|N|                               |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|           Checksum            |         Urgent Pointer        |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|                           [Options]                           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

See https://hpd.gasmi.net/ to decode Hex Frames.
*/
package eth

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"

	"github.com/soypat/seqs"
)

// EthernetHeader is a 14 byte ethernet header representation with no VLAN support on its own.
type EthernetHeader struct {
	Destination     [6]byte // 0:6
	Source          [6]byte // 6:12
	SizeOrEtherType uint16  // 12:14
}

// IPv4Header is the Internet Protocol header. 20 bytes in size. Does not include options.
type IPv4Header struct {
	// VersionAndIHL contains union of both IP Version and IHL data.
	//
	// Version must be 4 for IPv4. It is force-set to its valid value in a call to Put.
	// IHL is the header length in 32-bit words, valid values being 5..15.
	VersionAndIHL uint8 // 0:1 (first 4 bits are version, last 4 bits are IHL)
	// Type of Service contains Differential Services Code Point (DSCP) and
	// Explicit Congestion Notification (ECN) union data.
	ToS uint8 // 1:2 (first 6 bits are DSCP, last 2 bits are ECN)
	// TotalLength is the entire packet size in bytes, including header and data.
	TotalLength uint16 // 2:4
	// ID is used for uniquely identifying the group of fragments of a single IP datagram.
	ID uint16 // 4:6
	// Flags and fragment offset.
	Flags IPFlags // 6:8
	// TTL limits a datagram's lifetime. Decremented by one on every hop.
	TTL uint8 // 8:9
	// This field defines the protocol used in the data portion of the IP datagram. TCP is 6.
	Protocol    uint8   // 9:10
	Checksum    uint16  // 10:12
	Source      [4]byte // 12:16
	Destination [4]byte // 16:20
}

// TCPHeader are the first 20 bytes of a TCP header. Does not include options.
type TCPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// The sequence number of the first data octet in this segment (except when SYN present)
	// If SYN present this is the Initial Sequence Number (ISN) and the first data octet would be ISN+1.
	Seq seqs.Value // 4:8
	// Value of the next sequence number (Seq field) the sender is expecting to receive (when ACK is present).
	// In other words an Ack of X indicates all octets up to but not including X have been received.
	// Once a connection is established the ACK flag should always be set.
	Ack seqs.Value // 8:12
	// Contains 4 bit TCP offset (in 32bit words), the 6 bit TCP flags field and a 6 bit reserved field.
	OffsetAndFlags [1]uint16 // 12:14 bitfield
	WindowSizeRaw  uint16    // 14:16
	Checksum       uint16    // 16:18
	UrgentPtr      uint16    // 18:20
}

// There are 9 flags, bits 100 thru 103 are reserved
const (
	// TCP words are 4 octals, or uint32s
	tcpWordlen         = 4
	tcpFlagmask uint16 = 0x01ff
)

// These are minimum sizes that do not take into consideration the presence of
// options or special tags (i.e: VLAN, IP/TCP Options).
const (
	SizeEthernetHeader = 14
	SizeIPv4Header     = 20
	SizeTCPHeader      = 20
	SizePseudoHeader   = 12
	// SizeTCPHeaderMax is the size of a TCP header with 40 bytes of options.
	SizeTCPHeaderMax = 60
	ipflagDontFrag   = 0x4000
	ipFlagMoreFrag   = 0x2000
	// IPProtocolTCP is the value of the IPv4 Protocol field for TCP.
	IPProtocolTCP = 6
)

var (
	errShortTCP     = errors.New("eth: segment shorter than TCP header")
	errShortOffset  = errors.New("eth: TCP data offset less than 5 words")
	errOffsetBeyond = errors.New("eth: TCP data offset exceeds segment length")
)

func IsBroadcastHW(hwaddr net.HardwareAddr) bool {
	// This comparison should be optimized by compiler to not allocate.
	// See bytes.Equal.
	return string(hwaddr) == broadcast
}

// Broadcast is a special hardware address which indicates a Frame should
// be sent to every device on a given LAN segment.
const broadcast = "\xff\xff\xff" + "\xff\xff\xff"

// AssertType returns the Size or EtherType field of the Ethernet frame as EtherType.
func (ethdr EthernetHeader) AssertType() EtherType { return EtherType(ethdr.SizeOrEtherType) }

// DecodeEthernetHeader decodes an ethernet frame from the first 14 bytes of buf.
// It does not handle 802.1Q VLAN situation where at least 4 more bytes must be decoded from wire.
func DecodeEthernetHeader(b []byte) (ethdr EthernetHeader) {
	_ = b[13]
	copy(ethdr.Destination[0:], b[0:])
	copy(ethdr.Source[0:], b[6:])
	ethdr.SizeOrEtherType = binary.BigEndian.Uint16(b[12:14])
	return ethdr
}

// IsVLAN returns true if the SizeOrEtherType is set to the VLAN tag 0x8100.
func (ethdr *EthernetHeader) IsVLAN() bool { return ethdr.SizeOrEtherType == uint16(EtherTypeVLAN) }

// Put marshals the ethernet frame onto buf. buf needs to be 14 bytes in length or Put panics.
func (ethdr *EthernetHeader) Put(buf []byte) {
	_ = buf[13]
	copy(buf[0:], ethdr.Destination[0:])
	copy(buf[6:], ethdr.Source[0:])
	binary.BigEndian.PutUint16(buf[12:14], ethdr.SizeOrEtherType)
}

// String returns a human readable representation of the Ethernet frame.
func (ethdr *EthernetHeader) String() string {
	var vlanstr string
	if ethdr.IsVLAN() {
		vlanstr = "(VLAN)"
	}
	return strcat("dst: ", net.HardwareAddr(ethdr.Destination[:]).String(), ", ",
		"src: ", net.HardwareAddr(ethdr.Source[:]).String(), ", ",
		"etype: ", ethdr.AssertType().String(), vlanstr)
}

// IHL returns the internet header length in 32bit words and is guaranteed to be within 0..15.
// Valid values for IHL are 5..15. When multiplied by 4 this yields number of bytes of the header, 20..60.
func (iphdr *IPv4Header) IHL() uint8     { return iphdr.VersionAndIHL & 0xf }
func (iphdr *IPv4Header) Version() uint8 { return iphdr.VersionAndIHL >> 4 }

// HeaderLength returns the length of the IPv4 header in bytes, options included.
func (iphdr *IPv4Header) HeaderLength() int { return int(iphdr.IHL()) * 4 }

func (iphdr *IPv4Header) String() string {
	return strcat("IPv4 ", net.IP(iphdr.Source[:]).String(), " -> ",
		net.IP(iphdr.Destination[:]).String(), " proto=", strconv.Itoa(int(iphdr.Protocol)),
		" len=", strconv.Itoa(int(iphdr.TotalLength)),
	)
}

// DecodeIPv4Header decodes a 20 byte IPv4 header from buf.
func DecodeIPv4Header(buf []byte) (iphdr IPv4Header) {
	_ = buf[19]
	iphdr.VersionAndIHL = buf[0]
	iphdr.ToS = buf[1]
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = IPFlags(binary.BigEndian.Uint16(buf[6:]))
	iphdr.TTL = buf[8]
	iphdr.Protocol = buf[9]
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr
}

// Put marshals the IPv4 frame onto buf. buf needs to be 20 bytes in length or Put panics.
func (iphdr *IPv4Header) Put(buf []byte) {
	_ = buf[19]
	buf[0] = (4 << 4) | (iphdr.VersionAndIHL & 0xf) // ignore set version.
	buf[1] = iphdr.ToS
	binary.BigEndian.PutUint16(buf[2:], iphdr.TotalLength)
	binary.BigEndian.PutUint16(buf[4:], iphdr.ID)
	binary.BigEndian.PutUint16(buf[6:], uint16(iphdr.Flags))
	buf[8] = iphdr.TTL
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:], iphdr.Checksum)
	copy(buf[12:16], iphdr.Source[:])
	copy(buf[16:20], iphdr.Destination[:])
}

// PutPseudo marshals the pseudo-header representation of IPv4 frame onto buf.
// buf needs to be 12 bytes in length or PutPseudo panics.
//
//	+--------+--------+--------+--------+
//	|           Source Address          |
//	+--------+--------+--------+--------+
//	|         Destination Address       |
//	+--------+--------+--------+--------+
//	|  zero  |  PTCL  |    TCP Length   |
//	+--------+--------+--------+--------+
//
// The TCP Length is the TCP header length plus the data length in octets
// (this is not an explicitly transmitted quantity, but is computed),
// and it does not count the 12 octets of the pseudo header (See [RFC 793])
//
// [RFC 793]: https://www.rfc-editor.org/rfc/rfc793
func (iphdr *IPv4Header) PutPseudo(buf []byte) {
	_ = buf[11]
	copy(buf[0:4], iphdr.Source[:])
	copy(buf[4:8], iphdr.Destination[:])
	buf[8] = 0
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:12], iphdr.TotalLength-uint16(iphdr.HeaderLength()))
}

// CalculateChecksum returns the header checksum of the IPv4 header with
// the Checksum field taken as zero. Options are not included.
func (iphdr *IPv4Header) CalculateChecksum() uint16 {
	var crc CRC791
	var buf [SizeIPv4Header]byte
	iphdr.Put(buf[:])
	binary.BigEndian.PutUint16(buf[10:], 0) // Zero out checksum field.
	crc.Write(buf[:])
	return crc.Sum16()
}

type IPFlags uint16

func (f IPFlags) DontFragment() bool     { return f&ipflagDontFrag != 0 }
func (f IPFlags) MoreFragments() bool    { return f&ipFlagMoreFrag != 0 }
func (f IPFlags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

// DecodeTCPHeader decodes a TCP header from buf and returns the TCPHeader
// and the offset in bytes to the payload. Panics if buf is less than 20 bytes in length.
// Use [ValidateTCP] beforehand on untrusted input.
func DecodeTCPHeader(buf []byte) (thdr TCPHeader, payloadOffset uint8) {
	_ = buf[19]
	thdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	thdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	thdr.Seq = seqs.Value(binary.BigEndian.Uint32(buf[4:]))
	thdr.Ack = seqs.Value(binary.BigEndian.Uint32(buf[8:]))
	thdr.OffsetAndFlags[0] = binary.BigEndian.Uint16(buf[12:])
	thdr.WindowSizeRaw = binary.BigEndian.Uint16(buf[14:])
	thdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	thdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return thdr, thdr.OffsetInBytes()
}

// ValidateTCP checks that segment holds a complete TCP header, including options,
// as declared by its data offset field.
func ValidateTCP(segment []byte) error {
	if len(segment) < SizeTCPHeader {
		return errShortTCP
	}
	offset := int(segment[12]>>4) * tcpWordlen
	switch {
	case offset < SizeTCPHeader:
		return errShortOffset
	case offset > len(segment):
		return errOffsetBeyond
	}
	return nil
}

// Put marshals the TCP frame onto buf. buf needs to be 20 bytes in length or Put panics.
func (thdr *TCPHeader) Put(buf []byte) {
	_ = buf[19]
	binary.BigEndian.PutUint16(buf[0:], thdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], thdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(thdr.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(thdr.Ack))
	binary.BigEndian.PutUint16(buf[12:], thdr.OffsetAndFlags[0])
	binary.BigEndian.PutUint16(buf[14:], thdr.WindowSizeRaw)
	binary.BigEndian.PutUint16(buf[16:], thdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], thdr.UrgentPtr)
}

// Offset specifies the size of the TCP header in 32-bit words. The minimum size
// header is 5 words and the maximum is 15 words thus giving the minimum size of
// 20 bytes and maximum of 60 bytes, allowing for up to 40 bytes of options in
// the header. This field gets its name from the fact that it is also the offset
// from the start of the TCP segment to the actual data.
func (thdr *TCPHeader) Offset() (tcpWords uint8) {
	return uint8(thdr.OffsetAndFlags[0] >> (8 + 4))
}

// OffsetInBytes returns the size of the TCP header in bytes, including options.
// See [TCPHeader.Offset] for more information.
func (thdr *TCPHeader) OffsetInBytes() uint8 {
	return thdr.Offset() * tcpWordlen
}

func (thdr *TCPHeader) Flags() seqs.Flags {
	return seqs.Flags(thdr.OffsetAndFlags[0] & tcpFlagmask)
}

func (thdr *TCPHeader) SetFlags(v seqs.Flags) {
	onlyOffset := thdr.OffsetAndFlags[0] &^ tcpFlagmask
	thdr.OffsetAndFlags[0] = onlyOffset | uint16(v)&tcpFlagmask
}

func (thdr *TCPHeader) SetOffset(tcpWords uint8) {
	if tcpWords > 0b1111 {
		panic("attempted to set an offset too large")
	}
	onlyFlags := thdr.OffsetAndFlags[0] & tcpFlagmask
	thdr.OffsetAndFlags[0] = onlyFlags | (uint16(tcpWords) << 12)
}

// WindowSize is a convenience method for obtaining a seqs.Size from the TCP header internal WindowSize 16bit field.
func (thdr *TCPHeader) WindowSize() seqs.Size {
	return seqs.Size(thdr.WindowSizeRaw)
}

// CalculateChecksumIPv4 calculates the checksum of the TCP header, options and payload.
// The IPv4 header must have its TotalLength and IHL fields set to match the segment.
func (thdr *TCPHeader) CalculateChecksumIPv4(pseudoHeader *IPv4Header, tcpOptions, payload []byte) uint16 {
	var crc CRC791
	var buf [SizePseudoHeader + SizeTCPHeader]byte
	pseudoHeader.PutPseudo(buf[:SizePseudoHeader])
	thdr.Put(buf[SizePseudoHeader:])
	// Zero out checksum field.
	binary.BigEndian.PutUint16(buf[SizePseudoHeader+16:SizePseudoHeader+18], 0)
	crc.Write(buf[:])
	crc.Write(tcpOptions)
	crc.Write(payload)
	return crc.Sum16()
}

func (thdr *TCPHeader) String() string {
	return strcat("TCP port ", u32toa(uint32(thdr.SourcePort)), "->", u32toa(uint32(thdr.DestinationPort)),
		thdr.Flags().String(), " seq ", u32toa(uint32(thdr.Seq)), " ack ", u32toa(uint32(thdr.Ack)))
}

func u32toa(u uint32) string {
	return strconv.FormatUint(uint64(u), 10)
}

func strcat(strs ...string) (s string) {
	for i := range strs {
		s += strs[i]
	}
	return s
}
