package eth

import "strconv"

// EtherType is the 16 bit field of an Ethernet frame that indicates which protocol
// is encapsulated in the payload. Values below 0x0600 are frame sizes (IEEE 802.3).
type EtherType uint16

// Ethertype values. From: http://en.wikipedia.org/wiki/Ethertype
const (
	EtherTypeIPv4        EtherType = 0x0800
	EtherTypeARP         EtherType = 0x0806
	EtherTypeIPv6        EtherType = 0x86DD
	EtherTypeVLAN        EtherType = 0x8100
	EtherTypeServiceVLAN EtherType = 0x88a8
	// minEthPayload is the minimum payload size for an Ethernet frame, assuming
	// that no 802.1Q VLAN tags are present.
	minEthPayload = 46
)

// TCP option kinds. See https://www.iana.org/assignments/tcp-parameters.
const (
	TCPOptEOL uint8 = 0
	TCPOptNOP uint8 = 1
	TCPOptMSS uint8 = 2
	// sizeOptMSS is the length of the MSS option: kind, length and 16 bit value.
	sizeOptMSS = 4
)

// MinFrameSize returns the minimum size of an Ethernet frame, header included.
// Shorter frames are padded with zeros by the sender.
func MinFrameSize() int { return SizeEthernetHeader + minEthPayload }

func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeIPv6:
		return "IPv6"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeServiceVLAN:
		return "ServiceVLAN"
	}
	if et < 0x0600 {
		return "size(" + strconv.Itoa(int(et)) + ")"
	}
	return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
}
