package cywtcp

import (
	"fmt"
	"log/slog"

	"github.com/soypat/cywtcp/internal/tcpctl/eth"
)

// Link is the MAC driver boundary. Frames are full Ethernet frames without FCS.
type Link interface {
	// SendEth sends an Ethernet frame. The frame is not retained after the call.
	SendEth(frame []byte) error
	// RecvEth reads one frame into buf and returns its length.
	// A length of zero and nil error means no frame was available.
	RecvEth(buf []byte) (int, error)
}

// MTU returns the maximum IPv4 packet size the stack sends in a frame.
func (s *Stack) MTU() int { return s.bufSize - eth.SizeEthernetHeader }

// HardwareAddr6 returns the stack's 6-byte MAC address.
func (s *Stack) HardwareAddr6() [6]byte { return s.mac }

// PollLink reads one frame from the link into buf and processes it.
// It returns true if a frame was read. Frames that are dropped do
// not produce an error, the drop is logged and counted.
func (s *Stack) PollLink(buf []byte) (bool, error) {
	n, err := s.link.RecvEth(buf)
	if err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}
	err = s.RecvEth(buf[:n])
	if err != nil {
		s.trace("PollLink:drop", slog.String("err", err.Error()))
	}
	return true, nil
}

// RecvEth validates an Ethernet+IPv4 frame and passes the TCP segment it carries to [Stack.RecvTCP].
// Frames not addressed to the stack, non-IPv4 frames and non-TCP packets are ignored
// and a nil error is returned.
func (s *Stack) RecvEth(frame []byte) (err error) {
	if len(frame) < eth.SizeEthernetHeader+eth.SizeIPv4Header {
		s.dropped.Add(1)
		return errShortFrame
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	if s.mac != [6]byte{} && !eth.IsBroadcastHW(ehdr.Destination[:]) && ehdr.Destination != s.mac {
		return nil // Not for us.
	} else if ehdr.AssertType() != eth.EtherTypeIPv4 {
		return nil // ARP, IPv6 and VLAN tagged frames are handled elsewhere.
	}

	ipbuf := frame[eth.SizeEthernetHeader:]
	ihdr := eth.DecodeIPv4Header(ipbuf)
	hlen := ihdr.HeaderLength()
	switch {
	case ihdr.Version() != 4 || hlen < eth.SizeIPv4Header:
		err = fmt.Errorf("%w: version=%d IHL=%d", errBadIP, ihdr.Version(), ihdr.IHL())
	case int(ihdr.TotalLength) > len(ipbuf) || int(ihdr.TotalLength) < hlen:
		err = fmt.Errorf("%w: total length %d for %d byte buffer", errBadIP, ihdr.TotalLength, len(ipbuf))
	case ihdr.Flags.MoreFragments() || ihdr.Flags.FragmentOffset() != 0:
		err = errFragmented
	case !s.skipChecksum && eth.Checksum(nil, ipbuf[:hlen]) != 0:
		err = fmt.Errorf("%w: header checksum mismatch", errBadIP)
	}
	if err != nil {
		s.dropped.Add(1)
		return err
	}
	if s.ip != [4]byte{} && ihdr.Destination != s.ip {
		return nil // Not for us.
	} else if ihdr.Protocol != eth.IPProtocolTCP {
		return nil
	}
	return s.RecvTCP(ihdr.Source, ihdr.Destination, ehdr.Source, ipbuf[hlen:ihdr.TotalLength])
}
