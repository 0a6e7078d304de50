package tcpctl

import (
	"github.com/soypat/seqs"
)

// ConnState contains the state of a TCP connection likely to change throughout
// the connection's lifetime. Sequence numbers are kept as a base captured at
// connection open plus an offset, so they are never re-read from the wire as absolutes.
//
// ConnState methods are pure: they return the next state and never modify the receiver.
// Callers are expected to commit the returned state under their own lock.
type ConnState struct {
	// # Send Sequence Space
	//
	//	      1          2          3
	//	----------|----------|----------
	//	   LocalSeqBase  LocalSeqBase
	//	              +LocalNext
	//	1. sequence numbers already sent, including our SYN
	//	2. sequence numbers of staged data not yet sent
	//	3. future sequence numbers
	LocalSeqBase seqs.Value
	LocalNext    seqs.Size
	// # Receive Sequence Space
	//
	//	      1          2
	//	----------|----------
	//	   RemoteSeqBase
	//	    +RemoteNext
	//	1 - sequence numbers received and acknowledged, including the peer's SYN
	//	2 - sequence numbers expected next
	RemoteSeqBase seqs.Value
	RemoteNext    seqs.Size
	State         State
}

// SendNext returns the sequence number of the next octet we will send.
func (cs ConnState) SendNext() seqs.Value { return seqs.Add(cs.LocalSeqBase, cs.LocalNext) }

// RecvNext returns the sequence number of the next octet expected from the peer.
func (cs ConnState) RecvNext() seqs.Value { return seqs.Add(cs.RemoteSeqBase, cs.RemoteNext) }

// Listen returns the state of a new connection opened by a SYN segment.
// Only a segment with SYN as the only flag opens a connection.
func Listen(seg Segment, iss seqs.Value) (ConnState, Action, error) {
	if seg.Flags != seqs.FlagSYN {
		return ConnState{}, Action{}, ErrNotSYN
	}
	next := ConnState{
		LocalSeqBase:  iss,
		LocalNext:     1, // Our SYN.
		RemoteSeqBase: seg.SEQ,
		RemoteNext:    1, // Their SYN.
		State:         StateSynRcvd,
	}
	return next, Action{Reply: seqs.FlagSYN | seqs.FlagACK}, nil
}

// Rcv computes the transition of the connection after receiving seg.
// seg.Flags must have been sanitized with [SanitizeFlags]. A non-nil
// error means the segment must be dropped and the connection left as is.
func (cs ConnState) Rcv(seg Segment) (next ConnState, act Action, err error) {
	if !cs.State.IsOpen() {
		return cs, Action{}, ErrNotOpen
	}
	next = cs
	flags := seg.Flags
	switch {
	case flags.HasAny(seqs.FlagRST):
		act.Release = true
		next.State = StateClosed
		return next, act, nil

	case flags.HasAny(seqs.FlagSYN):
		// Duplicate handshake. Sequence bases are kept and the SYN,ACK resent.
		act.Reply = seqs.FlagSYN | seqs.FlagACK
		return next, act, nil
	}

	if cs.State == StateSynRcvd {
		if !flags.HasAny(seqs.FlagACK) || seg.ACK != cs.SendNext() {
			return cs, Action{}, ErrBadAck
		}
		next.State = StateEstablished
		// Fall through to process data or FIN carried by the handshake ACK.
	}

	hasFIN := flags.HasAny(seqs.FlagFIN)
	consumesSeq := seg.DATALEN > 0 || hasFIN || flags.HasAny(seqs.FlagPSH)
	switch next.State {
	case StateEstablished:
		if !consumesSeq {
			return next, act, nil // Pure ACK.
		}
		act.Reply = seqs.FlagACK
		if seg.SEQ != next.RecvNext() {
			return next, act, nil // Old or out of order. Reacknowledge what we have.
		}
		act.Deliver = seg.DATALEN > 0
		next.RemoteNext += seg.DATALEN
		if hasFIN {
			next.RemoteNext++
			next.State = StateCloseWait
		}

	case StateCloseWait:
		if consumesSeq {
			act.Reply = seqs.FlagACK // Peer retransmission, nothing is accepted after their FIN.
		}

	case StateClosing:
		if flags.HasAny(seqs.FlagACK) && seg.ACK == cs.SendNext() {
			act.Release = true
			next.State = StateClosed
			return next, act, nil
		}
		if consumesSeq {
			act.Reply = seqs.FlagACK
		}
	}
	return next, act, nil
}

// Close computes the transition after the local side has no more data to send.
// Only a connection in CloseWait sends its FIN, in all other states Close is a no-op
// with a zero Action. The returned state accounts for the FIN in LocalNext.
func (cs ConnState) Close() (next ConnState, act Action) {
	if cs.State != StateCloseWait {
		return cs, Action{}
	}
	next = cs
	next.State = StateClosing
	next.LocalNext++
	return next, Action{Reply: seqs.FlagFIN | seqs.FlagACK}
}

// Sent returns the state after n octets of data were sent.
func (cs ConnState) Sent(n seqs.Size) ConnState {
	cs.LocalNext += n
	return cs
}
