package tcpctl

import (
	"errors"

	"github.com/soypat/seqs"
)

// State enumerates states a server side TCP connection progresses through during its lifetime.
// Active open and the states reachable only through it are not represented.
//
//go:generate stringer -type=State -trimprefix=State
type State uint8

const (
	// CLOSED - represents no connection state at all. A socket slot in this state is free.
	StateClosed State = iota
	// SYN-RECEIVED - represents waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd
	// ESTABLISHED - represents an open connection, data received can be delivered
	// to the user.  The normal state for the data transfer phase of the connection.
	StateEstablished
	// CLOSE-WAIT - represents waiting for a connection termination request
	// from the local user. Staged data may still be sent.
	StateCloseWait
	// CLOSING - represents waiting for the acknowledgment of our connection
	// termination request, which was sent after the remote one was acknowledged.
	StateClosing
)

// IsOpen reports whether the state corresponds to a live connection.
func (s State) IsOpen() bool { return s != StateClosed && s <= StateClosing }

// CanSend reports whether staged data may still be sent in this state.
func (s State) CanSend() bool { return s == StateEstablished || s == StateCloseWait }

// Segment is the host-order view of an incoming TCP segment relevant to connection state.
type Segment struct {
	SEQ     seqs.Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN).
	ACK     seqs.Value // acknowledgment number. Only significant with ACK set.
	DATALEN seqs.Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	Flags   seqs.Flags // TCP flags, URG and ECN bits already stripped.
}

// Action is the side effect a transition requests from the segment processor.
// The zero Action means the segment is accepted and nothing further is done.
type Action struct {
	// Reply holds the flags of the control segment to send back. Zero for no reply.
	Reply seqs.Flags
	// Deliver is set when the segment payload is in order and must be passed to the port handler.
	Deliver bool
	// Release is set when the connection is finished and its socket must be freed.
	Release bool
}

// Errors returned by transitions. All of them mean the segment is dropped
// and the connection state is left untouched.
var (
	ErrInvalidFlags = errors.New("invalid flag combination")
	ErrNotSYN       = errors.New("expected SYN to open connection")
	ErrBadAck       = errors.New("segment acknowledges unsent data")
	ErrNotOpen      = errors.New("connection not open")
)

// flags with no meaning to this implementation. Urgent data is not supported.
const ignoredFlags = seqs.FlagURG | seqs.FlagECE | seqs.FlagCWR | seqs.FlagNS

// SanitizeFlags strips URG and ECN flags and reports whether the remaining combination
// may reach the state table. No flags, SYN+FIN and SYN+RST are rejected.
func SanitizeFlags(flags seqs.Flags) (seqs.Flags, error) {
	flags &^= ignoredFlags
	switch {
	case flags == 0:
		return 0, ErrInvalidFlags
	case flags.HasAll(seqs.FlagSYN | seqs.FlagFIN):
		return flags, ErrInvalidFlags
	case flags.HasAll(seqs.FlagSYN | seqs.FlagRST):
		return flags, ErrInvalidFlags
	}
	return flags, nil
}
