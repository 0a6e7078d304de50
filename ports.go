package cywtcp

import (
	"errors"
	"strconv"
	"sync"

	"github.com/soypat/cywtcp/internal/tcpctl/eth"
)

// Handler is implemented by application services bound to a listening port.
// HandleTCP receives in-order payload for the connection h. The payload is only valid
// during the call. Reply data may be staged with [Stack.Send]; it is sent after the
// stack acknowledges the received payload.
type Handler interface {
	HandleTCP(s *Stack, h SocketHandle, payload []byte)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(s *Stack, h SocketHandle, payload []byte)

func (f HandlerFunc) HandleTCP(s *Stack, h SocketHandle, payload []byte) { f(s, h, payload) }

// PortEntry is a listening port and the service that handles its connections.
type PortEntry struct {
	Port uint16
	// Protocol is the IPv4 protocol number. Always TCP.
	Protocol uint8
	Handler  Handler
}

func (pe PortEntry) String() string {
	return "tcp:" + strconv.Itoa(int(pe.Port))
}

// PortRegistry is a fixed capacity table of listening ports. Entries live for
// the lifetime of the registry, there is no way to unregister a port.
type PortRegistry struct {
	mu      sync.RWMutex
	entries []PortEntry
}

// NewPortRegistry allocates a registry for up to capacity ports.
func NewPortRegistry(capacity int) *PortRegistry {
	return &PortRegistry{entries: make([]PortEntry, 0, capacity)}
}

// Register binds handler to port. A port may be registered only once.
func (pr *PortRegistry) Register(port uint16, handler Handler) error {
	if port == 0 {
		return errors.New("cannot register port 0")
	} else if handler == nil {
		return errors.New("nil handler")
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for i := range pr.entries {
		if pr.entries[i].Port == port {
			return ErrPortInUse
		}
	}
	if len(pr.entries) == cap(pr.entries) {
		return ErrPortsFull
	}
	pr.entries = append(pr.entries, PortEntry{Port: port, Protocol: eth.IPProtocolTCP, Handler: handler})
	return nil
}

// Lookup returns the entry registered for port.
func (pr *PortRegistry) Lookup(port uint16) (PortEntry, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	for i := range pr.entries {
		if pr.entries[i].Port == port {
			return pr.entries[i], true
		}
	}
	return PortEntry{}, false
}

// Len returns the number of registered ports.
func (pr *PortRegistry) Len() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.entries)
}
