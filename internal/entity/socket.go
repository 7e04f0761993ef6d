package entity

import (
	"net"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/fsm"
)

// Create allocates a fresh descriptor in CLOSED state, or returns
// ErrTooManyOpen when the table is full. It is the only API call that
// returns ErrTooManyOpen: when a SYN reaches a listener while the table
// is full, SpawnChild fails and the SYN is dropped without any caller
// seeing the error.
func (e *Entity) Create() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.allocateLocked()
	if !ok {
		return 0, ErrTooManyOpen
	}
	c := ccb.New(id)
	c.RetransmitLimit = e.retransmitLimit
	c.BaseRTO = e.baseRTO
	e.table[id] = c
	return id, nil
}

// Bind assigns the descriptor's local address. It must be called before
// Connect or Listen if the caller cares which address is used; otherwise
// Connect/Listen fall back to the Entity's own bound UDP address.
func (e *Entity) Bind(id int, local *net.UDPAddr) error {
	c := e.get(id)
	if c == nil {
		return ErrBadDescriptor
	}
	c.Lock()
	defer c.Unlock()
	if c.State != ccb.StateClosed {
		return fsm.ErrWrongState
	}
	if c.LocalAddr != nil {
		return ErrAlreadyBound
	}
	c.LocalAddr = local
	return nil
}

// ensureLocalAddr returns the descriptor's bound address, defaulting to
// the Entity's own underlying UDP address: every socket opened through
// one Entity shares that one real endpoint, and multiple connections on
// it are told apart by remote peer address, exactly like a listening
// socket accepting many peers on one bound port.
func (e *Entity) ensureLocalAddr(c *ccb.CCB, id int) net.Addr {
	c.Lock()
	local := c.LocalAddr
	c.Unlock()
	if local != nil {
		return local
	}
	local = e.conn.LocalAddr()
	c.Lock()
	c.LocalAddr = local
	c.Unlock()
	return local
}

// Connect implements connect(): the active open half of the three-way
// handshake. It blocks until ESTABLISHED or ErrConnectionFailed.
func (e *Entity) Connect(id int, remote *net.UDPAddr) error {
	c := e.get(id)
	if c == nil {
		return ErrBadDescriptor
	}
	local := e.ensureLocalAddr(c, id)

	e.mu.Lock()
	e.byKey[key{localPort: addr16(local), remote: remote.String()}] = id
	e.mu.Unlock()

	return fsm.ActiveOpen(c, e, local, remote)
}

// Listen implements listen(): the passive open half. Never blocks.
func (e *Entity) Listen(id int, backlog int) error {
	c := e.get(id)
	if c == nil {
		return ErrBadDescriptor
	}
	local := e.ensureLocalAddr(c, id)

	if err := fsm.PassiveOpen(c, local, backlog); err != nil {
		return err
	}

	e.mu.Lock()
	e.byPort[addr16(local)] = id
	e.mu.Unlock()
	return nil
}

// Accept implements accept(): block for a queued half-open child, finish
// its handshake, and return its descriptor once ESTABLISHED.
func (e *Entity) Accept(id int) (int, error) {
	listener := e.get(id)
	if listener == nil {
		return 0, ErrBadDescriptor
	}
	child, err := fsm.Accept(listener, e, e.lookup)
	if err != nil {
		return 0, err
	}
	return child.ID, nil
}

// Send implements send(data): stop-and-wait, blocks until the PDU is
// ACKed or the connection fails.
func (e *Entity) Send(id int, data []byte) (int, error) {
	c := e.get(id)
	if c == nil {
		return 0, ErrBadDescriptor
	}
	return fsm.Send(c, e, data)
}

// Recv implements recv(): blocks for the next in-order data PDU, or
// returns ErrConnectionClosed once the peer's FIN has been seen and the
// buffer drained.
func (e *Entity) Recv(id int, max int) ([]byte, error) {
	c := e.get(id)
	if c == nil {
		return nil, ErrBadDescriptor
	}
	return fsm.Recv(c, max)
}

// Shutdown implements shutdown(): initiate (or continue) a graceful
// close, blocking until the full close cycle completes.
func (e *Entity) Shutdown(id int, how fsm.ShutdownHow) error {
	c := e.get(id)
	if c == nil {
		return ErrBadDescriptor
	}
	return fsm.Shutdown(c, e, how)
}

// Close implements close(): release the descriptor. Never blocks; the
// only error is ErrBadDescriptor for a descriptor that is not allocated.
func (e *Entity) Close(id int) error {
	c := e.get(id)
	if c == nil {
		return ErrBadDescriptor
	}
	fsm.Close(c)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.table[id] = nil
	for k, v := range e.byKey {
		if v == id {
			delete(e.byKey, k)
		}
	}
	for k, v := range e.byPort {
		if v == id {
			delete(e.byPort, k)
		}
	}
	return nil
}

// Stats returns a snapshot of the descriptor's counters, for diagnostics
// and the metrics collector.
func (e *Entity) Stats(id int) (ccb.Stats, ccb.State, bool) {
	c := e.get(id)
	if c == nil {
		return ccb.Stats{}, ccb.StateClosed, false
	}
	c.Lock()
	defer c.Unlock()
	return c.Stats, c.State, true
}

// Descriptors returns the ids of every currently allocated socket, for
// the metrics collector and diagnostics feed to iterate over.
func (e *Entity) Descriptors() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.table))
	for id, c := range e.table {
		if c != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
