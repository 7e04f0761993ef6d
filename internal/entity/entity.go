// Package entity implements the protocol entity: the socket-table API and
// the background dispatcher that demultiplexes datagrams and drives the
// per-connection retransmission timers. It is the one package that knows
// both internal/ccb and internal/fsm, and the one place PDUs actually hit
// the wire.
package entity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/fsm"
	"github.com/rcarmo/simptcp/internal/logging"
	"github.com/rcarmo/simptcp/internal/pdu"
)

// Errors surfaced at the socket-table API boundary, on top of the ones
// fsm already defines.
var (
	ErrTooManyOpen   = errors.New("entity: too many open sockets")
	ErrBadDescriptor = errors.New("entity: bad socket descriptor")
	ErrAlreadyBound  = errors.New("entity: socket already bound")
)

const maxDatagramSize = 65535

// key demultiplexes an inbound datagram to a descriptor: a connected
// socket is keyed by its own local port plus the peer's address, so two
// children of the same listener (same local port, different peers) never
// collide.
type key struct {
	localPort uint16
	remote    string
}

// Entity owns the UDP socket, the fixed-size descriptor table, and the
// two background goroutines (datagram dispatch, timer scan) that replace
// a classic kernel's protocol stack for this connection-oriented,
// stream-like transport.
type Entity struct {
	conn   net.PacketConn
	logger *logging.Logger

	baseRTO         time.Duration
	retransmitLimit int

	mu      sync.Mutex
	table   []*ccb.CCB
	byKey   map[key]int
	byPort  map[uint16]int
	onStats StatsHook

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// StatsHook, when set, is invoked after the dispatcher has handled an
// incoming PDU, a timer expiry or a malformed datagram for a CCB.
// Counter changes made by the socket-table API calls themselves do not
// trigger it. internal/metrics does not use it: its collector polls
// Stats at scrape time.
type StatsHook func(id int, c *ccb.CCB)

// Options configures a new Entity.
type Options struct {
	MaxOpenSock     int
	BaseRTO         time.Duration
	RetransmitLimit int
	Logger          *logging.Logger
	OnStats         StatsHook
}

// New allocates an Entity bound to conn. The caller is responsible for
// creating conn (a *net.UDPConn normally, or a *secure.Listener wrapping
// DTLS).
func New(conn net.PacketConn, opts Options) *Entity {
	if opts.MaxOpenSock <= 0 {
		opts.MaxOpenSock = 64
	}
	if opts.BaseRTO <= 0 {
		opts.BaseRTO = ccb.DefaultBaseRTO
	}
	if opts.RetransmitLimit <= 0 {
		opts.RetransmitLimit = ccb.DefaultRetransmitLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Entity{
		conn:            conn,
		logger:          opts.Logger,
		baseRTO:         opts.BaseRTO,
		retransmitLimit: opts.RetransmitLimit,
		table:           make([]*ccb.CCB, opts.MaxOpenSock),
		byKey:           make(map[key]int),
		byPort:          make(map[uint16]int),
		onStats:         opts.OnStats,
		closeCh:         make(chan struct{}),
	}
}

// Start launches the dispatcher's two background goroutines: the
// datagram read loop and the timer-scan loop. It never busy-waits; the
// read loop blocks in ReadFrom and the scan loop blocks on a ticker.
func (e *Entity) Start() {
	e.wg.Add(2)
	go e.readLoop()
	go e.timeoutLoop()
}

// Stop closes the underlying connection and waits for both background
// goroutines to exit.
func (e *Entity) Stop() error {
	close(e.closeCh)
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

func (e *Entity) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
				e.logger.Warn("read loop: %v", err)
				return
			}
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		e.dispatch(raw, remote)
	}
}

func (e *Entity) timeoutLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.baseRTO)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			e.scanTimeouts()
		}
	}
}

func (e *Entity) scanTimeouts() {
	e.mu.Lock()
	ids := make([]int, 0, len(e.table))
	for id, c := range e.table {
		if c != nil {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		c := e.table[id]
		e.mu.Unlock()
		if c == nil {
			continue
		}
		c.Lock()
		if !c.Expired() {
			c.Unlock()
			continue
		}
		fsm.Timeout(c, e)
		e.report(id, c)
	}
}

// dispatch decodes a raw datagram and routes it to the CCB it belongs to,
// or silently drops it. Codec failures (BadChecksum/Truncated/BadHeader)
// and datagrams addressed to no known socket are both internal-only: the
// spec requires they never reach the application, but a failed decode
// still counts against the destination socket's input_errors.
func (e *Entity) dispatch(raw []byte, remote net.Addr) {
	in, err := pdu.Decode(raw)
	if err != nil {
		e.logger.Debug("dropping malformed PDU from %s: %v", remote, err)
		e.countInputError(raw, remote)
		return
	}

	e.mu.Lock()
	id, ok := e.byKey[key{localPort: in.DstPort, remote: remote.String()}]
	if !ok {
		id, ok = e.byPort[in.DstPort]
	}
	var c *ccb.CCB
	if ok {
		c = e.table[id]
	}
	e.mu.Unlock()

	if c == nil {
		e.logger.Debug("no socket bound to port %d, dropping PDU from %s", in.DstPort, remote)
		return
	}

	c.Lock()
	fsm.ProcessPDU(c, e, remote, in)
	e.report(id, c)
}

// countInputError attributes a decode failure to the socket it was
// addressed to. The destination port sits at a fixed offset regardless
// of which validation step failed, so it can be read directly off the
// raw bytes even though pdu.Decode refused to return a PDU; a datagram
// too short to carry even that much has nothing to attribute the drop
// to and is just logged.
func (e *Entity) countInputError(raw []byte, remote net.Addr) {
	if len(raw) < 4 {
		e.logger.Debug("malformed PDU from %s too short to attribute (%d bytes)", remote, len(raw))
		return
	}
	dstPort := binary.BigEndian.Uint16(raw[2:4])

	e.mu.Lock()
	id, ok := e.byKey[key{localPort: dstPort, remote: remote.String()}]
	if !ok {
		id, ok = e.byPort[dstPort]
	}
	var c *ccb.CCB
	if ok {
		c = e.table[id]
	}
	e.mu.Unlock()

	if c == nil {
		return
	}
	c.Lock()
	c.Stats.InputErrors++
	c.Unlock()
	e.report(id, c)
}

func (e *Entity) report(id int, c *ccb.CCB) {
	if e.onStats != nil {
		e.onStats(id, c)
	}
}

// SendRaw implements fsm.Sink: it writes a framed PDU to the datagram
// channel. Errors here are not retried by Entity itself — fsm's own
// retransmission timer covers loss, and a hard transport error fails the
// connection outright (see fsm.fail).
func (e *Entity) SendRaw(local, remote net.Addr, raw []byte) error {
	_, err := e.conn.WriteTo(raw, remote)
	return err
}

// SpawnChild implements fsm.Sink: allocate a fresh descriptor for a
// half-open connection accepted by a listener, and register it in the
// demux table keyed on (listener's local port, peer address) so the rest
// of the handshake and all subsequent data routes to it instead of back
// to the listener.
func (e *Entity) SpawnChild(listener *ccb.CCB, remote net.Addr) (*ccb.CCB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.allocateLocked()
	if !ok {
		return nil, ErrTooManyOpen
	}
	child := ccb.New(id)
	child.RetransmitLimit = e.retransmitLimit
	child.BaseRTO = e.baseRTO
	e.table[id] = child
	e.byKey[key{localPort: addr16(listener.LocalAddr), remote: remote.String()}] = id
	return child, nil
}

func (e *Entity) allocateLocked() (int, bool) {
	for id, slot := range e.table {
		if slot == nil {
			return id, true
		}
	}
	return 0, false
}

func addr16(a net.Addr) uint16 {
	if u, ok := a.(*net.UDPAddr); ok {
		return uint16(u.Port)
	}
	return 0
}

func (e *Entity) get(id int) *ccb.CCB {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || id >= len(e.table) {
		return nil
	}
	return e.table[id]
}

func (e *Entity) lookup(id int) (*ccb.CCB, bool) {
	c := e.get(id)
	return c, c != nil
}

func (e *Entity) String() string {
	return fmt.Sprintf("entity(%s)", e.conn.LocalAddr())
}
