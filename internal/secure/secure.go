// Package secure wraps the datagram channel internal/entity reads and
// writes with DTLS, so the PDUs simptcp exchanges on the wire are
// encrypted and authenticated end to end. The underlying FSM, PDU codec
// and socket table are unaware of this layer: they only ever see a
// net.PacketConn.
package secure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/rcarmo/simptcp/internal/config"
	"github.com/rcarmo/simptcp/internal/logging"
)

// ErrClosed is returned by operations on a channel that has already been
// closed.
var ErrClosed = errors.New("secure: channel closed")

// NewDTLSConfig builds a pion dtls.Config from the application's
// SecureConfig, loading the certificate/key pair when one is configured.
func NewDTLSConfig(cfg config.SecureConfig) (*dtls.Config, error) {
	dtlsCfg := &dtls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("secure: load key pair: %w", err)
		}
		dtlsCfg.Certificates = []tls.Certificate{cert}
	}

	return dtlsCfg, nil
}

// DialClient opens a DTLS session to remote and adapts it to a
// net.PacketConn carrying exactly that one peer, so internal/entity can
// drive it the same way it drives a plain *net.UDPConn.
func DialClient(ctx context.Context, remote *net.UDPAddr, dtlsCfg *dtls.Config) (net.PacketConn, error) {
	conn, err := dtls.DialWithContext(ctx, "udp", remote, dtlsCfg)
	if err != nil {
		return nil, fmt.Errorf("secure: dial %s: %w", remote, err)
	}
	return &singlePeerConn{conn: conn, peer: remote}, nil
}

// singlePeerConn adapts a single *dtls.Conn (one fixed peer) to
// net.PacketConn, the shape internal/entity expects.
type singlePeerConn struct {
	conn net.Conn
	peer net.Addr
}

func (c *singlePeerConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(p)
	return n, c.peer, err
}

func (c *singlePeerConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.conn.Write(p)
}

func (c *singlePeerConn) Close() error        { return c.conn.Close() }
func (c *singlePeerConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *singlePeerConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *singlePeerConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *singlePeerConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Listener accepts DTLS sessions from multiple peers and multiplexes
// their decrypted payloads onto a single net.PacketConn, mirroring the
// reference's per-tunnel keyed demux (see internal/entity's own byKey
// map) one layer further down the stack.
type Listener struct {
	mu      sync.Mutex
	peers   map[string]net.Conn
	inbound chan inboundPacket
	local   net.Addr
	logger  *logging.Logger
	closeCh chan struct{}
}

type inboundPacket struct {
	data []byte
	from net.Addr
	err  error
}

// ListenServer starts accepting DTLS sessions on local and returns a
// net.PacketConn multiplexing every connected peer.
func ListenServer(local *net.UDPAddr, dtlsCfg *dtls.Config, logger *logging.Logger) (*Listener, error) {
	ln, err := dtls.Listen("udp", local, dtlsCfg)
	if err != nil {
		return nil, fmt.Errorf("secure: listen %s: %w", local, err)
	}
	if logger == nil {
		logger = logging.Default()
	}

	l := &Listener{
		peers:   make(map[string]net.Conn),
		inbound: make(chan inboundPacket, 64),
		local:   ln.Addr(),
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	go l.acceptLoop(ln)
	return l, nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				l.logger.Warn("secure: accept: %v", err)
				return
			}
		}
		l.mu.Lock()
		l.peers[conn.RemoteAddr().String()] = conn
		l.mu.Unlock()
		go l.readLoop(conn)
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			l.mu.Lock()
			delete(l.peers, conn.RemoteAddr().String())
			l.mu.Unlock()
			l.inbound <- inboundPacket{err: err, from: conn.RemoteAddr()}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.inbound <- inboundPacket{data: data, from: conn.RemoteAddr()}
	}
}

// ReadFrom implements net.PacketConn.
func (l *Listener) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-l.inbound:
		if pkt.err != nil {
			return 0, pkt.from, pkt.err
		}
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-l.closeCh:
		return 0, nil, ErrClosed
	}
}

// WriteTo implements net.PacketConn, routing to whichever peer's DTLS
// session matches addr.
func (l *Listener) WriteTo(p []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	conn, ok := l.peers[addr.String()]
	l.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("secure: no session for %s", addr)
	}
	return conn.Write(p)
}

// Close implements net.PacketConn.
func (l *Listener) Close() error {
	close(l.closeCh)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.peers {
		_ = conn.Close()
	}
	return nil
}

// LocalAddr implements net.PacketConn.
func (l *Listener) LocalAddr() net.Addr { return l.local }

// SetDeadline, SetReadDeadline and SetWriteDeadline are no-ops: each
// multiplexed peer's DTLS session manages its own read/write deadlines,
// and the demuxed ReadFrom above blocks on the shared inbound channel
// instead of a single socket's deadline.
func (l *Listener) SetDeadline(t time.Time) error      { return nil }
func (l *Listener) SetReadDeadline(t time.Time) error  { return nil }
func (l *Listener) SetWriteDeadline(t time.Time) error { return nil }
