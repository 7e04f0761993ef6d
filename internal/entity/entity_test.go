package entity

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/fsm"
)

func newLoopbackEntity(t *testing.T) (*Entity, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	e := New(conn, Options{MaxOpenSock: 8, BaseRTO: 30 * time.Millisecond, RetransmitLimit: 5})
	e.Start()
	t.Cleanup(func() { _ = e.Stop() })
	return e, conn.LocalAddr().(*net.UDPAddr)
}

// TestHandshakeAndDataExchange drives a full client/server session across
// two real Entity instances talking over loopback UDP: three-way
// handshake, one stop-and-wait data transfer in each direction, then a
// graceful close started by the client and completed by the server (the
// client's Shutdown only returns once the server's FIN has been seen and
// TIMEWAIT has elapsed). This is the dispatcher/socket-table
// analogue of the reference scenarios for connection setup, data
// transfer, and close.
func TestHandshakeAndDataExchange(t *testing.T) {
	server, serverAddr := newLoopbackEntity(t)
	client, _ := newLoopbackEntity(t)

	listenerID, err := server.Create()
	require.NoError(t, err)
	require.NoError(t, server.Bind(listenerID, serverAddr))
	require.NoError(t, server.Listen(listenerID, 4))

	acceptDone := make(chan int, 1)
	acceptErr := make(chan error, 1)
	go func() {
		childID, err := server.Accept(listenerID)
		acceptDone <- childID
		acceptErr <- err
	}()

	clientID, err := client.Create()
	require.NoError(t, err)
	require.NoError(t, client.Connect(clientID, serverAddr))

	require.NoError(t, <-acceptErr)
	childID := <-acceptDone

	n, err := client.Send(clientID, []byte("hello server"))
	require.NoError(t, err)
	assert.Equal(t, len("hello server"), n)

	data, err := server.Recv(childID, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello server", string(data))

	n, err = server.Send(childID, []byte("hello client"))
	require.NoError(t, err)
	assert.Equal(t, len("hello client"), n)

	data, err = client.Recv(clientID, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello client", string(data))

	clientShutdownErr := make(chan error, 1)
	go func() { clientShutdownErr <- client.Shutdown(clientID, fsm.ShutdownBoth) }()

	_, err = server.Recv(childID, 64)
	assert.ErrorIs(t, err, fsm.ErrConnectionClosed)

	require.NoError(t, server.Shutdown(childID, fsm.ShutdownBoth))
	require.NoError(t, <-clientShutdownErr)

	require.NoError(t, client.Close(clientID))
	require.NoError(t, server.Close(childID))
	require.NoError(t, server.Close(listenerID))
}

// TestTableExhaustion covers property/error-taxonomy coverage for
// create(): once MaxOpenSock descriptors are allocated, the next create()
// must fail with ErrTooManyOpen rather than blocking or panicking.
func TestTableExhaustion(t *testing.T) {
	e, _ := newLoopbackEntity(t)

	for i := 0; i < 8; i++ {
		_, err := e.Create()
		require.NoError(t, err)
	}

	_, err := e.Create()
	assert.ErrorIs(t, err, ErrTooManyOpen)
}

// TestOperationsOnBadDescriptor exercises the socket-table API's error
// taxonomy for descriptors that were never allocated or already closed.
func TestOperationsOnBadDescriptor(t *testing.T) {
	e, _ := newLoopbackEntity(t)

	_, err := e.Send(999, []byte("x"))
	assert.ErrorIs(t, err, ErrBadDescriptor)

	_, err = e.Recv(999, 16)
	assert.ErrorIs(t, err, ErrBadDescriptor)

	err = e.Shutdown(999, fsm.ShutdownBoth)
	assert.ErrorIs(t, err, ErrBadDescriptor)
}

// TestSendOnUnconnectedSocketIsWrongState confirms create()'d-but-never-
// connected sockets reject send() per the (state, event) table instead of
// blocking forever.
func TestSendOnUnconnectedSocketIsWrongState(t *testing.T) {
	e, _ := newLoopbackEntity(t)
	id, err := e.Create()
	require.NoError(t, err)

	_, err = e.Send(id, []byte("x"))
	assert.ErrorIs(t, err, fsm.ErrWrongState)
}

// TestStatsReflectTraffic checks that the socket table's Stats accessor,
// the basis for the metrics collector, actually reflects PDUs exchanged
// during a handshake.
func TestStatsReflectTraffic(t *testing.T) {
	server, serverAddr := newLoopbackEntity(t)
	client, _ := newLoopbackEntity(t)

	listenerID, err := server.Create()
	require.NoError(t, err)
	require.NoError(t, server.Bind(listenerID, serverAddr))
	require.NoError(t, server.Listen(listenerID, 4))

	acceptErr := make(chan error, 1)
	go func() {
		_, err := server.Accept(listenerID)
		acceptErr <- err
	}()

	clientID, err := client.Create()
	require.NoError(t, err)
	require.NoError(t, client.Connect(clientID, serverAddr))
	require.NoError(t, <-acceptErr)

	stats, state, ok := client.Stats(clientID)
	require.True(t, ok)
	assert.Equal(t, ccb.StateEstablished, state)
	assert.GreaterOrEqual(t, stats.PDUsSent, uint64(1))
	assert.GreaterOrEqual(t, stats.PDUsReceived, uint64(1))
}

// TestMalformedPDUCountsAsInputError confirms a datagram that fails PDU
// validation (here: a checksum mismatch) is still attributed to its
// destination socket's input_errors counter, not just logged and
// forgotten.
func TestMalformedPDUCountsAsInputError(t *testing.T) {
	server, serverAddr := newLoopbackEntity(t)

	listenerID, err := server.Create()
	require.NoError(t, err)
	require.NoError(t, server.Bind(listenerID, serverAddr))
	require.NoError(t, server.Listen(listenerID, 4))

	attacker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer attacker.Close()

	raw := make([]byte, 16)
	binary.BigEndian.PutUint16(raw[2:4], uint16(serverAddr.Port))
	raw[8] = 16
	binary.BigEndian.PutUint16(raw[10:12], 16)
	binary.BigEndian.PutUint16(raw[14:16], 0xDEAD) // deliberately wrong checksum

	_, err = attacker.WriteToUDP(raw, serverAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _, ok := server.Stats(listenerID)
		return ok && stats.InputErrors >= 1
	}, time.Second, 10*time.Millisecond)
}
