package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func newTestProxy(t *testing.T) (*Proxy, *PipeTransport) {
	t.Helper()
	logger := NewLogger("test", LogLevelTrace)
	transport := NewPipeTransport(64)
	proxy := NewProxy(logger, "t1", 0, 9000, true, transport)
	require.NoError(t, proxy.StartListening(context.Background()))
	t.Cleanup(func() { proxy.Close() })
	return proxy, transport
}

func recvEvent(t *testing.T, transport *PipeTransport) *TunnelMessage {
	t.Helper()
	frame, ok := transport.Recv(testTimeout)
	require.True(t, ok, "expected a frame before timeout")
	msg, err := Decode(frame)
	require.NoError(t, err)
	return msg
}

func TestHappyPathSingleClient(t *testing.T) {
	proxy, transport := newTestProxy(t)

	created := recvEvent(t, transport)
	assert.Equal(t, EventProxyCreated, created.Event)
	assert.True(t, created.UseIPv4)
	assert.EqualValues(t, 9000, created.RemotePort)

	addr := proxy.LocalAddr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	connEvt := recvEvent(t, transport)
	assert.Equal(t, EventConnection, connEvt.Event)
	clientID := connEvt.ClientID

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	dataEvt := recvEvent(t, transport)
	assert.Equal(t, EventData, dataEvt.Event)
	assert.Equal(t, clientID, dataEvt.ClientID)
	assert.Equal(t, []byte("hello"), dataEvt.Arg)

	inbound := &TunnelMessage{TunnelID: "t1", Event: EventData, ClientID: clientID, Arg: []byte("world")}
	frame, err := Encode(inbound)
	require.NoError(t, err)
	require.NoError(t, proxy.Receive(mustDecode(t, frame)))

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	conn.Close()

	endEvt := recvEvent(t, transport)
	assert.Equal(t, EventEnd, endEvt.Event)
	closeEvt := recvEvent(t, transport)
	assert.Equal(t, EventClose, closeEvt.Event)
}

func mustDecode(t *testing.T, frame []byte) *TunnelMessage {
	t.Helper()
	msg, err := Decode(frame)
	require.NoError(t, err)
	return msg
}

func TestBindFailureAnnouncesProxyError(t *testing.T) {
	logger := NewLogger("test", LogLevelTrace)
	occupied := NewPipeTransport(8)
	first := NewProxy(logger, "t1", 0, 9000, true, occupied)
	require.NoError(t, first.StartListening(context.Background()))
	defer first.Close()
	addr := first.LocalAddr().(*net.TCPAddr)
	// drain the proxyCreated frame so it doesn't interfere below
	occupied.Recv(testTimeout)

	second := NewProxy(logger, "t2", uint16(addr.Port), 9000, true, occupied)
	err := second.StartListening(context.Background())
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.Equal(t, StateClosed, second.State())

	errEvt := recvEvent(t, occupied)
	assert.Equal(t, EventProxyError, errEvt.Event)
	assert.NotEmpty(t, errEvt.Error)
}

func TestReceiveUnknownClientIsNoOp(t *testing.T) {
	proxy, transport := newTestProxy(t)
	recvEvent(t, transport) // proxyCreated

	frame, err := Encode(&TunnelMessage{TunnelID: "t1", Event: EventData, ClientID: 999, Arg: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, proxy.Receive(mustDecode(t, frame)))

	_, ok := transport.Recv(200 * time.Millisecond)
	assert.False(t, ok, "no outbound frame expected for an unknown client id")
}

func TestCloseDuringActivityEndsClientsAndClosesOnce(t *testing.T) {
	proxy, transport := newTestProxy(t)
	recvEvent(t, transport) // proxyCreated

	addr := proxy.LocalAddr().(*net.TCPAddr)
	connA, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	recvEvent(t, transport) // connection A

	connB, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	recvEvent(t, transport) // connection B

	require.NoError(t, proxy.Close())
	_ = connA
	_ = connB

	seenClose := 0
	seenProxyClosed := 0
	for i := 0; i < 4; i++ {
		frame, ok := transport.Recv(testTimeout)
		if !ok {
			break
		}
		msg, err := Decode(frame)
		require.NoError(t, err)
		switch msg.Event {
		case EventClose:
			seenClose++
		case EventProxyClosed:
			seenProxyClosed++
		}
	}
	assert.Equal(t, 2, seenClose)
	assert.Equal(t, 1, seenProxyClosed)

	require.NoError(t, proxy.Receive(&TunnelMessage{TunnelID: "t1", Event: EventData, ClientID: 1, Arg: []byte("x")}))
	require.NoError(t, proxy.Close())
}

func TestSocketErrorForwardsErrorThenClose(t *testing.T) {
	proxy, transport := newTestProxy(t)
	recvEvent(t, transport) // proxyCreated

	addr := proxy.LocalAddr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	recvEvent(t, transport) // connection

	tcpConn := conn.(*net.TCPConn)
	require.NoError(t, tcpConn.SetLinger(0))
	require.NoError(t, tcpConn.Close())

	first := recvEvent(t, transport)
	assert.Equal(t, EventError, first.Event)
	second := recvEvent(t, transport)
	assert.Equal(t, EventClose, second.Event)
}
