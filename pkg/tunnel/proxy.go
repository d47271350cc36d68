package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ProxyState is one of the four states a Proxy's lifecycle passes through.
// It advances monotonically; see State().
type ProxyState int

const (
	StateInitializing ProxyState = iota
	StateListening
	StateClosing
	StateClosed
)

func (s ProxyState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateListening:
		return "Listening"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// clientSocket is a single accepted local TCP connection bound to a
// ClientId. The byte counters exist purely for logging/metrics, not
// correctness.
type clientSocket struct {
	id           uint32
	conn         net.Conn
	remotePort   int
	logger       Logger
	bytesRead    int64
	bytesWritten int64
}

// Proxy owns the local TCP listener and the ClientRegistry, assigns
// ClientIds, pumps socket events outward as TunnelMessage frames, and
// applies inbound `data` frames to the right socket. All registry mutation
// happens on the single goroutine started by StartListening (the "command
// loop") — everything else (Receive, Close, accept, per-socket read pumps)
// only ever posts commands to it. The ProxyState is not set on the command
// loop: StartListening and HandleOnceShutdown set it under stateMu.
type Proxy struct {
	ShutdownHelper

	tunnelID   string
	localPort  uint16
	remotePort uint16
	useIPv4    bool
	transport  Transport
	metrics    *Metrics
	limiter    *rate.Limiter

	stateMu sync.Mutex
	state   ProxyState

	listener  net.Listener
	registry  *ClientRegistry
	nextID    uint32
	loopStart bool
	pumpWG    sync.WaitGroup

	cmds       chan proxyCmd
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// Option configures optional Proxy behavior.
type Option func(*Proxy)

// WithMetrics registers a Metrics sink the Proxy will update as it runs.
// Safe to omit: a nil *Metrics on Proxy is never dereferenced.
func WithMetrics(m *Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithAcceptRateLimit bounds how fast the accept loop hands new sockets to
// the command loop, without rejecting any connection outright: it is a
// pure pacing device.
func WithAcceptRateLimit(r rate.Limit, burst int) Option {
	return func(p *Proxy) { p.limiter = rate.NewLimiter(r, burst) }
}

type cmdKind int

const (
	cmdAccept cmdKind = iota
	cmdData
	cmdEnd
	cmdErrorEvt
	cmdTimeout
	cmdSocketClose
	cmdInboundFrame
	cmdShutdown
)

type proxyCmd struct {
	kind     cmdKind
	conn     net.Conn
	clientID uint32
	data     []byte
	sockErr  error
}

// NewProxy constructs a Proxy that is not yet listening.
func NewProxy(
	logger Logger,
	tunnelID string,
	localPort, remotePort uint16,
	useIPv4 bool,
	transport Transport,
	opts ...Option,
) *Proxy {
	p := &Proxy{
		tunnelID:   tunnelID,
		localPort:  localPort,
		remotePort: remotePort,
		useIPv4:    useIPv4,
		transport:  transport,
		state:      StateInitializing,
		registry:   NewClientRegistry(),
		cmds:       make(chan proxyCmd, 256),
		loopDone:   make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	myLogger := logger.Fork("tunnel#%s", tunnelID)
	p.InitShutdownHelper(myLogger, p)
	return p
}

// ID returns the Proxy's TunnelId. Valid in every state.
func (p *Proxy) ID() string { return p.tunnelID }

// LocalAddr returns the bound listener's address, or nil before
// StartListening succeeds. Useful when localPort was 0 and the caller
// needs to learn the ephemeral port that was actually bound.
func (p *Proxy) LocalAddr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// State returns the Proxy's current lifecycle state.
func (p *Proxy) State() ProxyState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Proxy) setState(s ProxyState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// StartListening binds the local TCP listener and runs the command loop.
// It resolves only after the peer has been notified via proxyCreated (or
// proxyError, on failure).
func (p *Proxy) StartListening(ctx context.Context) error {
	if p.State() != StateInitializing {
		return nil
	}

	network := "tcp6"
	addr := fmt.Sprintf("[::]:%d", p.localPort)
	if p.useIPv4 {
		network = "tcp4"
		addr = fmt.Sprintf("0.0.0.0:%d", p.localPort)
	}

	listener, err := net.Listen(network, addr)
	if err != nil {
		bindErr := fmt.Errorf("%w: %s", ErrBindFailed, err)
		p.sendFrame(&TunnelMessage{
			TunnelID:   p.tunnelID,
			Event:      EventProxyError,
			Port:       p.localPort,
			UseIPv4:    p.useIPv4,
			RemotePort: p.remotePort,
			Error:      bindErr.Error(),
		})
		p.setState(StateClosed)
		p.DLogf("bind failed for port %d: %s", p.localPort, err)
		return bindErr
	}

	p.listener = listener
	actualPort := uint16(listener.Addr().(*net.TCPAddr).Port)
	p.localPort = actualPort

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.loopStart = true

	// State must read Listening before acceptLoop can hand off a connection:
	// net.Listen already has the socket bound and accepting in the kernel
	// backlog, so a connection could otherwise be accepted and dispatched to
	// handleAccept while the state still read Initializing.
	p.setState(StateListening)

	go p.commandLoop()
	go p.acceptLoop(loopCtx)

	p.sendFrame(&TunnelMessage{
		TunnelID:   p.tunnelID,
		Event:      EventProxyCreated,
		Port:       actualPort,
		UseIPv4:    p.useIPv4,
		RemotePort: p.remotePort,
	})
	p.ILogf("listening on port %d", actualPort)
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				p.DLogf("accept error, stopping accept loop: %s", err)
			}
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			conn.Close()
			return
		}
		select {
		case p.cmds <- proxyCmd{kind: cmdAccept, conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Receive dispatches an inbound TunnelMessage whose TunnelId matches this
// proxy. Only the `data` event is honored; everything else is ignored.
// Unknown ClientIds are dropped silently.
func (p *Proxy) Receive(msg *TunnelMessage) error {
	if msg.TunnelID != p.tunnelID {
		return ErrWrongTunnel
	}
	if p.State() != StateListening {
		return nil
	}
	if msg.Event != EventData {
		return nil
	}
	select {
	case p.cmds <- proxyCmd{kind: cmdInboundFrame, clientID: msg.ClientID, data: msg.Arg}:
	case <-p.loopDone:
	}
	return nil
}

func (p *Proxy) commandLoop() {
	defer close(p.loopDone)
	for cmd := range p.cmds {
		switch cmd.kind {
		case cmdAccept:
			p.handleAccept(cmd.conn)
		case cmdData:
			p.handleData(cmd.clientID, cmd.data)
		case cmdEnd:
			p.handleEnd(cmd.clientID)
		case cmdErrorEvt:
			p.handleSocketError(cmd.clientID, cmd.sockErr)
		case cmdTimeout:
			p.handleTimeout(cmd.clientID)
		case cmdSocketClose:
			p.handleSocketClose(cmd.clientID)
		case cmdInboundFrame:
			p.handleInboundData(cmd.clientID, cmd.data)
		case cmdShutdown:
			p.handleShutdown()
		}
	}
}

// handleShutdown runs on the command loop, so draining the registry here
// never races with handleAccept/handleData/etc. It ends every live socket,
// then arranges for the command loop itself to exit once every readPump
// goroutine it was still waiting on has drained out (their trailing
// commands are harmless no-ops against the now-empty registry).
func (p *Proxy) handleShutdown() {
	for _, cs := range p.registry.Drain() {
		cs.conn.Close()
		p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventClose, ClientID: cs.id})
		if p.metrics != nil {
			p.metrics.ClientsActive.Dec()
		}
	}
	go func() {
		p.pumpWG.Wait()
		close(p.cmds)
	}()
}

func (p *Proxy) handleAccept(conn net.Conn) {
	if state := p.State(); state == StateClosing || state == StateClosed {
		// close() raced with an in-flight accept: reject without forwarding.
		conn.Close()
		return
	}
	id := atomic.AddUint32(&p.nextID, 1)
	remotePort := 0
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remotePort = tcpAddr.Port
	}
	cs := &clientSocket{
		id:         id,
		conn:       conn,
		remotePort: remotePort,
		logger:     p.Logger.Fork("client#%d", id),
	}
	if err := p.registry.Insert(id, cs); err != nil {
		// ErrDuplicateClient cannot happen with a monotonic counter; kept
		// as a guard rather than a panic since Insert is a general contract.
		conn.Close()
		return
	}
	if p.metrics != nil {
		p.metrics.ClientsActive.Inc()
	}
	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventConnection, ClientID: id})
	cs.logger.DLogf("accepted from remote port %d", remotePort)
	p.pumpWG.Add(1)
	go p.readPump(cs)
}

// readPump is the only goroutine that reads cs.conn; it translates socket
// events into commands posted to the single command loop, preserving
// per-client FIFO ordering without any lock.
func (p *Proxy) readPump(cs *clientSocket) {
	defer p.pumpWG.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := cs.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			atomic.AddInt64(&cs.bytesRead, int64(n))
			p.cmds <- proxyCmd{kind: cmdData, clientID: cs.id, data: chunk}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.cmds <- proxyCmd{kind: cmdTimeout, clientID: cs.id}
				continue
			}
			if errors.Is(err, io.EOF) {
				p.cmds <- proxyCmd{kind: cmdEnd, clientID: cs.id}
			} else {
				p.cmds <- proxyCmd{kind: cmdErrorEvt, clientID: cs.id, sockErr: err}
			}
			p.cmds <- proxyCmd{kind: cmdSocketClose, clientID: cs.id}
			return
		}
	}
}

func (p *Proxy) handleData(clientID uint32, data []byte) {
	if p.registry.Lookup(clientID) == nil {
		return
	}
	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventData, ClientID: clientID, Arg: data})
	if p.metrics != nil {
		p.metrics.BytesOut.Add(float64(len(data)))
	}
}

func (p *Proxy) handleEnd(clientID uint32) {
	if p.registry.Lookup(clientID) == nil {
		return
	}
	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventEnd, ClientID: clientID})
}

func (p *Proxy) handleTimeout(clientID uint32) {
	if p.registry.Lookup(clientID) == nil {
		return
	}
	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventTimeout, ClientID: clientID})
}

func (p *Proxy) handleSocketError(clientID uint32, sockErr error) {
	if p.registry.Lookup(clientID) == nil {
		return
	}
	p.sendFrame(&TunnelMessage{
		TunnelID: p.tunnelID,
		Event:    EventError,
		ClientID: clientID,
		Arg:      []byte(sockErr.Error()),
	})
}

// handleSocketClose is the point of client destruction (removal from the
// registry) outside shutdown, where handleShutdown drains the registry
// instead: it is only ever posted once per client, by readPump,
// after any cmdEnd/cmdErrorEvt for that client has already been processed.
func (p *Proxy) handleSocketClose(clientID uint32) {
	cs := p.registry.Remove(clientID)
	if cs == nil {
		return
	}
	cs.conn.Close()
	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventClose, ClientID: clientID})
	if p.metrics != nil {
		p.metrics.ClientsActive.Dec()
	}
	cs.logger.DLogf("closed, %d bytes read, %d bytes written", cs.bytesRead, cs.bytesWritten)
}

// handleInboundData applies an inbound `data` frame to the socket owning
// clientID. Unknown ClientIds are dropped silently: races between a local
// close and in-flight peer data are expected, not errors.
func (p *Proxy) handleInboundData(clientID uint32, data []byte) {
	cs := p.registry.Lookup(clientID)
	if cs == nil {
		if p.metrics != nil {
			p.metrics.FramesDropped.Inc()
		}
		return
	}
	n, err := cs.conn.Write(data)
	atomic.AddInt64(&cs.bytesWritten, int64(n))
	if err != nil {
		cs.logger.DLogf("write failed, socket will report its own error/close: %s", err)
	}
	if p.metrics != nil {
		p.metrics.BytesIn.Add(float64(len(data)))
	}
}

func (p *Proxy) sendFrame(msg *TunnelMessage) {
	frame, err := Encode(msg)
	if err != nil {
		p.ELogf("failed to encode %s frame: %s", msg.Event, err)
		return
	}
	if err := p.transport.Send(frame); err != nil {
		// Transport send failure is fatal to the proxy: sockets cannot be
		// meaningfully served without it.
		p.ELogf("transport send failed, shutting down: %s", err)
		go p.StartShutdown(ErrTransportClosed)
	}
}

// HandleOnceShutdown implements OnceShutdownHandler. It runs exactly once:
// stops accepting, drains and ends every live client, notifies the peer
// with proxyClosed, and releases the listener.
func (p *Proxy) HandleOnceShutdown(completionErr error) error {
	if p.State() == StateClosed {
		// A failed StartListening already left the proxy Closed; Closed is
		// terminal, so there is nothing to release or announce.
		return completionErr
	}
	wasRunning := p.loopStart
	p.setState(StateClosing)
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	if wasRunning {
		p.cmds <- proxyCmd{kind: cmdShutdown}
		<-p.loopDone
	}

	p.sendFrame(&TunnelMessage{TunnelID: p.tunnelID, Event: EventProxyClosed})
	p.setState(StateClosed)
	p.ILogf("closed")
	return completionErr
}
