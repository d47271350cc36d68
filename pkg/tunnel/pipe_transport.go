package tunnel

import (
	"sync"
	"time"
)

// PipeTransport is an in-memory Transport backed by a pair of buffered Go
// channels. It has no network dependency, so the test suite can drive the
// Proxy Engine's inbound path and observe its outbound frames
// deterministically. Two PipeTransports, cross-wired with
// LinkPipeTransports, model a
// transport shared by a local proxy and a stand-in for the remote peer.
type PipeTransport struct {
	mu       sync.Mutex
	closed   bool
	outbox   chan []byte
	inbox    chan []byte
	closeCh  chan struct{}
	closeOne sync.Once
}

// NewPipeTransport creates a PipeTransport with the given inbound/outbound
// buffering. Frames sent on it land in outbox; frames appearing on inbox
// are what Incoming() yields.
func NewPipeTransport(bufSize int) *PipeTransport {
	return &PipeTransport{
		outbox:  make(chan []byte, bufSize),
		inbox:   make(chan []byte, bufSize),
		closeCh: make(chan struct{}),
	}
}

// LinkPipeTransports cross-wires two PipeTransports so that frames sent on
// one arrive as Incoming() on the other, simulating a shared transport
// between a proxy and a remote peer stand-in.
func LinkPipeTransports(a, b *PipeTransport) {
	go pump(a.outbox, b.inbox)
	go pump(b.outbox, a.inbox)
}

func pump(from <-chan []byte, to chan<- []byte) {
	for frame := range from {
		to <- frame
	}
}

// Send implements Transport.
func (p *PipeTransport) Send(frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	select {
	case p.outbox <- frame:
		return nil
	case <-p.closeCh:
		return ErrTransportClosed
	}
}

// Incoming implements Transport. Close does not close this channel; only
// the OnClose channel is closed when the PipeTransport closes.
func (p *PipeTransport) Incoming() <-chan []byte {
	return p.inbox
}

// OnClose implements Transport.
func (p *PipeTransport) OnClose() <-chan struct{} {
	return p.closeCh
}

// Close implements Transport.
func (p *PipeTransport) Close() error {
	p.closeOne.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.closeCh)
		close(p.outbox)
	})
	return nil
}

// InjectInbound delivers a frame to this transport's Incoming() channel, as
// if it had arrived from the remote peer. Used directly by tests that don't
// need a live peer stand-in on the other end of a Link.
func (p *PipeTransport) InjectInbound(frame []byte) {
	p.inbox <- frame
}

// Recv blocks until a frame is available in the outbox or timeout elapses,
// returning (frame, true) or (nil, false). Test-only convenience around the
// outbox channel.
func (p *PipeTransport) Recv(timeout time.Duration) ([]byte, bool) {
	select {
	case f, ok := <-p.outbox:
		return f, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// SentFrames drains and returns every frame currently queued in the
// outbox, for test assertions against what the proxy emitted.
func (p *PipeTransport) SentFrames() [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-p.outbox:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}
