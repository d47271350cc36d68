package tunnel

import "errors"

// ErrMalformedFrame is returned by Decode when a frame does not describe a
// valid TunnelMessage.
var ErrMalformedFrame = errors.New("tunnel: malformed frame")

// ErrDuplicateClient is returned by ClientRegistry.Insert when the given
// ClientId is already present.
var ErrDuplicateClient = errors.New("tunnel: duplicate client id")

// ErrBindFailed is returned by Proxy.StartListening when the local listener
// could not be bound.
var ErrBindFailed = errors.New("tunnel: bind failed")

// ErrProxyClosed names the Closed proxy state. No Proxy method returns it:
// operations on a Closed Proxy are no-ops that return nil.
var ErrProxyClosed = errors.New("tunnel: proxy closed")

// ErrTransportClosed is returned by Send when the underlying transport has
// already been closed.
var ErrTransportClosed = errors.New("tunnel: transport closed")

// ErrWrongTunnel is returned by Proxy.Receive when a message's TunnelId
// does not match the proxy's own.
var ErrWrongTunnel = errors.New("tunnel: tunnel id mismatch")
