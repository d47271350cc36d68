package tunnel

// EventKind names the recognised `event` field of a TunnelMessage.
type EventKind string

const (
	// Outbound, proxy -> peer.
	EventProxyCreated EventKind = "proxyCreated"
	EventProxyError   EventKind = "proxyError"
	EventProxyClosed  EventKind = "proxyClosed"
	EventConnection   EventKind = "connection"
	EventEnd          EventKind = "end"
	EventClose        EventKind = "close"
	EventTimeout      EventKind = "timeout"
	EventError        EventKind = "error"

	// Both directions.
	EventData EventKind = "data"
)

// TunnelMessage is the wire-level representation of one tunnel event. Not
// every field applies to every event; unused fields are left at their
// zero value and omitted by the codec.
type TunnelMessage struct {
	TunnelID string    `json:"tunnelId"`
	Event    EventKind `json:"event"`

	// connection, data, end, close, timeout, error
	ClientID uint32 `json:"clientId,omitempty"`

	// data: the raw bytes carried by the event. error: the error message.
	Arg []byte `json:"arg,omitempty"`

	// proxyCreated, proxyError
	Port       uint16 `json:"port,omitempty"`
	UseIPv4    bool   `json:"useIPv4,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`

	// proxyError
	Error string `json:"error,omitempty"`
}
