package tunnel

// ClientRegistry maps a ClientId to the ClientSocket that owns it. It is
// NOT safe for concurrent use: all registry mutation is funneled through
// the Proxy's single command-dispatch goroutine, so no internal locking is
// needed or wanted here.
type ClientRegistry struct {
	clients map[uint32]*clientSocket
}

// NewClientRegistry creates an empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[uint32]*clientSocket)}
}

// Insert adds clientID -> socket, failing with ErrDuplicateClient if
// clientID is already present.
func (r *ClientRegistry) Insert(clientID uint32, socket *clientSocket) error {
	if _, exists := r.clients[clientID]; exists {
		return ErrDuplicateClient
	}
	r.clients[clientID] = socket
	return nil
}

// Lookup returns the socket owning clientID, or nil if none. Total.
func (r *ClientRegistry) Lookup(clientID uint32) *clientSocket {
	return r.clients[clientID]
}

// Remove detaches and returns the socket owning clientID, or nil if none
// was present. Idempotent: removing an absent id is a no-op that returns
// nil, since the registry is the unique point of destruction and a second
// Remove for the same id must never re-destroy anything.
func (r *ClientRegistry) Remove(clientID uint32) *clientSocket {
	socket, exists := r.clients[clientID]
	if !exists {
		return nil
	}
	delete(r.clients, clientID)
	return socket
}

// Drain empties the registry and returns every socket that was live,
// exactly once each. Used only during proxy shutdown: the registry must
// be empty after close() returns.
func (r *ClientRegistry) Drain() []*clientSocket {
	sockets := make([]*clientSocket, 0, len(r.clients))
	for id, socket := range r.clients {
		sockets = append(sockets, socket)
		delete(r.clients, id)
	}
	return sockets
}

// Len returns the number of currently registered clients.
func (r *ClientRegistry) Len() int {
	return len(r.clients)
}
