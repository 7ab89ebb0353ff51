package syncdoc

import "sync"

// RelayEngine forwards every frame from one peer to every other peer on the
// same document. Yjs clients answer each other's sync and awareness messages,
// so a relay is enough for them to converge while at least one of them is
// connected.
type RelayEngine struct {
	name string

	mu     sync.RWMutex
	peers  map[string]Peer
	closed bool
}

func NewRelayEngine(name string) *RelayEngine {
	return &RelayEngine{
		name:  name,
		peers: make(map[string]Peer),
	}
}

// RelayFactory is the Factory for RelayEngine.
func RelayFactory(docName string) (Engine, error) {
	return NewRelayEngine(docName), nil
}

func (e *RelayEngine) Name() string { return e.name }

func (e *RelayEngine) Attach(p Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.peers[p.ID()] = p
}

func (e *RelayEngine) Detach(p Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, p.ID())
}

func (e *RelayEngine) Handle(from Peer, msgType int, data []byte) {
	e.mu.RLock()
	targets := make([]Peer, 0, len(e.peers))
	for id, p := range e.peers {
		if id != from.ID() {
			targets = append(targets, p)
		}
	}
	e.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	for _, p := range targets {
		p.Send(msgType, frame)
	}
}

// PeerCount returns the number of attached peers.
func (e *RelayEngine) PeerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peers)
}

func (e *RelayEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.peers = make(map[string]Peer)
	return nil
}
