// Package syncdoc attaches raw document-sync connections to one engine
// instance per document. The merge protocol itself lives in the Engine; this
// package only manages engine lifetime and the degraded no-engine path.
package syncdoc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/noton/realtime/internal/metrics"
)

// ErrEngineUnavailable marks a document that has no engine to relay through.
var ErrEngineUnavailable = errors.New("sync engine unavailable")

// Peer is one attached connection as seen by an engine. Send must not block;
// it reports false when the frame was dropped.
type Peer interface {
	ID() string
	Send(msgType int, data []byte) bool
}

// Engine is a document-sync engine bound to one document name.
type Engine interface {
	Attach(p Peer)
	Detach(p Peer)
	// Handle processes a frame read from p. data must not be retained
	// after the call unless copied.
	Handle(from Peer, msgType int, data []byte)
	Close() error
}

// Factory builds the engine for a document name.
type Factory func(docName string) (Engine, error)

type document struct {
	engine Engine
	peers  int
}

// Adapter owns the resource id → engine map.
type Adapter struct {
	factory   Factory
	available bool
	logger    *slog.Logger

	mu   sync.Mutex
	docs map[string]*document

	warned sync.Map // resource id → struct{}
}

// NewAdapter returns an Adapter. available is the capability flag resolved
// once at startup; when false every attachment is degraded.
func NewAdapter(factory Factory, available bool, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		factory:   factory,
		available: available && factory != nil,
		logger:    logger,
		docs:      make(map[string]*document),
	}
}

// Available reports whether a working engine factory was resolved at startup.
func (a *Adapter) Available() bool { return a.available }

// Attach binds p to the engine for resourceID, creating it on first use.
// The returned Attachment is never nil; on failure it is degraded and
// silently drops input.
func (a *Adapter) Attach(resourceID string, p Peer) *Attachment {
	at := &Attachment{adapter: a, resourceID: resourceID, peer: p}
	if !a.available {
		a.degrade(resourceID, ErrEngineUnavailable)
		return at
	}

	a.mu.Lock()
	doc, ok := a.docs[resourceID]
	if !ok {
		engine, err := a.factory(resourceID)
		if err != nil {
			a.mu.Unlock()
			a.degrade(resourceID, fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
			return at
		}
		doc = &document{engine: engine}
		a.docs[resourceID] = doc
		metrics.SyncEnginesCreated.Inc()
		metrics.SyncEngines.Inc()
		a.logger.Debug("sync engine created", "resource", resourceID)
	}
	doc.peers++
	doc.engine.Attach(p)
	at.engine = doc.engine
	a.mu.Unlock()

	return at
}

func (a *Adapter) degrade(resourceID string, err error) {
	metrics.SyncDegraded.Inc()
	if _, seen := a.warned.LoadOrStore(resourceID, struct{}{}); seen {
		return
	}
	a.logger.Warn("sync connection held open without relay", "resource", resourceID, "error", err)
}

func (a *Adapter) detach(at *Attachment) {
	var closing Engine

	a.mu.Lock()
	doc, ok := a.docs[at.resourceID]
	if ok && doc.engine == at.engine {
		doc.engine.Detach(at.peer)
		doc.peers--
		if doc.peers == 0 {
			delete(a.docs, at.resourceID)
			closing = doc.engine
		}
	}
	a.mu.Unlock()

	if closing != nil {
		metrics.SyncEngines.Dec()
		if err := closing.Close(); err != nil {
			a.logger.Warn("sync engine close failed", "resource", at.resourceID, "error", err)
		}
		a.logger.Debug("sync engine disposed", "resource", at.resourceID)
	}
}

// Stats reports live documents and total attached peers.
func (a *Adapter) Stats() (documents, peers int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, doc := range a.docs {
		peers += doc.peers
	}
	return len(a.docs), peers
}

// Attachment is one peer's binding to a document engine.
type Attachment struct {
	adapter    *Adapter
	resourceID string
	peer       Peer
	engine     Engine

	detached atomic.Bool
	once     sync.Once
}

// Degraded reports whether the attachment has no engine behind it.
func (at *Attachment) Degraded() bool { return at.engine == nil }

// Deliver hands a frame read from the peer to the engine.
func (at *Attachment) Deliver(msgType int, data []byte) {
	if at.engine == nil || at.detached.Load() {
		return
	}
	at.engine.Handle(at.peer, msgType, data)
}

// Detach releases the peer. The last detach for a document disposes the
// engine. Safe to call more than once.
func (at *Attachment) Detach() {
	at.once.Do(func() {
		at.detached.Store(true)
		if at.engine != nil {
			at.adapter.detach(at)
		}
	})
}

// ResolveFactory maps the configured engine name to a Factory. "disabled"
// yields ErrEngineUnavailable.
func ResolveFactory(kind string) (Factory, error) {
	switch kind {
	case "relay", "":
		return RelayFactory, nil
	case "disabled", "none":
		return nil, ErrEngineUnavailable
	default:
		return nil, fmt.Errorf("unknown sync engine %q", kind)
	}
}

// Probe builds and disposes a throwaway engine to check the factory works.
func Probe(f Factory) error {
	if f == nil {
		return ErrEngineUnavailable
	}
	engine, err := f("__probe__")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return engine.Close()
}
