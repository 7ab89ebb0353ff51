// Package events mirrors presence changes onto the platform event bus so the
// notification and indexing services can react to them. The edge service
// never consumes these events itself.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/noton/realtime/internal/metrics"
	"github.com/noton/realtime/internal/session"
)

const DefaultSubjectPrefix = "presence.update"

// PresenceChanged is the payload published on every room membership change.
type PresenceChanged struct {
	ResourceID string           `json:"resourceId"`
	Viewers    []session.Viewer `json:"viewers"`
	Seq        uint64           `json:"seq"`
	At         time.Time        `json:"at"`
}

// Publisher receives presence changes. Implementations must not block the
// caller on network I/O.
type Publisher interface {
	PublishPresence(ev PresenceChanged)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishPresence(PresenceChanged) {}
func (Nop) Close() error                   { return nil }

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes PresenceChanged as JSON on "<prefix>.<resourceId>".
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to url and returns a publisher. The client reconnects on
// its own; publishes during an outage are buffered by nats.go.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(nc conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) PublishPresence(ev PresenceChanged) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		p.logger.Error("marshal presence event", "error", err)
		return
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.ResourceID), data); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		p.logger.Warn("publish presence event", "resource", ev.ResourceID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Subject builds the NATS subject for resourceID. Characters that NATS
// treats as token separators or wildcards are replaced with '_'.
func Subject(prefix, resourceID string) string {
	if resourceID == "" {
		resourceID = "_"
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, resourceID)
	return prefix + "." + clean
}
