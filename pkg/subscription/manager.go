// Package subscription tracks which connection is subscribed to which
// resource and fans change notifications out to subscribers. Delivery is
// best-effort: a slow or disconnected subscriber never stalls the mutating
// call.
package subscription

import (
	"sync"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
	"github.com/capwire/capwire-go/pkg/logging"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// ResourceCatalog is the registry view the manager needs: subscribe is only
// valid for URIs currently registered.
type ResourceCatalog interface {
	HasResource(uri string) bool
}

// Sender delivers one notification to a subscriber connection. Errors are
// swallowed; delivery is best-effort.
type Sender func(n *protocol.Notification)

// subscriber owns the per-connection delivery queue. A dedicated goroutine
// drains it so fan-out never blocks on one peer.
type subscriber struct {
	id    string
	queue chan *protocol.Notification
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Manager is the many-to-many subscription table
type Manager struct {
	mu     sync.RWMutex
	byURI  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
	subs   map[string]*subscriber

	catalog   ResourceCatalog
	logger    logging.Logger
	queueSize int
	wg        sync.WaitGroup
}

// NewManager creates a subscription manager over a resource catalog
func NewManager(catalog ResourceCatalog, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Manager{
		byURI:     make(map[string]map[string]struct{}),
		byConn:    make(map[string]map[string]struct{}),
		subs:      make(map[string]*subscriber),
		catalog:   catalog,
		logger:    logger,
		queueSize: 64,
	}
}

// AddConnection registers a connection as a potential subscriber and starts
// its delivery queue.
func (m *Manager) AddConnection(connectionID string, send Sender) {
	sub := &subscriber{
		id:    connectionID,
		queue: make(chan *protocol.Notification, m.queueSize),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if old, exists := m.subs[connectionID]; exists {
		old.stop()
	}
	m.subs[connectionID] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case n := <-sub.queue:
				send(n)
			}
		}
	}()
}

// RemoveConnection drops a connection's subscriptions and stops its queue.
// Mandatory on disconnect to prevent unbounded growth.
func (m *Manager) RemoveConnection(connectionID string) {
	m.mu.Lock()
	if sub, exists := m.subs[connectionID]; exists {
		sub.stop()
		delete(m.subs, connectionID)
	}
	uris := m.byConn[connectionID]
	delete(m.byConn, connectionID)
	for uri := range uris {
		delete(m.byURI[uri], connectionID)
		if len(m.byURI[uri]) == 0 {
			delete(m.byURI, uri)
		}
	}
	m.mu.Unlock()

	if len(uris) > 0 {
		m.logger.Debug("subscriptions removed on disconnect",
			logging.String("connection_id", connectionID),
			logging.Int("count", len(uris)))
	}
}

// Subscribe records a {connection, uri} pair. The URI must currently be in
// the resource catalog.
func (m *Manager) Subscribe(connectionID, uri string) error {
	if m.catalog != nil && !m.catalog.HasResource(uri) {
		return wireerrors.ResourceNotFoundError(uri)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[connectionID]; !exists {
		return wireerrors.ConnectionClosedError(connectionID)
	}
	if m.byURI[uri] == nil {
		m.byURI[uri] = make(map[string]struct{})
	}
	m.byURI[uri][connectionID] = struct{}{}
	if m.byConn[connectionID] == nil {
		m.byConn[connectionID] = make(map[string]struct{})
	}
	m.byConn[connectionID][uri] = struct{}{}
	return nil
}

// Unsubscribe removes a {connection, uri} pair
func (m *Manager) Unsubscribe(connectionID, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byURI[uri][connectionID]; !ok {
		return wireerrors.ResourceNotFoundError(uri)
	}
	delete(m.byURI[uri], connectionID)
	if len(m.byURI[uri]) == 0 {
		delete(m.byURI, uri)
	}
	delete(m.byConn[connectionID], uri)
	return nil
}

// IsSubscribed reports whether a connection is subscribed to a URI
func (m *Manager) IsSubscribed(connectionID, uri string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byURI[uri][connectionID]
	return ok
}

// Subscribers returns the connection ids subscribed to a URI
func (m *Manager) Subscribers(uri string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byURI[uri]))
	for id := range m.byURI[uri] {
		ids = append(ids, id)
	}
	return ids
}

// PublishUpdated enqueues one updated notification per subscriber of the
// URI. A full subscriber queue drops the notification rather than blocking
// the mutation.
func (m *Manager) PublishUpdated(params protocol.ResourceUpdatedParams) {
	n, err := protocol.NewNotification(protocol.MethodResourceUpdated, params)
	if err != nil {
		m.logger.Error("failed to encode updated notification", logging.ErrorField(err))
		return
	}

	m.mu.RLock()
	targets := make([]*subscriber, 0, len(m.byURI[params.URI]))
	for id := range m.byURI[params.URI] {
		if sub, ok := m.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		m.enqueue(sub, n)
	}
}

// PublishListChanged broadcasts a list_changed notification to every
// registered connection.
func (m *Manager) PublishListChanged(method string, params interface{}) {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		m.logger.Error("failed to encode list_changed notification", logging.ErrorField(err))
		return
	}

	m.mu.RLock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		m.enqueue(sub, n)
	}
}

// DropResource tears down all subscriptions on a URI. Called when the
// registry removes the resource.
func (m *Manager) DropResource(uri string) {
	m.mu.Lock()
	ids := m.byURI[uri]
	delete(m.byURI, uri)
	for id := range ids {
		delete(m.byConn[id], uri)
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.logger.Info("subscriptions cascaded on resource removal",
			logging.String("uri", uri),
			logging.Int("count", len(ids)))
	}
}

// Close stops all delivery queues
func (m *Manager) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.stop()
	}
	m.subs = make(map[string]*subscriber)
	m.byURI = make(map[string]map[string]struct{})
	m.byConn = make(map[string]map[string]struct{})
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) enqueue(sub *subscriber, n *protocol.Notification) {
	select {
	case sub.queue <- n:
	default:
		m.logger.Warn("subscriber queue full, dropping notification",
			logging.String("connection_id", sub.id),
			logging.String("method", n.Method))
	}
}
