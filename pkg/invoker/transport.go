package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/pkg/commsutil"
	"github.com/morezero/fitable-broker/pkg/registry"
)

const transportLogPrefix = "invoker:transport"

// Transport sends one encoded request envelope to an endpoint and returns the
// encoded response. Timeouts must be reported as errors matching
// context.DeadlineExceeded.
type Transport interface {
	Request(ctx context.Context, ep registry.Endpoint, payload []byte) ([]byte, error)
}

// NATSTransport sends requests with NATS request/reply. Endpoints that name a
// different NATS URL get their own pooled connection.
type NATSTransport struct {
	nc   *comms.Conn
	name string

	mu          sync.RWMutex
	connections map[string]*pooledConnection
}

type pooledConnection struct {
	nc          *comms.Conn
	natsURL     string
	connectedAt time.Time
}

// NewNATSTransport creates a transport using nc as the default connection.
// name is used for pooled connections to other servers.
func NewNATSTransport(nc *comms.Conn, name string) *NATSTransport {
	if name == "" {
		name = "fitable-broker"
	}
	return &NATSTransport{
		nc:          nc,
		name:        name,
		connections: make(map[string]*pooledConnection),
	}
}

// Request implements Transport.
func (t *NATSTransport) Request(ctx context.Context, ep registry.Endpoint, payload []byte) ([]byte, error) {
	nc, err := t.connFor(ep.NatsURL)
	if err != nil {
		return nil, err
	}

	msg, err := nc.RequestWithContext(ctx, ep.Subject, payload)
	if err != nil {
		if errors.Is(err, comms.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	return msg.Data, nil
}

// connFor returns the default connection, or a pooled one for natsURL.
func (t *NATSTransport) connFor(natsURL string) (*comms.Conn, error) {
	if natsURL == "" || (t.nc != nil && natsURL == t.nc.ConnectedUrl()) {
		if t.nc == nil {
			return nil, fmt.Errorf("%s - no default connection", transportLogPrefix)
		}
		return t.nc, nil
	}

	t.mu.RLock()
	if pc, ok := t.connections[natsURL]; ok && pc.nc.IsConnected() {
		t.mu.RUnlock()
		return pc.nc, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if pc, ok := t.connections[natsURL]; ok && pc.nc.IsConnected() {
		return pc.nc, nil
	}

	// Remove stale entry if exists
	if pc, ok := t.connections[natsURL]; ok {
		pc.nc.Close()
		delete(t.connections, natsURL)
	}

	slog.Info(fmt.Sprintf("%s - Connecting to remote NATS url=%s", transportLogPrefix, natsURL))
	nc, err := commsutil.Connect(natsURL, t.name+"-peer",
		comms.Timeout(5*time.Second),
		comms.MaxReconnects(5),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %s: %w", transportLogPrefix, natsURL, err)
	}

	t.connections[natsURL] = &pooledConnection{
		nc:          nc,
		natsURL:     natsURL,
		connectedAt: time.Now(),
	}
	return nc, nil
}

// PooledConnections reports how many peer connections are open.
func (t *NATSTransport) PooledConnections() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// Close closes pooled connections. The default connection belongs to the
// caller and is left open.
func (t *NATSTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for url, pc := range t.connections {
		slog.Info(fmt.Sprintf("%s - Closing peer connection url=%s (open since %s)", transportLogPrefix, url, pc.connectedAt.Format(time.RFC3339)))
		pc.nc.Close()
	}
	t.connections = make(map[string]*pooledConnection)
}
