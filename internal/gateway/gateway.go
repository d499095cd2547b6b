// Package gateway provides the node registry and broker link shared by all
// protocol gateways.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/logger"
	"github.com/aiot/aiot/internal/messaging"
)

// DefChanSize defines the default channel size.
const DefChanSize = 256

const (
	aliveInterval  = 15 * time.Second
	reconnectDelay = 3 * time.Second
	// settle time between sending the auth token and replaying the cache
	authSettle = time.Second
)

// A Handler bridges the registry to a protocol specific controller.
type Handler interface {
	// DiscoverNode starts a discovery procedure on a node. Discovered
	// resources are published via ForwardDataFromNode.
	DiscoverNode(node *Node)
	// UpdateNodeResource sends an update to a node to change one of its
	// resources with the given value.
	UpdateNodeResource(node *Node, endpoint, value string) error
}

// Base is the canonical per-gateway store of nodes plus the reconnecting
// outbound connection to the broker. Every emission goes through the
// outbound channel; the registry itself never writes to the network.
type Base struct {
	lg       logger.Logger
	protocol string
	keys     auth.Keys
	url      string

	handler Handler

	mu    sync.RWMutex
	nodes map[string]*Node

	out  chan []byte
	done chan struct{}

	aliveInterval  time.Duration
	reconnectDelay time.Duration
	authSettle     time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewBase returns a new gateway base for the given protocol name and broker
// websocket url.
func NewBase(lg logger.Logger, protocol string, keys auth.Keys, url string) *Base {
	if lg == nil {
		lg = logger.Null
	}
	return &Base{
		lg:             lg,
		protocol:       protocol,
		keys:           keys,
		url:            url,
		nodes:          make(map[string]*Node),
		out:            make(chan []byte, DefChanSize),
		done:           make(chan struct{}),
		aliveInterval:  aliveInterval,
		reconnectDelay: reconnectDelay,
		authSettle:     authSettle,
	}
}

// SetHandler attaches the protocol controller handling discovery and updates.
func (b *Base) SetHandler(h Handler) { b.handler = h }

// Protocol returns the protocol name announced by this gateway.
func (b *Base) Protocol() string { return b.protocol }

// HasNode reports whether the node uid is already present.
func (b *Base) HasNode(uid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[uid]
	return ok
}

// GetNode returns the node matching the given uid, or nil.
func (b *Base) GetNode(uid string) *Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodes[uid]
}

// Nodes returns a snapshot of the registered nodes.
func (b *Base) Nodes() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Values(b.nodes)
}

// AddNode adds a new node to the registry, notifies the broker and starts
// the discovery procedure. It reports false and changes nothing when the uid
// is already registered, so concurrent first contacts announce a node
// exactly once.
func (b *Base) AddNode(node *Node) bool {
	node.SetResource("protocol", b.protocol)
	b.mu.Lock()
	if _, ok := b.nodes[node.UID]; ok {
		b.mu.Unlock()
		return false
	}
	b.nodes[node.UID] = node
	b.mu.Unlock()

	b.SendToBroker(messaging.NewNode(node.UID, messaging.DstAll))
	for resource, value := range node.Resources() {
		b.SendToBroker(messaging.UpdateNode(node.UID, resource, value, messaging.DstAll))
	}
	if b.handler != nil {
		go b.handler.DiscoverNode(node)
	}
	return true
}

// ResetNode clears the node resources, reapplies the defaults and starts a
// new discovery procedure.
func (b *Base) ResetNode(node *Node, defaults map[string]string) {
	node.ClearResources()
	node.SetResource("protocol", b.protocol)
	for resource, value := range defaults {
		node.SetResource(resource, value)
	}
	node.Touch()
	b.SendToBroker(messaging.ResetNode(node.UID))
	if b.handler != nil {
		go b.handler.DiscoverNode(node)
	}
}

// RemoveNode removes the node from the registry and notifies the broker.
func (b *Base) RemoveNode(node *Node) {
	b.mu.Lock()
	delete(b.nodes, node.UID)
	remaining := len(b.nodes)
	b.mu.Unlock()
	b.lg.Printf("removed %s, %d remaining nodes", node, remaining)
	b.SendToBroker(messaging.OutNode(node.UID))
}

// ForwardDataFromNode caches data received from a node and forwards it to
// the broker.
func (b *Base) ForwardDataFromNode(node *Node, resource, value string) {
	b.lg.Printf("data from %s: '%s': '%s'", node, resource, value)
	node.SetResource(resource, value)
	b.SendToBroker(messaging.UpdateNode(node.UID, resource, value, messaging.DstAll))
}

// FetchNodesCache replays all known nodes and their cached resources to the
// given client.
func (b *Base) FetchNodesCache(dst string) {
	if dst == "" {
		dst = messaging.DstAll
	}
	b.lg.Printf("fetching nodes cache for client %s", dst)
	for _, node := range b.Nodes() {
		b.SendToBroker(messaging.NewNode(node.UID, dst))
		for resource, value := range node.Resources() {
			b.SendToBroker(messaging.UpdateNode(node.UID, resource, value, dst))
		}
	}
}

// CheckDeadNodes removes every node without a liveness indication for longer
// than maxTime. The expired callback, if any, runs before each removal.
func (b *Base) CheckDeadNodes(maxTime time.Duration, expired func(*Node)) {
	now := time.Now()
	for _, node := range b.Nodes() {
		if now.Sub(node.LastSeen()) <= maxTime {
			continue
		}
		b.lg.Printf("removing inactive %s", node)
		if expired != nil {
			expired(node)
		}
		b.RemoveNode(node)
	}
}

// SendToBroker enqueues a message on the outbound channel. Messages are
// dropped when the queue is full; this is a best-effort live-telemetry bus.
func (b *Base) SendToBroker(msg messaging.Message) {
	select {
	case b.out <- msg.Encode():
	default:
		b.lg.Printf("outbound queue full, dropping message %s", msg)
	}
}

// Run keeps an authenticated connection to the broker, replaying the nodes
// cache after every reconnect. It blocks until Close is called.
func (b *Base) Run() {
	for {
		select {
		case <-b.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
		if err != nil {
			b.lg.Printf("cannot connect to broker %s, retrying in %s", b.url, b.reconnectDelay)
			b.wait(b.reconnectDelay)
			continue
		}
		b.session(conn)
		b.wait(b.reconnectDelay)
	}
}

// Close stops the broker connection loop and closes the active connection.
func (b *Base) Close() error {
	close(b.done)
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

func (b *Base) wait(d time.Duration) {
	select {
	case <-b.done:
	case <-time.After(d):
	}
}

// session authenticates on conn and pumps messages until the connection is
// lost. The outbound channel survives the session and is drained by the
// next one.
func (b *Base) session(conn *websocket.Conn) {
	defer conn.Close()

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	b.lg.Printf("connected to broker %s, sending auth token", b.url)
	token, err := auth.Token(b.keys)
	if err != nil {
		b.lg.Printf("cannot generate auth token: %s", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, token); err != nil {
		return
	}

	// the pump runs before the replay so a backlog filling the outbound
	// queue cannot swallow the replayed cache
	stop := make(chan struct{})
	defer close(stop)
	go b.writePump(conn, stop)

	b.wait(b.authSettle)

	// clients may have connected during the outage
	b.FetchNodesCache(messaging.DstAll)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.lg.Println("connection with broker lost")
			return
		}
		b.onBrokerMessage(raw)
	}
}

// writePump forwards outbound messages and periodic heartbeats to conn.
func (b *Base) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	alive := time.NewTicker(b.aliveInterval)
	defer alive.Stop()

	for {
		select {
		case raw := <-b.out:
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-alive.C:
			if err := conn.WriteMessage(websocket.TextMessage, messaging.GatewayAlive().Encode()); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// onBrokerMessage handles one frame received from the broker.
func (b *Base) onBrokerMessage(raw []byte) {
	msg, reason := messaging.Decode(raw)
	if msg == nil {
		b.lg.Printf("invalid data received from broker: %s", reason)
		return
	}

	switch msg.Type {
	case messaging.TypeNew:
		// a new client connected, replay the nodes cache for it
		go b.FetchNodesCache(msg.Src)
	case messaging.TypeUpdate:
		node := b.GetNode(msg.UID)
		if node == nil {
			b.lg.Printf("update for unknown node %s", msg.UID)
			return
		}
		if b.handler == nil {
			return
		}
		go func() {
			if err := b.handler.UpdateNodeResource(node, msg.Endpoint, msg.Data); err != nil {
				b.lg.Printf("cannot update %s resource %s: %s", node, msg.Endpoint, err)
			}
		}()
	default:
		b.lg.Printf("ignoring message type %s from broker", msg.Type)
	}
}
