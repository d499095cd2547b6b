// Package wsnode implements the websocket protocol gateway for nodes able to
// speak the JSON envelope directly.
package wsnode

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aiot/aiot/internal/gateway"
	"github.com/aiot/aiot/internal/logger"
	"github.com/aiot/aiot/internal/messaging"
)

// A Controller terminates the /node websocket. Every connection is one node;
// the node lives exactly as long as its connection.
type Controller struct {
	lg   logger.Logger
	base *gateway.Base

	mu    sync.Mutex
	conns map[string]*nodeConn // node uid → connection

	upgrader websocket.Upgrader
}

// New returns a new websocket node controller attached to base.
func New(lg logger.Logger, base *gateway.Base) *Controller {
	if lg == nil {
		lg = logger.Null
	}
	c := &Controller{
		lg:       lg,
		base:     base,
		conns:    make(map[string]*nodeConn),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	base.SetHandler(c)
	return c
}

// HandleNode serves one node websocket.
func (c *Controller) HandleNode(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.lg.Printf("node upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	node := gateway.NewNode(uuid.NewString(), nil)
	nc := &nodeConn{conn: conn}
	c.mu.Lock()
	c.conns[node.UID] = nc
	c.mu.Unlock()
	c.lg.Printf("new node connection %s", node)

	c.base.AddNode(node)
	defer func() {
		c.mu.Lock()
		delete(c.conns, node.UID)
		c.mu.Unlock()
		c.base.RemoveNode(node)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.lg.Printf("%s disconnected", node)
			return
		}
		c.onNodeMessage(node, raw)
	}
}

// onNodeMessage handles one frame received from a node. Update frames carry
// the resource values as a JSON object.
func (c *Controller) onNodeMessage(node *gateway.Node, raw []byte) {
	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.lg.Printf("invalid message '%s' from %s", raw, node)
		return
	}
	if frame.Type != messaging.TypeUpdate {
		return
	}
	node.Touch()
	for resource, value := range frame.Data {
		c.base.ForwardDataFromNode(node, resource, fmt.Sprint(value))
	}
}

// DiscoverNode asks a node to send its resource values.
func (c *Controller) DiscoverNode(node *gateway.Node) {
	nc := c.conn(node.UID)
	if nc == nil {
		return
	}
	if err := nc.write(messaging.DiscoverNode().Encode()); err != nil {
		c.lg.Printf("cannot send discover request to %s: %s", node, err)
	}
}

// UpdateNodeResource sends a resource change request to a node.
func (c *Controller) UpdateNodeResource(node *gateway.Node, endpoint, value string) error {
	nc := c.conn(node.UID)
	if nc == nil {
		return fmt.Errorf("no connection for %s", node)
	}
	raw, err := json.Marshal(struct {
		Endpoint string `json:"endpoint"`
		Payload  string `json:"payload"`
	}{endpoint, value})
	if err != nil {
		return err
	}
	return nc.write(raw)
}

// Close drops all node connections.
func (c *Controller) Close() error {
	c.mu.Lock()
	conns := make([]*nodeConn, 0, len(c.conns))
	for _, nc := range c.conns {
		conns = append(conns, nc)
	}
	c.mu.Unlock()

	for _, nc := range conns {
		nc.conn.Close()
	}
	return nil
}

func (c *Controller) conn(uid string) *nodeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[uid]
}

// nodeConn serializes writes to one node socket.
type nodeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (nc *nodeConn) write(raw []byte) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.conn.WriteMessage(websocket.TextMessage, raw)
}
