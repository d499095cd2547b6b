// Package broker implements the websocket hub relaying messages between web
// clients and protocol gateways.
package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/logger"
	"github.com/aiot/aiot/internal/messaging"
)

// authTimeout is the time a gateway connection has to present its token.
const authTimeout = 2 * time.Second

// A Hub terminates client and gateway websockets, authenticates gateways and
// routes normalized messages between both sides.
type Hub struct {
	lg   logger.Logger
	keys auth.Keys

	mu       sync.Mutex
	clients  map[string]*subscriber
	gateways map[*subscriber][]string

	upgrader websocket.Upgrader
}

// NewHub returns a new hub verifying gateway tokens against keys.
func NewHub(lg logger.Logger, keys auth.Keys) *Hub {
	if lg == nil {
		lg = logger.Null
	}
	return &Hub{
		lg:       lg,
		keys:     keys,
		clients:  make(map[string]*subscriber),
		gateways: make(map[*subscriber][]string),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// HandleClient serves one web client websocket. Each message received is
// stamped with the client uid and forwarded to every gateway.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Printf("client upgrade failed: %s", err)
		return
	}

	uid := uuid.NewString()
	sub := newSubscriber(conn)
	h.mu.Lock()
	h.clients[uid] = sub
	h.mu.Unlock()
	h.lg.Printf("new client connection %s", uid)

	go sub.writePump()
	defer h.removeClient(uid, sub)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.lg.Printf("client %s disconnected", uid)
			return
		}
		msg, reason := messaging.Decode(raw)
		if msg == nil {
			h.lg.Printf("invalid message from client %s: %s", uid, reason)
			sub.close(websocket.CloseUnsupportedData, reason)
			return
		}
		h.routeClientMessage(uid, msg)
	}
}

// HandleGateway serves one gateway websocket. The first frame must be a valid
// authentication token, anything else closes the connection.
func (h *Hub) HandleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Printf("gateway upgrade failed: %s", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, token, err := conn.ReadMessage()
	if err != nil || !auth.Verify(token, h.keys) {
		h.lg.Println("gateway authentication failed")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub := newSubscriber(conn)
	h.mu.Lock()
	h.gateways[sub] = []string{}
	h.mu.Unlock()
	h.lg.Println("gateway authenticated")

	go sub.writePump()
	defer h.removeGateway(sub)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.lg.Println("gateway disconnected")
			return
		}
		msg, reason := messaging.Decode(raw)
		if msg == nil {
			h.lg.Printf("invalid message from gateway: %s", reason)
			sub.close(websocket.CloseUnsupportedData, reason)
			return
		}
		h.routeGatewayMessage(sub, msg)
	}
}

// Close drops all client and gateway connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := maps.Values(h.clients)
	gateways := maps.Keys(h.gateways)
	h.clients = make(map[string]*subscriber)
	h.gateways = make(map[*subscriber][]string)
	h.mu.Unlock()

	for _, sub := range clients {
		sub.close(websocket.CloseGoingAway, "shutdown")
	}
	for _, sub := range gateways {
		sub.close(websocket.CloseGoingAway, "shutdown")
	}
	return nil
}

// routeClientMessage forwards one client message to every gateway.
func (h *Hub) routeClientMessage(uid string, msg *messaging.Message) {
	msg.Src = uid
	raw := msg.Encode()

	h.mu.Lock()
	gateways := maps.Keys(h.gateways)
	h.mu.Unlock()

	for _, gw := range gateways {
		if !gw.enqueue(raw) {
			h.lg.Println("dropping slow gateway")
			h.removeGateway(gw)
		}
	}
}

// routeGatewayMessage routes one gateway message to the clients, maintaining
// the gateway's node list on the way.
func (h *Hub) routeGatewayMessage(gw *subscriber, msg *messaging.Message) {
	switch msg.Type {
	case messaging.TypeNew:
		h.mu.Lock()
		if !slices.Contains(h.gateways[gw], msg.UID) {
			h.gateways[gw] = append(h.gateways[gw], msg.UID)
		}
		h.mu.Unlock()
		h.deliver(msg)
	case messaging.TypeUpdate:
		// drops gateway heartbeats and updates for unannounced nodes
		if !h.knowsNode(gw, msg.UID) {
			return
		}
		h.deliver(msg)
	case messaging.TypeOut:
		h.mu.Lock()
		uids := h.gateways[gw]
		i := slices.Index(uids, msg.UID)
		if i < 0 {
			h.mu.Unlock()
			return
		}
		h.gateways[gw] = slices.Delete(uids, i, i+1)
		h.mu.Unlock()
		h.broadcastToClients(msg.Encode())
	case messaging.TypeReset:
		h.broadcastToClients(msg.Encode())
	}
}

func (h *Hub) knowsNode(gw *subscriber, uid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.gateways[gw], uid)
}

// deliver routes msg according to its dst field: "all" fans out to every
// client, anything else addresses a single client and is dropped silently
// when that client is unknown.
func (h *Hub) deliver(msg *messaging.Message) {
	raw := msg.Encode()
	if msg.Dst == "" || msg.Dst == messaging.DstAll {
		h.broadcastToClients(raw)
		return
	}

	h.mu.Lock()
	sub := h.clients[msg.Dst]
	h.mu.Unlock()
	if sub == nil {
		return
	}
	if !sub.enqueue(raw) {
		h.lg.Printf("dropping slow client %s", msg.Dst)
		h.removeClient(msg.Dst, sub)
	}
}

func (h *Hub) broadcastToClients(raw []byte) {
	h.mu.Lock()
	clients := maps.Clone(h.clients)
	h.mu.Unlock()

	for uid, sub := range clients {
		if !sub.enqueue(raw) {
			h.lg.Printf("dropping slow client %s", uid)
			h.removeClient(uid, sub)
		}
	}
}

func (h *Hub) removeClient(uid string, sub *subscriber) {
	sub.close(0, "")
	h.mu.Lock()
	if h.clients[uid] == sub {
		delete(h.clients, uid)
	}
	h.mu.Unlock()
}

// removeGateway drops the gateway connection and broadcasts an out message
// for every node it had announced.
func (h *Hub) removeGateway(gw *subscriber) {
	gw.close(0, "")
	h.mu.Lock()
	uids := h.gateways[gw]
	delete(h.gateways, gw)
	h.mu.Unlock()

	for _, uid := range uids {
		h.broadcastToClients(messaging.OutNode(uid).Encode())
	}
}
