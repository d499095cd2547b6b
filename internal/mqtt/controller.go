// Package mqtt implements the MQTT protocol gateway.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/aiot/aiot/internal/gateway"
	"github.com/aiot/aiot/internal/logger"
)

const (
	defChanSize = 100
	defaultQoS  = 1
	wait        = 250 // waiting time for client disconnect in ms
)

// Node facing topics.
const (
	checkTopic   = "node/check"
	gatewayCheck = "gateway/check"
)

type pubMsg struct {
	topic   string
	payload []byte
}

// A Controller bridges MQTT nodes to the broker: it tracks node check-ins,
// drives resource discovery over the node/gateway topic contract and
// translates client updates into set publishes.
type Controller struct {
	lg     logger.Logger
	base   *gateway.Base
	config *Config
	client MQTT.Client

	// nodes announce a broker scoped id, the hub only knows uids
	mu   sync.Mutex
	uids map[string]string // node id → uid
	ids  map[string]string // uid → node id

	pubCh chan *pubMsg
	done  chan struct{}
	wg    sync.WaitGroup
}

// New returns a new MQTT controller attached to base.
func New(lg logger.Logger, base *gateway.Base, config *Config) *Controller {
	c := newController(lg, base, config, nil)

	// mqtt 3.1 client as a clean session without client id; handlers run in
	// their own goroutines (order does not matter here) so they can block on
	// subscribe calls
	opts := MQTT.NewClientOptions()
	opts.AddBroker(config.address())
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	c.client = MQTT.NewClient(opts)
	return c
}

func newController(lg logger.Logger, base *gateway.Base, config *Config, client MQTT.Client) *Controller {
	if lg == nil {
		lg = logger.Null
	}
	c := &Controller{
		lg:     lg,
		base:   base,
		config: config,
		client: client,
		uids:   make(map[string]string),
		ids:    make(map[string]string),
		pubCh:  make(chan *pubMsg, defChanSize),
		done:   make(chan struct{}),
	}
	base.SetHandler(c)
	return c
}

// Start connects to the MQTT broker, subscribes to the node check-in topic
// and brings up the publish pump, the periodic re-announce request and the
// dead node sweep.
func (c *Controller) Start() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	c.lg.Printf("connected to mqtt broker %s", c.config.address())

	if err := c.subscribe(checkTopic, c.handleCheck); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.publishPump()
	go c.tickers()
	return nil
}

// Close shuts the controller down and disconnects from the MQTT broker.
func (c *Controller) Close() error {
	close(c.done)
	c.wg.Wait()
	c.unsubscribe(checkTopic)
	c.client.Disconnect(wait)
	c.lg.Printf("disconnected from mqtt broker %s", c.config.address())
	return nil
}

// handleCheck processes one node check-in on node/check.
func (c *Controller) handleCheck(client MQTT.Client, msg MQTT.Message) {
	var check struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Payload(), &check); err != nil || check.ID == "" {
		c.lg.Printf("invalid check-in payload '%s'", msg.Payload())
		return
	}

	if node := c.nodeByID(check.ID); node != nil {
		node.Touch()
		return
	}

	// reserve the id under the lock; handlers run concurrently and the same
	// node must not register twice
	node := gateway.NewNode(uuid.NewString(), map[string]string{"id": check.ID})
	c.mu.Lock()
	if _, ok := c.uids[check.ID]; ok {
		c.mu.Unlock()
		return
	}
	c.uids[check.ID] = node.UID
	c.ids[node.UID] = check.ID
	c.mu.Unlock()

	c.lg.Printf("new node %s checked in", check.ID)

	// subscribe before the discover request so the answer cannot be missed
	if err := c.subscribe(nodeTopic(check.ID, "resources"), c.handleResources); err != nil {
		c.lg.Printf("cannot subscribe to node %s: %s", check.ID, err)
		c.mu.Lock()
		delete(c.uids, check.ID)
		delete(c.ids, node.UID)
		c.mu.Unlock()
		return
	}
	c.base.AddNode(node)
}

// handleResources processes the resource list answered on
// node/<id>/resources.
func (c *Controller) handleResources(client MQTT.Client, msg MQTT.Message) {
	id := topicID(msg.Topic())
	var resources []string
	if err := json.Unmarshal(msg.Payload(), &resources); err != nil {
		c.lg.Printf("invalid resource list '%s' from node %s", msg.Payload(), id)
		return
	}
	if c.nodeByID(id) == nil {
		return
	}

	for _, resource := range resources {
		if err := c.subscribe(nodeTopic(id, resource), c.handleValue); err != nil {
			c.lg.Printf("cannot subscribe to node %s: %s", id, err)
			return
		}
	}
	c.publish(gatewayTopic(id, "discover"), []byte("values"))
}

// handleValue processes one resource value published on node/<id>/<resource>.
func (c *Controller) handleValue(client MQTT.Client, msg MQTT.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	id, resource := parts[1], parts[2]

	var value struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(msg.Payload(), &value); err != nil {
		c.lg.Printf("invalid value payload '%s' from node %s", msg.Payload(), id)
		return
	}
	node := c.nodeByID(id)
	if node == nil {
		return
	}
	c.base.ForwardDataFromNode(node, resource, fmt.Sprint(value.Value))
}

// DiscoverNode asks a node to answer its resource list.
func (c *Controller) DiscoverNode(node *gateway.Node) {
	c.publish(gatewayTopic(node.Resource("id"), "discover"), []byte("resources"))
}

// UpdateNodeResource publishes a set request changing one node resource.
func (c *Controller) UpdateNodeResource(node *gateway.Node, endpoint, value string) error {
	c.publish(gatewayTopic(node.Resource("id"), endpoint)+"/set", []byte(value))
	return nil
}

// publishPump delivers queued publishes with QoS 1.
func (c *Controller) publishPump() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.pubCh:
			c.lg.Printf("publish: topic %s payload '%s'", msg.topic, msg.payload)
			token := c.client.Publish(msg.topic, defaultQoS, false, msg.payload)
			if token.Wait() && token.Error() != nil {
				c.lg.Printf("publish failed: topic %s: %s", msg.topic, token.Error())
			}
		case <-c.done:
			return
		}
	}
}

// tickers runs the periodic re-announce request and the dead node sweep.
func (c *Controller) tickers() {
	defer c.wg.Done()
	check := time.NewTicker(checkInterval)
	defer check.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-check.C:
			c.publish(gatewayCheck, []byte{})
		case <-sweep.C:
			c.base.CheckDeadNodes(c.config.maxTime(), c.forget)
		case <-c.done:
			return
		}
	}
}

// forget drops an expired node's subscriptions and indices.
func (c *Controller) forget(node *gateway.Node) {
	c.mu.Lock()
	id := c.ids[node.UID]
	delete(c.ids, node.UID)
	delete(c.uids, id)
	c.mu.Unlock()
	if id == "" {
		return
	}

	c.unsubscribe(nodeTopic(id, "resources"))
	for resource := range node.Resources() {
		if resource == "protocol" || resource == "id" {
			continue
		}
		c.unsubscribe(nodeTopic(id, resource))
	}
}

func (c *Controller) nodeByID(id string) *gateway.Node {
	c.mu.Lock()
	uid := c.uids[id]
	c.mu.Unlock()
	if uid == "" {
		return nil
	}
	return c.base.GetNode(uid)
}

func (c *Controller) publish(topic string, payload []byte) {
	select {
	case c.pubCh <- &pubMsg{topic: topic, payload: payload}:
	default:
		c.lg.Printf("publish queue full, dropping topic %s", topic)
	}
}

func (c *Controller) subscribe(topic string, handler MQTT.MessageHandler) error {
	if token := c.client.Subscribe(topic, defaultQoS, handler); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Controller) unsubscribe(topic string) {
	if token := c.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		c.lg.Printf("unsubscribe failed: topic %s: %s", topic, token.Error())
	}
}

func nodeTopic(id, suffix string) string    { return "node/" + id + "/" + suffix }
func gatewayTopic(id, suffix string) string { return "gateway/" + id + "/" + suffix }

// topicID extracts the node id of a node/<id>/... topic.
func topicID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
