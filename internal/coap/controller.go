// Package coap implements the CoAP protocol gateway.
package coap

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/aiot/aiot/internal/gateway"
	"github.com/aiot/aiot/internal/logger"
)

const wellKnownCore = "/.well-known/core"
const wellKnownEDHOC = "/.well-known/edhoc"

// A Controller runs the CoAP server resources (/alive and /server), fetches
// each node's resource directory and translates client updates into
// CoAP PUTs.
type Controller struct {
	lg     logger.Logger
	base   *gateway.Base
	config *Config

	// nodes check in by uid but report data by source address
	mu  sync.Mutex
	ips map[string]string // ip → uid

	listener io.Closer
	server   interface{ Stop() }
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a new CoAP controller attached to base.
func New(lg logger.Logger, base *gateway.Base, config *Config) *Controller {
	if lg == nil {
		lg = logger.Null
	}
	c := &Controller{
		lg:     lg,
		base:   base,
		config: config,
		ips:    make(map[string]string),
		done:   make(chan struct{}),
	}
	base.SetHandler(c)
	return c
}

// Start brings up the CoAP server and the dead node sweep.
func (c *Controller) Start() error {
	r := mux.NewRouter()
	r.Handle("/alive", mux.HandlerFunc(c.handleAlive))
	r.Handle("/server", mux.HandlerFunc(c.handleServer))

	serve, err := c.listen(r)
	if err != nil {
		return err
	}

	c.lg.Printf("start coap server %s", c.config.addr())
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := serve(); err != nil {
			c.lg.Printf("coap server stopped: %s", err)
		}
	}()
	go c.sweep()
	return nil
}

// listen brings up the UDP listener, or a DTLS one when coaps is enabled.
func (c *Controller) listen(r *mux.Router) (func() error, error) {
	if c.config.UseDTLS {
		l, err := coapnet.NewDTLSListener("udp", c.config.addr(), c.config.dtls())
		if err != nil {
			return nil, err
		}
		s := dtls.NewServer(options.WithMux(r))
		c.listener, c.server = l, s
		return func() error { return s.Serve(l) }, nil
	}

	l, err := coapnet.NewListenUDP("udp", c.config.addr())
	if err != nil {
		return nil, err
	}
	s := udp.NewServer(options.WithMux(r))
	c.listener, c.server = l, s
	return func() error { return s.Serve(l) }, nil
}

// Close stops the CoAP server and the sweep.
func (c *Controller) Close() error {
	close(c.done)
	if c.server != nil {
		c.server.Stop()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	return nil
}

// sweep expires nodes without a liveness indication for longer than maxTime.
func (c *Controller) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.base.CheckDeadNodes(c.config.maxTime(), c.forgetIP)
		case <-c.done:
			return
		}
	}
}

// handleAlive serves POST /alive with payload "<token>:<uid>" or
// "reset:<uid>".
func (c *Controller) handleAlive(w mux.ResponseWriter, r *mux.Message) {
	body, err := r.ReadBody()
	if err != nil {
		return
	}
	c.alive(string(body), remoteIP(w.Conn().RemoteAddr()))
	w.SetResponse(codes.Changed, message.TextPlain, bytes.NewReader(nil))
}

// handleServer serves POST /server with payload "<endpoint>:<value>".
func (c *Controller) handleServer(w mux.ResponseWriter, r *mux.Message) {
	body, err := r.ReadBody()
	if err != nil {
		return
	}
	c.serverData(body, remoteIP(w.Conn().RemoteAddr()))
	w.SetResponse(codes.Changed, message.TextPlain, bytes.NewReader(nil))
}

// alive processes one node check-in. The uid identifies the node, not the
// source address, which can change over the node's lifetime.
func (c *Controller) alive(payload, ip string) {
	i := strings.LastIndexByte(payload, ':')
	if i < 0 {
		c.lg.Printf("invalid alive payload '%s' from %s", payload, ip)
		return
	}
	uid := payload[i+1:]
	c.setIP(ip, uid)

	if node := c.base.GetNode(uid); node != nil {
		if strings.HasPrefix(payload, "reset") {
			c.base.ResetNode(node, map[string]string{"ip": ip})
			return
		}
		node.Touch()
		return
	}

	// requests are served concurrently, the registry arbitrates between
	// simultaneous first check-ins of the same uid
	if !c.base.AddNode(gateway.NewNode(uid, map[string]string{"ip": ip})) {
		if node := c.base.GetNode(uid); node != nil {
			node.Touch()
		}
		return
	}
	c.lg.Printf("new node %s checked in from %s", uid, ip)
}

// serverData processes data pushed by a node. Unknown source addresses are
// ignored.
func (c *Controller) serverData(payload []byte, ip string) {
	node := c.base.GetNode(c.ipUID(ip))
	if node == nil {
		c.lg.Printf("dropping data from unknown address %s", ip)
		return
	}
	endpoint, value, ok := bytes.Cut(payload, []byte(":"))
	if !ok {
		c.lg.Printf("invalid server payload from %s", ip)
		return
	}
	if sc := node.SecureChannel(); sc != nil {
		decrypted, err := sc.Decrypt(value)
		if err != nil {
			c.lg.Printf("cannot decrypt data from %s: %s", node, err)
			return
		}
		value = decrypted
	}
	c.base.ForwardDataFromNode(node, string(endpoint), string(value))
}

// DiscoverNode fetches the node resource directory and the value of every
// listed resource. Errors on single resources are skipped, discovery of the
// others continues.
func (c *Controller) DiscoverNode(node *gateway.Node) {
	addr := c.nodeAddr(node)
	conn, err := udp.Dial(addr)
	if err != nil {
		c.lg.Printf("cannot reach %s at %s: %s", node, addr, err)
		return
	}
	defer conn.Close()

	body, err := c.get(conn, wellKnownCore)
	if err != nil {
		c.lg.Printf("discovery of %s failed: %s", node, err)
		return
	}

	for _, path := range parseLinks(body) {
		switch path {
		case wellKnownCore:
			continue
		case wellKnownEDHOC:
			if c.config.Handshake == nil {
				continue
			}
			if err := c.config.Handshake(node, addr); err != nil {
				c.lg.Printf("handshake with %s failed: %s", node, err)
			}
			continue
		}

		value, err := c.get(conn, path)
		if err != nil {
			c.lg.Printf("skipping resource %s of %s: %s", path, node, err)
			continue
		}
		if sc := node.SecureChannel(); sc != nil {
			value, err = sc.Decrypt(value)
			if err != nil {
				c.lg.Printf("skipping resource %s of %s: %s", path, node, err)
				continue
			}
		}
		c.base.ForwardDataFromNode(node, strings.TrimPrefix(path, "/"), string(value))
	}
}

// UpdateNodeResource sends a PUT to change a node resource. The cache update
// notifying the broker only happens on a 2.04 Changed response.
func (c *Controller) UpdateNodeResource(node *gateway.Node, endpoint, value string) error {
	conn, err := udp.Dial(c.nodeAddr(node))
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := []byte(value)
	if sc := node.SecureChannel(); sc != nil {
		if payload, err = sc.Encrypt(payload); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := conn.Put(ctx, "/"+endpoint, message.TextPlain, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if resp.Code() != codes.Changed {
		c.lg.Printf("%s rejected update of %s: %s", node, endpoint, resp.Code())
		return nil
	}
	c.base.ForwardDataFromNode(node, endpoint, value)
	return nil
}

func (c *Controller) get(conn *udpclient.Conn, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := conn.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return resp.ReadBody()
}

func (c *Controller) nodeAddr(node *gateway.Node) string {
	return net.JoinHostPort(node.Resource("ip"), c.config.nodePort())
}

// setIP indexes ip as the current address of uid, dropping any stale address
// the node previously reported from.
func (c *Controller) setIP(ip, uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for known, owner := range c.ips {
		if owner == uid && known != ip {
			delete(c.ips, known)
		}
	}
	c.ips[ip] = uid
}

func (c *Controller) ipUID(ip string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ips[ip]
}

func (c *Controller) forgetIP(node *gateway.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, uid := range c.ips {
		if uid == node.UID {
			delete(c.ips, ip)
		}
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
