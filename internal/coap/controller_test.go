package coap

import (
	"bytes"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/gateway"
)

// newTestController returns a controller without discovery, so tests never
// touch the network.
func newTestController(t *testing.T) (*Controller, *gateway.Base) {
	return newTestControllerConfig(t, &Config{})
}

func newTestControllerConfig(t *testing.T, cfg *Config) (*Controller, *gateway.Base) {
	keys, err := auth.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	base := gateway.NewBase(nil, "CoAP", keys, "ws://localhost:0/gw")
	c := New(nil, base, cfg)
	base.SetHandler(nil)
	return c, base
}

// testNode serves resources over UDP like a constrained node and records the
// PUT payloads it receives.
type testNode struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (n *testNode) put(path string) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.puts[path]
}

func startTestNode(t *testing.T, resources map[string]string, putCodes map[string]codes.Code) (*testNode, string) {
	tn := &testNode{puts: make(map[string][]byte)}
	r := mux.NewRouter()

	links := []string{"</.well-known/core>;ct=40"}
	for path := range resources {
		links = append(links, "<"+path+">")
	}
	core := strings.Join(links, ",")
	r.Handle(wellKnownCore, mux.HandlerFunc(func(w mux.ResponseWriter, m *mux.Message) {
		w.SetResponse(codes.Content, message.AppLinkFormat, bytes.NewReader([]byte(core)))
	}))

	for path, value := range resources {
		path, value := path, value
		r.Handle(path, mux.HandlerFunc(func(w mux.ResponseWriter, m *mux.Message) {
			if m.Code() == codes.PUT {
				body, _ := m.ReadBody()
				tn.mu.Lock()
				tn.puts[path] = body
				tn.mu.Unlock()
				code := codes.Changed
				if c, ok := putCodes[path]; ok {
					code = c
				}
				w.SetResponse(code, message.TextPlain, bytes.NewReader(nil))
				return
			}
			w.SetResponse(codes.Content, message.TextPlain, bytes.NewReader([]byte(value)))
		}))
	}

	l, err := coapnet.NewListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := udp.NewServer(options.WithMux(r))
	go s.Serve(l)
	t.Cleanup(func() {
		s.Stop()
		l.Close()
	})
	return tn, strconv.Itoa(l.LocalAddr().(*net.UDPAddr).Port)
}

func testParseLinks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"empty", "", nil},
		{"single", "</temp>", []string{"/temp"}},
		{"multi", `</.well-known/core>;ct=40,</temp>;rt="sensor",</led>`, []string{"/.well-known/core", "/temp", "/led"}},
		{"quotedComma", `</temp>;title="a,b",</led>`, []string{"/temp", "/led"}},
		{"garbage", "no links here", nil},
	}

	for _, test := range tests {
		if got := parseLinks([]byte(test.body)); !reflect.DeepEqual(got, test.want) {
			t.Fatalf("%s: invalid paths %v - expected %v", test.name, got, test.want)
		}
	}
}

func testAliveNew(t *testing.T) {
	c, base := newTestController(t)

	c.alive("token:n1", "fd00::1")

	node := base.GetNode("n1")
	if node == nil {
		t.Fatal("node not added")
	}
	resources := node.Resources()
	if resources["protocol"] != "CoAP" || resources["ip"] != "fd00::1" {
		t.Fatalf("invalid resources %v", resources)
	}
	if c.ipUID("fd00::1") != "n1" {
		t.Fatal("address not indexed")
	}
}

func testAliveKnown(t *testing.T) {
	c, base := newTestController(t)
	c.alive("token:n1", "fd00::1")
	node := base.GetNode("n1")
	seen := node.LastSeen()

	time.Sleep(10 * time.Millisecond)
	c.alive("token:n1", "fd00::1")

	if !node.LastSeen().After(seen) {
		t.Fatal("liveness not refreshed")
	}
}

func testAliveReset(t *testing.T) {
	c, base := newTestController(t)
	c.alive("token:n1", "fd00::1")
	node := base.GetNode("n1")
	node.SetResource("temp", "23")

	// the node rebooted and came back with a new address
	c.alive("reset:n1", "fd00::2")

	resources := node.Resources()
	if _, ok := resources["temp"]; ok {
		t.Fatal("stale resource survived reset")
	}
	if resources["ip"] != "fd00::2" {
		t.Fatalf("invalid resources %v", resources)
	}
	if c.ipUID("fd00::1") != "" || c.ipUID("fd00::2") != "n1" {
		t.Fatal("address index not moved")
	}
}

func testAliveConcurrent(t *testing.T) {
	c, base := newTestController(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.alive("token:n1", "fd00::1")
		}()
	}
	wg.Wait()

	if n := len(base.Nodes()); n != 1 {
		t.Fatalf("%d nodes registered - expected 1", n)
	}
	if c.ipUID("fd00::1") != "n1" {
		t.Fatal("address not indexed")
	}
}

func testAliveInvalid(t *testing.T) {
	c, base := newTestController(t)

	c.alive("nocolon", "fd00::1")

	if len(base.Nodes()) != 0 {
		t.Fatal("node added from invalid payload")
	}
}

func testServerData(t *testing.T) {
	c, base := newTestController(t)
	c.alive("token:n1", "fd00::1")
	node := base.GetNode("n1")

	c.serverData([]byte("temp:23"), "fd00::1")
	if node.Resource("temp") != "23" {
		t.Fatal("resource not cached")
	}

	// unknown source address
	c.serverData([]byte("temp:42"), "fd00::9")
	if node.Resource("temp") != "23" {
		t.Fatal("data from unknown address accepted")
	}
}

func testServerDataEncrypted(t *testing.T) {
	c, base := newTestController(t)
	c.alive("token:n1", "fd00::1")
	node := base.GetNode("n1")

	sc, err := gateway.NewAESChannel(make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	node.SetSecureChannel(sc)

	ct, err := sc.Encrypt([]byte("23"))
	if err != nil {
		t.Fatal(err)
	}
	c.serverData(append([]byte("temp:"), ct...), "fd00::1")
	if node.Resource("temp") != "23" {
		t.Fatal("encrypted resource not cached")
	}

	// garbage ciphertext is dropped
	c.serverData([]byte("temp:garbage"), "fd00::1")
	if node.Resource("temp") != "23" {
		t.Fatal("invalid ciphertext accepted")
	}
}

func testUpdateNodeResource(t *testing.T) {
	tn, port := startTestNode(t, map[string]string{"/led": "0", "/ro": "1"},
		map[string]codes.Code{"/ro": codes.Forbidden})
	c, base := newTestControllerConfig(t, &Config{NodePort: port})
	c.alive("token:n1", "127.0.0.1")
	node := base.GetNode("n1")

	if err := c.UpdateNodeResource(node, "led", "1"); err != nil {
		t.Fatal(err)
	}
	if body := tn.put("/led"); string(body) != "1" {
		t.Fatalf("invalid put payload '%s'", body)
	}
	if node.Resource("led") != "1" {
		t.Fatal("resource not cached")
	}

	// the cache only changes on a 2.04 response
	if err := c.UpdateNodeResource(node, "ro", "0"); err != nil {
		t.Fatal(err)
	}
	if node.Resource("ro") != "" {
		t.Fatal("rejected update cached")
	}
}

func testUpdateNodeResourceEncrypted(t *testing.T) {
	tn, port := startTestNode(t, map[string]string{"/led": "0"}, nil)
	c, base := newTestControllerConfig(t, &Config{NodePort: port})
	c.alive("token:n1", "127.0.0.1")
	node := base.GetNode("n1")

	sc, err := gateway.NewAESChannel(make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	node.SetSecureChannel(sc)

	if err := c.UpdateNodeResource(node, "led", "1"); err != nil {
		t.Fatal(err)
	}
	pt, err := sc.Decrypt(tn.put("/led"))
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "1" {
		t.Fatalf("invalid put plaintext '%s'", pt)
	}
	// the cache holds the plaintext value
	if node.Resource("led") != "1" {
		t.Fatal("resource not cached")
	}
}

func testDiscoverNode(t *testing.T) {
	_, port := startTestNode(t, map[string]string{"/temp": "23", "/led": "0"}, nil)
	c, base := newTestControllerConfig(t, &Config{NodePort: port})
	c.alive("token:n1", "127.0.0.1")
	node := base.GetNode("n1")

	c.DiscoverNode(node)

	resources := node.Resources()
	if resources["temp"] != "23" || resources["led"] != "0" {
		t.Fatalf("invalid discovered resources %v", resources)
	}
}

func testExpiry(t *testing.T) {
	c, base := newTestController(t)
	c.alive("token:n1", "fd00::1")

	time.Sleep(10 * time.Millisecond)
	base.CheckDeadNodes(time.Millisecond, c.forgetIP)

	if base.HasNode("n1") {
		t.Fatal("node not expired")
	}
	if c.ipUID("fd00::1") != "" {
		t.Fatal("address index not cleaned")
	}
}

func TestController(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"parseLinks", testParseLinks},
		{"aliveNew", testAliveNew},
		{"aliveKnown", testAliveKnown},
		{"aliveReset", testAliveReset},
		{"aliveConcurrent", testAliveConcurrent},
		{"aliveInvalid", testAliveInvalid},
		{"serverData", testServerData},
		{"serverDataEncrypted", testServerDataEncrypted},
		{"updateNodeResource", testUpdateNodeResource},
		{"updateNodeResourceEncrypted", testUpdateNodeResourceEncrypted},
		{"discoverNode", testDiscoverNode},
		{"expiry", testExpiry},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
