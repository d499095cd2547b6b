package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/messaging"
)

const linkTimeout = 2 * time.Second

// fakeBroker accepts gateway connections on /gw like the real broker and
// records each session's frames.
type fakeBroker struct {
	keys     auth.Keys
	srv      *httptest.Server
	sessions chan *brokerSession
}

type brokerSession struct {
	conn   *websocket.Conn
	authed bool
	frames chan *messaging.Message
}

func newFakeBroker(t *testing.T) *fakeBroker {
	keys, err := auth.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBroker{keys: keys, sessions: make(chan *brokerSession, 4)}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/gw", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, token, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s := &brokerSession{
			conn:   conn,
			authed: auth.Verify(token, keys),
			frames: make(chan *messaging.Message, 1024),
		}
		fb.sessions <- s
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				close(s.frames)
				return
			}
			if msg, _ := messaging.Decode(raw); msg != nil {
				s.frames <- msg
			}
		}
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/gw"
}

// nextSession waits for the gateway to connect and authenticate.
func (fb *fakeBroker) nextSession(t *testing.T) *brokerSession {
	select {
	case s := <-fb.sessions:
		if !s.authed {
			t.Fatal("gateway sent an invalid token")
		}
		return s
	case <-time.After(linkTimeout):
		t.Fatal("gateway not connected")
		return nil
	}
}

// await consumes frames until match accepts one.
func (s *brokerSession) await(t *testing.T, what string, match func(*messaging.Message) bool) {
	for {
		select {
		case msg, ok := <-s.frames:
			if !ok {
				t.Fatalf("connection closed waiting for %s", what)
			}
			if match(msg) {
				return
			}
		case <-time.After(linkTimeout):
			t.Fatalf("no %s received", what)
		}
	}
}

func newLinkBase(t *testing.T, fb *fakeBroker) *Base {
	b := NewBase(nil, "CoAP", fb.keys, fb.url())
	b.authSettle = 10 * time.Millisecond
	b.reconnectDelay = 20 * time.Millisecond
	b.aliveInterval = 50 * time.Millisecond
	return b
}

func testLinkSession(t *testing.T) {
	fb := newFakeBroker(t)
	b := newLinkBase(t, fb)
	b.AddNode(NewNode("n1", map[string]string{"ip": "::1"}))
	go b.Run()
	defer b.Close()

	s := fb.nextSession(t)

	// the pre-connect queue and the post-connect replay both announce the
	// node
	news := 0
	s.await(t, "node announcements", func(msg *messaging.Message) bool {
		if msg.Type == messaging.TypeNew && msg.UID == "n1" {
			news++
		}
		return news == 2
	})

	s.await(t, "heartbeat", func(msg *messaging.Message) bool {
		return msg.Type == messaging.TypeUpdate && msg.UID == messaging.AliveUID
	})
}

func testLinkReconnect(t *testing.T) {
	fb := newFakeBroker(t)
	b := newLinkBase(t, fb)
	b.AddNode(NewNode("n1", map[string]string{"ip": "::1"}))
	go b.Run()
	defer b.Close()

	s1 := fb.nextSession(t)
	s1.await(t, "node announcement", func(msg *messaging.Message) bool {
		return msg.Type == messaging.TypeNew && msg.UID == "n1"
	})
	s1.conn.Close()

	// a fresh authenticated session replays the surviving cache
	s2 := fb.nextSession(t)
	var seenNew, seenIP bool
	s2.await(t, "cache replay", func(msg *messaging.Message) bool {
		if msg.Type == messaging.TypeNew && msg.UID == "n1" {
			seenNew = true
		}
		if msg.Type == messaging.TypeUpdate && msg.UID == "n1" && msg.Endpoint == "ip" && msg.Data == "::1" {
			seenIP = true
		}
		return seenNew && seenIP
	})
}

func testLinkBacklog(t *testing.T) {
	fb := newFakeBroker(t)
	b := newLinkBase(t, fb)
	b.AddNode(NewNode("n1", map[string]string{"ip": "::1"}))

	// fill the outbound queue to capacity before connecting; the replay
	// must still get through once the session is up
	for i := 0; i < DefChanSize; i++ {
		b.SendToBroker(messaging.UpdateNode("n1", "temp", "23", messaging.DstAll))
	}
	go b.Run()
	defer b.Close()

	s := fb.nextSession(t)
	news := 0
	s.await(t, "replayed announcement", func(msg *messaging.Message) bool {
		if msg.Type == messaging.TypeNew && msg.UID == "n1" {
			news++
		}
		return news == 2
	})
}

func TestBrokerLink(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T)
	}{
		{"session", testLinkSession},
		{"reconnect", testLinkReconnect},
		{"backlog", testLinkBacklog},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fct(t)
		})
	}
}
