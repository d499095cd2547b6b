package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendChanSize defines the per-subscriber send queue size.
const sendChanSize = 256

// writeTimeout bounds a single websocket write; a subscriber blocking longer
// is considered dead.
const writeTimeout = 2 * time.Second

// A subscriber is one websocket peer (client or gateway) with its own send
// queue, so a slow peer never stalls routing to the others.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn: conn,
		send: make(chan []byte, sendChanSize),
		done: make(chan struct{}),
	}
}

// enqueue queues raw for delivery. It reports false when the queue is full,
// meaning the subscriber cannot keep up.
func (s *subscriber) enqueue(raw []byte) bool {
	select {
	case <-s.done:
		return true
	case s.send <- raw:
		return true
	default:
		return false
	}
}

// writePump delivers queued messages until the subscriber is closed or a
// write fails.
func (s *subscriber) writePump() {
	for {
		select {
		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// close shuts the subscriber down. A non-zero code is sent as websocket close
// frame before the connection goes away.
func (s *subscriber) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		if code != 0 {
			frame := websocket.FormatCloseMessage(code, reason)
			s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
		}
		s.conn.Close()
	})
}
