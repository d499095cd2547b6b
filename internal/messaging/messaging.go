// Package messaging provides the normalized message envelope exchanged
// between clients, the broker and the gateways.
package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// Message types.
const (
	TypeNew    = "new"
	TypeUpdate = "update"
	TypeOut    = "out"
	TypeReset  = "reset"
)

// DstAll adresses a message to every connected client.
const DstAll = "all"

// AliveUID is the uid carried by gateway heartbeat messages.
const AliveUID = "alive"

var validTypes = []string{TypeNew, TypeUpdate, TypeOut, TypeReset}

// A Message is the envelope carried on every broker link as a UTF-8 JSON
// frame. Dst is set on gateway to broker messages, Src is stamped by the
// broker on client messages. Request is the alternate gateway to node shape.
type Message struct {
	Type     string `json:"type,omitempty"`
	UID      string `json:"uid,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Data     string `json:"data,omitempty"`
	Dst      string `json:"dst,omitempty"`
	Src      string `json:"src,omitempty"`
	Request  string `json:"request,omitempty"`
}

// NewNode returns a message indicating a new node.
func NewNode(uid, dst string) Message {
	return Message{Type: TypeNew, UID: uid, Dst: dst}
}

// OutNode returns a message indicating a node to remove.
func OutNode(uid string) Message {
	return Message{Type: TypeOut, UID: uid}
}

// ResetNode returns a message indicating a node reset.
func ResetNode(uid string) Message {
	return Message{Type: TypeReset, UID: uid}
}

// UpdateNode returns a message indicating a node resource update.
func UpdateNode(uid, endpoint, data, dst string) Message {
	return Message{Type: TypeUpdate, UID: uid, Endpoint: endpoint, Data: data, Dst: dst}
}

// NewClient returns the message a web client sends right after connecting.
func NewClient() Message {
	return Message{Type: TypeNew, Data: "new client connected"}
}

// DiscoverNode returns the discovery request sent to websocket nodes.
func DiscoverNode() Message {
	return Message{Request: "discover"}
}

// GatewayAlive returns the periodic gateway heartbeat message.
func GatewayAlive() Message {
	return Message{Type: TypeUpdate, UID: AliveUID}
}

// MarshalJSON keeps the data key on update frames even when the resource
// value is empty; an empty value is a valid reading, not an absent one.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeUpdate {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		Type     string `json:"type"`
		UID      string `json:"uid,omitempty"`
		Endpoint string `json:"endpoint,omitempty"`
		Data     string `json:"data"`
		Dst      string `json:"dst,omitempty"`
		Src      string `json:"src,omitempty"`
	}{m.Type, m.UID, m.Endpoint, m.Data, m.Dst, m.Src})
}

// Encode serializes the message to a JSON frame.
func (m Message) Encode() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		// all fields are plain strings
		panic(err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func (m Message) String() string { return string(m.Encode()) }

// Decode parses and verifies a received frame. On failure it returns a nil
// message and the reason to be used when closing the offending websocket.
func Decode(raw []byte) (*Message, string) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Sprintf("Invalid message '%s'. Only JSON format is supported.", raw)
	}
	if m.Type == "" && m.Request == "" {
		return nil, fmt.Sprintf("Invalid message '%s'.", raw)
	}
	if m.Type != "" && !slices.Contains(validTypes, m.Type) {
		return nil, fmt.Sprintf("Invalid message type '%s'.", m.Type)
	}
	return &m, ""
}
