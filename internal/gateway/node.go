package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// A SecureChannel is a per-node authenticated-encryption capability. A node
// without one never accepts or emits ciphertext.
type SecureChannel interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// A Node represents a managed device reachable via one gateway. The uid is
// generated on first contact and stable for the node's lifetime.
type Node struct {
	UID string

	mu        sync.RWMutex
	resources map[string]string
	lastSeen  time.Time
	secure    SecureChannel
}

// NewNode returns a new node instance with the given default resources.
func NewNode(uid string, defaults map[string]string) *Node {
	n := &Node{
		UID:       uid,
		resources: make(map[string]string),
		lastSeen:  time.Now(),
	}
	for resource, value := range defaults {
		n.resources[resource] = value
	}
	return n
}

func (n *Node) String() string { return fmt.Sprintf("Node <%s>", n.UID) }

// Touch refreshes the node liveness timestamp.
func (n *Node) Touch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSeen = time.Now()
}

// LastSeen returns the timestamp of the most recent liveness indication.
func (n *Node) LastSeen() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSeen
}

// SetResource caches the last-known value of a resource.
func (n *Node) SetResource(resource, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources[resource] = value
}

// Resource returns the cached value of a resource.
func (n *Node) Resource(resource string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.resources[resource]
}

// Resources returns a snapshot of the cached resources.
func (n *Node) Resources() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.resources)
}

// ClearResources drops all cached resources.
func (n *Node) ClearResources() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources = make(map[string]string)
}

// SetSecureChannel installs an authenticated-encryption capability.
func (n *Node) SetSecureChannel(sc SecureChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.secure = sc
}

// SecureChannel returns the installed capability, or nil for cleartext nodes.
func (n *Node) SecureChannel() SecureChannel {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.secure
}

// aesChannel is an AES-GCM secure channel with a random nonce prefix.
type aesChannel struct {
	aead cipher.AEAD
}

// NewAESChannel returns a secure channel sealing with AES-GCM under key.
func NewAESChannel(key []byte) (SecureChannel, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesChannel{aead: aead}, nil
}

func (c *aesChannel) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

func (c *aesChannel) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}
	nonce, ct := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, ct, nil)
}
