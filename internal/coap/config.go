package coap

import (
	"net"
	"time"

	piondtls "github.com/pion/dtls/v2"

	"github.com/aiot/aiot/internal/auth"
	"github.com/aiot/aiot/internal/gateway"
)

// Default values.
const (
	DefaultPort    = "5683"
	DefaultMaxTime = 120 * time.Second
)

// sweepInterval is the period of the dead node check.
const sweepInterval = time.Second

// requestTimeout bounds every outgoing CoAP request.
const requestTimeout = 5 * time.Second

// Config represents configuration data for the CoAP controller.
type Config struct {
	// UDP listen host
	Host string
	// UDP listen port
	Port string
	// delay without liveness indication after which a node expires
	MaxTime time.Duration
	// serve coaps (DTLS with the pre-shared key taken from Credentials)
	UseDTLS     bool
	Credentials auth.Credentials
	// optional key exchange run against nodes exposing /.well-known/edhoc;
	// expected to install the node secure channel on success
	Handshake func(node *gateway.Node, addr string) error
	// port nodes listen on, DefaultPort when empty
	NodePort string
}

func (c *Config) port() string {
	if c.Port == "" {
		return DefaultPort
	}
	return c.Port
}

func (c *Config) maxTime() time.Duration {
	if c.MaxTime == 0 {
		return DefaultMaxTime
	}
	return c.MaxTime
}

func (c *Config) addr() string { return net.JoinHostPort(c.Host, c.port()) }

func (c *Config) nodePort() string {
	if c.NodePort == "" {
		return DefaultPort
	}
	return c.NodePort
}

func (c *Config) dtls() *piondtls.Config {
	return &piondtls.Config{
		PSK:             func([]byte) ([]byte, error) { return []byte(c.Credentials.Password), nil },
		PSKIdentityHint: []byte(c.Credentials.Username),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}
