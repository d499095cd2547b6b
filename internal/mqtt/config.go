package mqtt

import (
	"net"
	"time"
)

// Default values.
const (
	DefaultHost    = "localhost"
	DefaultPort    = "1883"
	DefaultMaxTime = 120 * time.Second
)

// checkInterval is the period of the gateway/check re-announce request.
const checkInterval = 30 * time.Second

// sweepInterval is the period of the dead node check.
const sweepInterval = time.Second

// Config represents configuration data for the MQTT controller.
type Config struct {
	// MQTT broker host
	Host string
	// MQTT broker port
	Port string
	// MQTT broker credentials
	Username string
	Password string
	// delay without node check-in after which a node expires
	MaxTime time.Duration
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

func (c *Config) address() string { return net.JoinHostPort(c.Host, c.port()) }
