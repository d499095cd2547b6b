// Package config provides the yaml configuration file shared by the broker
// and the gateway binaries.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultBrokerHost  = "localhost"
	DefaultBrokerPort  = "8000"
	DefaultGatewayPort = "8001"
)

// Config represents the configuration file content. Values set on the
// command line take precedence over file values.
type Config struct {
	// listen port of the binary's own http server
	Port string `yaml:"port"`
	// address of the broker the gateways connect to
	BrokerHost string `yaml:"broker-host"`
	BrokerPort string `yaml:"broker-port"`
	// authentication key file
	KeyFile string `yaml:"key-file"`
	Debug   bool   `yaml:"debug"`

	// CoAP gateway
	CoapPort string `yaml:"coap-port"`
	// MQTT gateway
	MqttHost string `yaml:"mqtt-host"`
	MqttPort string `yaml:"mqtt-port"`
	// WebSocket gateway
	GatewayPort string `yaml:"gateway-port"`
	// node expiry delay in seconds
	MaxTime int `yaml:"max-time"`
}

// Load reads a configuration file. An empty filename yields an empty
// configuration.
func Load(filename string) (*Config, error) {
	c := new(Config)
	if filename == "" {
		return c, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file '%s': %s", filename, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %s", filename, err)
	}
	return c, nil
}

func (c *Config) brokerHost() string {
	if c.BrokerHost == "" {
		return DefaultBrokerHost
	}
	return c.BrokerHost
}

func (c *Config) brokerPort() string {
	if c.BrokerPort == "" {
		return DefaultBrokerPort
	}
	return c.BrokerPort
}

// BrokerURL returns the websocket url of the broker gateway endpoint.
func (c *Config) BrokerURL() string {
	return "ws://" + net.JoinHostPort(c.brokerHost(), c.brokerPort()) + "/gw"
}

// MaxTimeDuration returns the node expiry delay, zero when unset.
func (c *Config) MaxTimeDuration() time.Duration {
	return time.Duration(c.MaxTime) * time.Second
}
