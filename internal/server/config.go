package server

import (
	"net"
)

// Default values.
const (
	DefaultHost = "localhost"
	DefaultPort = "8000"
)

// Config represents http configuration data for a listening service.
type Config struct {
	// HTTP host
	Host string
	// HTTP port
	Port string
}

func (c *Config) port() string {
	if c.Port == "" {
		return DefaultPort
	}
	return c.Port
}

func (c *Config) addr() string { return net.JoinHostPort(c.Host, c.port()) }
