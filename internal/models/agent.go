package models

import (
	"fmt"
	"net"
	"strconv"
)

// AgentConnection holds the parameters the server uses to dial an agent. An empty Host
// means the agent dials in to the server instead.
type AgentConnection struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
	// Fingerprint is the hex SHA-256 of the agent's DER certificate.
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// DialIn reports whether the agent connects to the server rather than the other way around
func (c AgentConnection) DialIn() bool {
	return c.Host == ""
}

// Address returns host:port
func (c AgentConnection) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AgentConfig describes one build agent known to the server
type AgentConfig struct {
	Name       string          `json:"name" yaml:"name"`
	Key        string          `json:"key,omitempty" yaml:"key"`
	Workers    int             `json:"workers" yaml:"workers"`
	Connection AgentConnection `json:"connection" yaml:"connection"`
}

// Validate checks the configuration, including the worker bounds
func (c AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.Key == "" {
		return fmt.Errorf("agent %s: key is required", c.Name)
	}
	if err := ValidateWorkers(c.Workers); err != nil {
		return fmt.Errorf("agent %s: %w", c.Name, err)
	}
	if !c.Connection.DialIn() && (c.Connection.Port <= 0 || c.Connection.Port > 65535) {
		return fmt.Errorf("agent %s: invalid port %d", c.Name, c.Connection.Port)
	}
	return nil
}

// ValidateWorkers checks that n is within [1, MaxWorkers]
func ValidateWorkers(n int) error {
	if n < 1 || n > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d, got %d", MaxWorkers, n)
	}
	return nil
}
