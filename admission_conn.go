package banext

import (
	"net"
	"strings"

	"github.com/google/uuid"
)

// Connection is the gate's view of one live client connection. The host
// fills Identity once the client has authenticated.
type Connection struct {
	ID            string
	SourceAddress string
	Identity      string
}

// NewConnection assigns a fresh connection ID to a peer at sourceAddress.
func NewConnection(sourceAddress string) *Connection {
	return &Connection{
		ID:            uuid.NewString(),
		SourceAddress: NormalizeSourceAddress(sourceAddress),
	}
}

// banSource is what a failure ban applies to: the identity once known,
// otherwise the address.
func (c *Connection) banSource() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.SourceAddress
}

// NormalizeSourceAddress strips the port from host:port forms so every
// connection from one host shares a key. Bare hosts pass through.
func NormalizeSourceAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}
