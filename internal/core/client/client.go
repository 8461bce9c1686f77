package client

import (
	"sync"
	"sync/atomic"
	"time"
)

var nextClientID uint64

// Client represents a peer connected to a cerver. A client owns one or more
// connections; it is dropped once its last connection closes.
type Client struct {
	id uint64

	// Name is informative only, it defaults to the address of the first connection.
	Name string

	mu           sync.RWMutex
	connections  []*Connection
	connectedAt  time.Time
	lastActivity time.Time

	packetsReceived uint64
	bytesReceived   uint64
}

func NewClient() *Client {
	now := time.Now()
	return &Client{
		id:           atomic.AddUint64(&nextClientID, 1),
		connectedAt:  now,
		lastActivity: now,
	}
}

func (c *Client) ID() uint64 { return c.id }

func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// AddConnection registers conn as belonging to this client.
func (c *Client) AddConnection(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Name == "" {
		c.Name = conn.RemoteAddr()
	}
	c.connections = append(c.connections, conn)
}

// RemoveConnection forgets conn and returns how many connections remain.
func (c *Client) RemoveConnection(conn *Connection) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.connections {
		if existing == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			break
		}
	}
	return len(c.connections)
}

// Connections returns a copy of the client's active connections.
func (c *Client) Connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conns := make([]*Connection, len(c.connections))
	copy(conns, c.connections)
	return conns
}

// Close closes every connection the client still has, returning the first error.
func (c *Client) Close() error {
	var firstErr error
	for _, conn := range c.Connections() {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Touch records that n bytes were received from the client.
func (c *Client) Touch(n int) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	atomic.AddUint64(&c.packetsReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(n))
}

func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Client) PacketsReceived() uint64 { return atomic.LoadUint64(&c.packetsReceived) }
func (c *Client) BytesReceived() uint64   { return atomic.LoadUint64(&c.bytesReceived) }
