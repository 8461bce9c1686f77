package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dcrodman/cerver/internal/core/debug"
	"github.com/dcrodman/cerver/internal/packets"
)

var ErrConnectionClosed = errors.New("client: connection closed")

// Connection is a single network connection belonging to a Client.
type Connection struct {
	conn   net.Conn
	ipAddr string
	port   string

	// Debug enables printing every frame sent on this connection to stdout.
	Debug bool
	// Label identifies the cerver owning the connection in debug output.
	Label string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    int32

	packetsSent uint64
	bytesSent   uint64
}

func NewConnection(conn net.Conn) *Connection {
	ipAddr, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ipAddr = conn.RemoteAddr().String()
	}

	return &Connection{
		conn:   conn,
		ipAddr: ipAddr,
		port:   port,
	}
}

func (c *Connection) IPAddr() string { return c.ipAddr }
func (c *Connection) Port() string   { return c.port }

func (c *Connection) RemoteAddr() string {
	return net.JoinHostPort(c.ipAddr, c.port)
}

// Reader exposes the underlying connection for frame reads.
func (c *Connection) Reader() io.Reader { return c.conn }

// Read consumes the available bytes directly from the connection.
func (c *Connection) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// Close the connection. Closing an already closed connection is a no-op.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) Closed() bool { return atomic.LoadInt32(&c.closed) == 1 }

// Send frames payload with a header of the given type and writes it to the peer.
func (c *Connection) Send(packetType packets.PacketType, reqType uint32, handlerID uint8, payload []byte) error {
	return c.SendRaw(packets.NewFrame(packetType, reqType, handlerID, payload))
}

// SendRaw writes an already framed packet to the peer as-is.
func (c *Connection) SendRaw(frame []byte) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	if c.Debug {
		debug.PrintPacket(debug.PrintPacketParams{
			Writer:     bufio.NewWriter(os.Stdout),
			CerverName: c.Label,
			ClientAddr: c.RemoteAddr(),
			Data:       frame,
		})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.transmit(frame); err != nil {
		return err
	}
	atomic.AddUint64(&c.packetsSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(frame)))
	return nil
}

// transmit writes the contents of data to the connection until every byte is sent.
func (c *Connection) transmit(data []byte) error {
	for bytesSent := 0; bytesSent < len(data); {
		n, err := c.conn.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.RemoteAddr(), err)
		}
		bytesSent += n
	}
	return nil
}

func (c *Connection) PacketsSent() uint64 { return atomic.LoadUint64(&c.packetsSent) }
func (c *Connection) BytesSent() uint64   { return atomic.LoadUint64(&c.bytesSent) }
