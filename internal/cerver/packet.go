package cerver

import (
	"errors"
	"fmt"

	"github.com/gobwas/pool/pbytes"

	"github.com/dcrodman/cerver/internal/core/client"
	"github.com/dcrodman/cerver/internal/packets"
)

var ErrShortRead = errors.New("cerver: not enough packet data left")

// Packet is the envelope handed to a Handler for a single received packet.
//
// Cerver, Client, Connection and Lobby are lookup references only; the Packet does
// not manage their lifetimes. Data and Raw are read-only views into the received
// frame. When their ownership is Borrowed they belong to the runtime and must not be
// used after the handler returns.
type Packet struct {
	Cerver     *Cerver
	Client     *client.Client
	Connection *client.Connection
	// Lobby the client was in when the packet arrived, nil if none.
	Lobby *Lobby

	PacketType packets.PacketType
	ReqType    uint32

	DataSize int
	Data     []byte
	// DataPtr and DataEnd bound the part of Data not consumed yet.
	DataPtr       int
	DataEnd       int
	DataOwnership packets.Ownership

	Header  *packets.PacketHeader
	Version *packets.PacketVersion

	PacketSize      int
	Raw             []byte
	PacketOwnership packets.Ownership

	pool     *pbytes.Pool
	released bool
}

// newPacket wraps a received frame. The frame came from pool and is Borrowed.
func newPacket(c *Cerver, cl *client.Client, conn *client.Connection, header packets.PacketHeader, frame []byte, pool *pbytes.Pool) *Packet {
	h := header
	data := frame[packets.HeaderSize:]
	return &Packet{
		Cerver:          c,
		Client:          cl,
		Connection:      conn,
		PacketType:      h.PacketType,
		ReqType:         h.PacketTypeSecondary,
		DataSize:        len(data),
		Data:            data,
		DataEnd:         len(data),
		DataOwnership:   packets.Borrowed,
		Header:          &h,
		PacketSize:      len(frame),
		Raw:             frame,
		PacketOwnership: packets.Borrowed,
		pool:            pool,
	}
}

// DataRef reports whether Data is only referenced by the Packet and is therefore
// invalid once the handler returns.
func (p *Packet) DataRef() bool { return p.DataOwnership == packets.Borrowed }

// PacketRef is the equivalent of DataRef for Raw.
func (p *Packet) PacketRef() bool { return p.PacketOwnership == packets.Borrowed }

// Remaining returns the number of payload bytes not consumed yet.
func (p *Packet) Remaining() int { return p.DataEnd - p.DataPtr }

// Unread returns the payload bytes not consumed yet without advancing the cursor.
func (p *Packet) Unread() []byte { return p.Data[p.DataPtr:p.DataEnd] }

// Read consumes the next n payload bytes. The returned slice shares the ownership of Data.
func (p *Packet) Read(n int) ([]byte, error) {
	if n < 0 || n > p.Remaining() {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrShortRead, n, p.Remaining())
	}
	b := p.Data[p.DataPtr : p.DataPtr+n]
	p.DataPtr += n
	return b, nil
}

// CheckFraming verifies that the header agrees with the payload actually present.
func (p *Packet) CheckFraming() error {
	if p.Header == nil {
		return fmt.Errorf("%w: missing header", packets.ErrFramingViolation)
	}
	if err := packets.CheckSize(p.Header, p.DataSize); err != nil {
		return err
	}
	if len(p.Data) != p.DataSize || p.DataPtr < 0 || p.DataPtr > p.DataEnd || p.DataEnd > len(p.Data) {
		return fmt.Errorf("%w: payload bounds %d..%d of %d bytes",
			packets.ErrFramingViolation, p.DataPtr, p.DataEnd, len(p.Data))
	}
	return nil
}

// Reply sends a packet back on the connection the packet arrived on.
func (p *Packet) Reply(t packets.PacketType, reqType uint32, payload []byte) error {
	return p.Cerver.send(p.Connection, t, reqType, p.Header.HandlerID, payload)
}

// own replaces the borrowed frame with a private copy the handler may keep and
// returns the pooled buffer.
func (p *Packet) own() {
	if p.PacketOwnership == packets.Owned {
		return
	}
	raw := make([]byte, len(p.Raw))
	copy(raw, p.Raw)
	p.recycle()

	p.Raw = raw
	p.Data = raw[packets.HeaderSize:]
	p.PacketOwnership = packets.Owned
	p.DataOwnership = packets.Owned
}

// release hands borrowed buffers back once the handler is done with them.
func (p *Packet) release() {
	if p.released {
		return
	}
	p.released = true
	if p.PacketOwnership == packets.Borrowed {
		p.recycle()
		p.Raw = nil
		p.Data = nil
	}
}

func (p *Packet) recycle() {
	if p.pool != nil && p.Raw != nil {
		p.pool.Put(p.Raw)
	}
}

func (p *Packet) clientAddr() string {
	if p.Connection == nil {
		return "unknown"
	}
	return p.Connection.RemoteAddr()
}
