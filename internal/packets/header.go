package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size in bytes of an encoded PacketHeader, including the
// alignment padding a C compiler inserts on 64-bit targets.
const HeaderSize = 24

// Byte offsets of the header fields, both in memory and on the wire.
const (
	packetTypeOffset          = 0
	packetSizeOffset          = 8
	handlerIDOffset           = 16
	packetTypeSecondaryOffset = 20
)

var (
	ErrShortHeader      = errors.New("packets: short header")
	ErrFramingViolation = errors.New("packets: declared packet size does not match payload")
)

// PacketHeader describes a received packet. The field order and widths mirror the
// native header exactly, padding included, so that the struct can be overlaid on
// memory produced by either side:
//
//	int32  packet_type   // offset 0
//	size_t packet_size   // offset 8
//	uint8  handler_id    // offset 16
//	uint32 packet_type   // offset 20
//
// The upstream header declares packet_type twice. Both slots are preserved in
// their native positions; PacketTypeSecondary is the second one. Whether it was
// meant to be a request type is unconfirmed, the runtime only copies it into
// Packet.ReqType.
type PacketHeader struct {
	PacketType          PacketType
	Padding1            [4]byte
	PacketSize          uint64
	HandlerID           uint8
	Padding2            [3]byte
	PacketTypeSecondary uint32
}

// NewHeader returns a header describing a payload of payloadSize bytes.
func NewHeader(packetType PacketType, reqType uint32, handlerID uint8, payloadSize int) PacketHeader {
	return PacketHeader{
		PacketType:          packetType,
		PacketSize:          uint64(payloadSize),
		HandlerID:           handlerID,
		PacketTypeSecondary: reqType,
	}
}

// EncodeHeader serializes h in little endian order. Padding is always written as zeros.
func EncodeHeader(h PacketHeader) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h PacketHeader) {
	_ = buf[HeaderSize-1]
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[packetTypeOffset:], uint32(h.PacketType))
	binary.LittleEndian.PutUint64(buf[packetSizeOffset:], h.PacketSize)
	buf[handlerIDOffset] = h.HandlerID
	binary.LittleEndian.PutUint32(buf[packetTypeSecondaryOffset:], h.PacketTypeSecondary)
}

// DecodeHeader parses the first HeaderSize bytes of b. Padding bytes are ignored.
func DecodeHeader(b []byte) (PacketHeader, error) {
	if len(b) < HeaderSize {
		return PacketHeader{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortHeader, len(b), HeaderSize)
	}
	return PacketHeader{
		PacketType:          PacketType(int32(binary.LittleEndian.Uint32(b[packetTypeOffset:]))),
		PacketSize:          binary.LittleEndian.Uint64(b[packetSizeOffset:]),
		HandlerID:           b[handlerIDOffset],
		PacketTypeSecondary: binary.LittleEndian.Uint32(b[packetTypeSecondaryOffset:]),
	}, nil
}

// CheckSize verifies that the header describes exactly dataSize payload bytes.
func CheckSize(h *PacketHeader, dataSize int) error {
	if h == nil {
		return fmt.Errorf("%w: missing header", ErrFramingViolation)
	}
	if dataSize < 0 || h.PacketSize != uint64(dataSize) {
		return fmt.Errorf("%w: header declares %d bytes, have %d", ErrFramingViolation, h.PacketSize, dataSize)
	}
	return nil
}

// NewFrame builds a complete frame (header followed by payload) ready to be written.
func NewFrame(packetType PacketType, reqType uint32, handlerID uint8, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	PutHeader(frame, NewHeader(packetType, reqType, handlerID, len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}
