package packets

import (
	"errors"
	"fmt"
	"io"
	"math"
)

var ErrPacketTooLarge = errors.New("packets: packet too large")

// Limits constrains how much memory a single frame may claim.
type Limits struct {
	// MaxPacketSize is the largest payload accepted. 0 means no limit other than
	// what fits in memory addressable by an int.
	MaxPacketSize uint64
}

// maxFramePayload is the largest payload whose frame length still fits in an int.
const maxFramePayload = uint64(math.MaxInt - HeaderSize)

// Allows reports whether a payload of size bytes is within the limits.
func (l Limits) Allows(size uint64) bool {
	if size > maxFramePayload {
		return false
	}
	return l.MaxPacketSize == 0 || size <= l.MaxPacketSize
}

func DefaultLimits() Limits {
	return Limits{MaxPacketSize: 8 * 1024 * 1024}
}

// ReadFrame reads one complete frame from r. The returned slice holds the header
// followed by the payload and was obtained from alloc (or make when alloc is nil),
// so callers that pool buffers can hand it back once they are done.
//
// A clean EOF before any header byte is returned as io.EOF.
func ReadFrame(r io.Reader, limits Limits, alloc func(n int) []byte) (PacketHeader, []byte, error) {
	var hdr [HeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return PacketHeader{}, nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return PacketHeader{}, nil, ErrShortHeader
		}
		return PacketHeader{}, nil, err
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return PacketHeader{}, nil, err
	}
	if !limits.Allows(h.PacketSize) {
		return h, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLarge, h.PacketSize, limits.MaxPacketSize)
	}

	size := HeaderSize + int(h.PacketSize)
	var frame []byte
	if alloc != nil {
		frame = alloc(size)[:size]
	} else {
		frame = make([]byte, size)
	}
	copy(frame, hdr[:])

	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, frame, fmt.Errorf("reading %d byte payload: %w", h.PacketSize, err)
	}
	return h, frame, nil
}
