package packets

import (
	"encoding/binary"
	"fmt"
)

// VersionSize is the encoded size of a PacketVersion.
const VersionSize = 8

// PacketVersion prefixes the payload of every packet when a cerver is configured
// to check packets. It is opaque to handlers.
type PacketVersion struct {
	ProtocolID uint32
	Major      uint16
	Minor      uint16
}

func (v PacketVersion) String() string {
	return fmt.Sprintf("%#x v%d.%d", v.ProtocolID, v.Major, v.Minor)
}

// Compatible reports whether a packet stamped with v can be processed by a runtime
// speaking local. Minor versions are not compared.
func (v PacketVersion) Compatible(local PacketVersion) bool {
	return v.ProtocolID == local.ProtocolID && v.Major == local.Major
}

func EncodeVersion(v PacketVersion) []byte {
	buf := make([]byte, VersionSize)
	binary.LittleEndian.PutUint32(buf[0:], v.ProtocolID)
	binary.LittleEndian.PutUint16(buf[4:], v.Major)
	binary.LittleEndian.PutUint16(buf[6:], v.Minor)
	return buf
}

func DecodeVersion(b []byte) (PacketVersion, error) {
	if len(b) < VersionSize {
		return PacketVersion{}, fmt.Errorf("packets: short version: got %d bytes, need %d", len(b), VersionSize)
	}
	return PacketVersion{
		ProtocolID: binary.LittleEndian.Uint32(b[0:]),
		Major:      binary.LittleEndian.Uint16(b[4:]),
		Minor:      binary.LittleEndian.Uint16(b[6:]),
	}, nil
}
