// Package packets defines the framing contract shared between the cerver runtime and
// the clients that talk to it: a fixed 24 byte header followed by PacketSize bytes
// of payload.
package packets

import "fmt"

// PacketType is the semantic category of a packet and selects which part of the
// runtime (or which application handler) processes it.
type PacketType int32

const (
	NoneType     PacketType = 0
	CerverType   PacketType = 1
	ClientType   PacketType = 2
	ErrorType    PacketType = 3
	RequestType  PacketType = 4
	AuthType     PacketType = 5
	GameType     PacketType = 6
	AppType      PacketType = 7
	AppErrorType PacketType = 8
	CustomType   PacketType = 70
	TestType     PacketType = 100
)

var packetTypeNames = map[PacketType]string{
	NoneType:     "none",
	CerverType:   "cerver",
	ClientType:   "client",
	ErrorType:    "error",
	RequestType:  "request",
	AuthType:     "auth",
	GameType:     "game",
	AppType:      "app",
	AppErrorType: "app error",
	CustomType:   "custom",
	TestType:     "test",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Known reports whether t is one of the categories the runtime understands.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// Request types carried in the secondary type slot of the header for the
// built-in packet categories.
const (
	// ClientType requests.
	ClientCloseConnection uint32 = 0
	ClientDisconnect      uint32 = 1

	// CerverType requests.
	CerverInfo     uint32 = 0
	CerverTeardown uint32 = 1

	// AuthType requests.
	AuthRequest    uint32 = 0
	AuthClientData uint32 = 1
	AuthSuccess    uint32 = 2

	// ErrorType request sent when a client fails to authenticate.
	ErrorFailedAuth uint32 = 7

	// GameType requests.
	GameLobbyCreate uint32 = 0
	GameLobbyJoin   uint32 = 1
	GameLobbyLeave  uint32 = 2
)

// Ownership states who is responsible for the buffers referenced by a Packet.
type Ownership uint8

const (
	// Borrowed buffers belong to the runtime and are only valid until the handler
	// returns. Handlers must copy anything they want to keep.
	Borrowed Ownership = iota
	// Owned buffers were copied for the handler, which may retain them.
	Owned
)

func (o Ownership) String() string {
	if o == Owned {
		return "owned"
	}
	return "borrowed"
}
