package protocol

import "fmt"

// Command is the one-byte command field of a frame.
type Command uint8

const (
	CmdAuth      Command = 0x01
	CmdExecute   Command = 0x3F
	CmdDiscovery Command = 0xC3
)

func (c Command) String() string {
	switch c {
	case CmdAuth:
		return "auth"
	case CmdExecute:
		return "execute"
	case CmdDiscovery:
		return "discovery"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}

const (
	DiscoveryPayloadLen = 12
	ExecutePayloadLen   = 2

	// AuthResponseLen is the observed wire size of the hub's auth reply.
	AuthResponseLen = 27
)

// Well-known ports.
const (
	DefaultDiscoveryPort = 8102
	DefaultResponsePort  = 8100
	DefaultListenPort    = 8002
)

// SessionID correlates a discovery announcement with the hub's connection.
type SessionID [2]byte

func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

func (s SessionID) String() string {
	return fmt.Sprintf("%02X%02X", s[0], s[1])
}

// DeviceID identifies the controller to the hub.
type DeviceID [4]byte

func (d DeviceID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X", d[0], d[1], d[2], d[3])
}
