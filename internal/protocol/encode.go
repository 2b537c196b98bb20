package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/danmuck/hubctl/internal/protocol/frame"
)

// DiscoveryPayload announces where the hub should connect back to.
type DiscoveryPayload struct {
	SessionID      SessionID
	DeviceID       DeviceID
	ControllerIP   net.IP
	ControllerPort uint16
}

// MarshalBinary lays out session_id, device_id, controller_ip and
// controller_port, all big-endian.
func (p DiscoveryPayload) MarshalBinary() ([]byte, error) {
	ip4 := p.ControllerIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIPv4, p.ControllerIP)
	}
	buf := make([]byte, DiscoveryPayloadLen)
	copy(buf[0:2], p.SessionID[:])
	copy(buf[2:6], p.DeviceID[:])
	copy(buf[6:10], ip4)
	binary.BigEndian.PutUint16(buf[10:12], p.ControllerPort)
	return buf, nil
}

// ExecuteCommand asks the hub to emit key_code on device_id.
type ExecuteCommand struct {
	DeviceID uint8
	KeyCode  uint8
}

func (c ExecuteCommand) MarshalBinary() ([]byte, error) {
	return []byte{c.DeviceID, c.KeyCode}, nil
}

// authRequest is the literal A5 5A 00 01 00.
var authRequest = frame.MustEncode(uint8(CmdAuth), nil)

// EncodeAuthRequest returns a fresh copy of the auth request frame.
func EncodeAuthRequest() []byte {
	return append([]byte(nil), authRequest...)
}

func EncodeDiscovery(p DiscoveryPayload) ([]byte, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return frame.Encode(uint8(CmdDiscovery), data)
}

func EncodeExecute(c ExecuteCommand) []byte {
	data, _ := c.MarshalBinary()
	return frame.MustEncode(uint8(CmdExecute), data)
}
