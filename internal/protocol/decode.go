package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/hubctl/internal/protocol/frame"
)

// ParseDiscovery extracts the discovery payload from f.
func ParseDiscovery(f frame.Frame) (DiscoveryPayload, error) {
	if Command(f.Command) != CmdDiscovery {
		return DiscoveryPayload{}, fmt.Errorf("%w: got %v want %v", ErrCommandMismatch, Command(f.Command), CmdDiscovery)
	}
	if len(f.Data) != DiscoveryPayloadLen {
		return DiscoveryPayload{}, fmt.Errorf("%w: discovery data=%d", ErrInvalidLength, len(f.Data))
	}
	var p DiscoveryPayload
	copy(p.SessionID[:], f.Data[0:2])
	copy(p.DeviceID[:], f.Data[2:6])
	p.ControllerIP = net.IPv4(f.Data[6], f.Data[7], f.Data[8], f.Data[9]).To4()
	p.ControllerPort = binary.BigEndian.Uint16(f.Data[10:12])
	return p, nil
}

func ParseExecute(f frame.Frame) (ExecuteCommand, error) {
	if Command(f.Command) != CmdExecute {
		return ExecuteCommand{}, fmt.Errorf("%w: got %v want %v", ErrCommandMismatch, Command(f.Command), CmdExecute)
	}
	if len(f.Data) != ExecutePayloadLen {
		return ExecuteCommand{}, fmt.Errorf("%w: execute data=%d", ErrInvalidLength, len(f.Data))
	}
	return ExecuteCommand{DeviceID: f.Data[0], KeyCode: f.Data[1]}, nil
}

// IsAuthRequest reports whether f is the controller's auth request.
func IsAuthRequest(f frame.Frame) bool {
	return Command(f.Command) == CmdAuth && len(f.Data) == 0
}

// ParseSessionID accepts four hex digits, optionally 0x-prefixed.
func ParseSessionID(s string) (SessionID, error) {
	var id SessionID
	if err := parseHexInto(s, id[:]); err != nil {
		return SessionID{}, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	return id, nil
}

// ParseDeviceID accepts eight hex digits, optionally 0x-prefixed.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	if err := parseHexInto(s, id[:]); err != nil {
		return DeviceID{}, fmt.Errorf("protocol: invalid device id: %w", err)
	}
	return id, nil
}

func parseHexInto(s string, dst []byte) error {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: got %d bytes want %d", ErrInvalidLength, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
