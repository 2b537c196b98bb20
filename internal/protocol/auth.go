package protocol

import "github.com/danmuck/hubctl/internal/protocol/frame"

// AuthResponse is the hub's reply to the auth request. Its layout is not
// documented; only framing and checksum are validated.
type AuthResponse struct {
	Command Command
	Data    []byte
	Raw     []byte
}

func NewAuthResponse(f frame.Frame) AuthResponse {
	return AuthResponse{
		Command: Command(f.Command),
		Data:    append([]byte(nil), f.Data...),
		Raw:     f.Bytes(),
	}
}

// Len is the wire size of the response; 27 on observed hubs.
func (a AuthResponse) Len() int {
	return len(a.Raw)
}
