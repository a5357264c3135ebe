package ws

import "github.com/bytedance/sonic"

// Client-to-server event names.
const (
	EvJoinRoom   = "join-room"
	EvLeaveRoom  = "leave-room"
	EvCreateCard = "create-card"
	EvMoveCard   = "move-card"
	EvUpdateCard = "update-card"
	EvDeleteCard = "delete-card"
)

// Server-to-client event names not derived from committed mutations.
const (
	EvProjectJoined = "project-joined"
	EvError         = "error"
)

const maxFrameSize = 64 * 1024 // 64 KiB

type clientFrame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data"`
}

type serverFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Frame encodes a named server event for the wire.
func Frame(event string, data any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(serverFrame{Event: event, Data: data})
}
