package broker

import "encoding/json"

// Types of control messages exchanged with clients. Anything carried
// inside a TypeRelay envelope is opaque to the broker.
const (
	TypeCreateOrJoin = "create-or-join"
	TypeCreated      = "created"
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypeFull         = "full"
	TypeReady        = "ready"
	TypeRelay        = "message"
	TypeLeave        = "leave"
	TypeLog          = "log"
)

// Msg is the wire envelope for all messages between clients and the broker.
// Data is kept raw so relayed negotiation payloads pass through unmodified.
type Msg struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// makeMsg prepares a control message payload.
func makeMsg(typ, room, id string, data json.RawMessage) []byte {
	b, _ := json.Marshal(Msg{Type: typ, Room: room, ID: id, Data: data})
	return b
}

// makeLog prepares a diagnostic log message for a client.
func makeLog(lines ...string) []byte {
	d, _ := json.Marshal(lines)
	b, _ := json.Marshal(Msg{Type: TypeLog, Data: d})
	return b
}
