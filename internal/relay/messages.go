package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound actions.
const (
	ActionCreateRoom        = "createRoom"
	ActionJoinRoom          = "joinRoom"
	ActionRPC               = "rpc"
	ActionGetRoomList       = "getroomlist"
	ActionGetCurrentPlayers = "getcurrentplayers"
	ActionLeave             = "leave"
)

// Outbound actions. Relayed RPCs reuse ActionRPC.
const (
	ActionRoomInfo       = "roominfo"
	ActionCurrentPlayers = "currentplayers"
	ActionRoomListInfo   = "roomlist_roominfo"
)

// Control events exchanged outside the batched channel.
const (
	EventPing = "ping"
	EventPong = "pong"
)

// hostChangeType is the "type" of the RPC payload announcing a new host.
const hostChangeType = "newhost"

// Request is one decoded inbound action frame. Only the fields relevant to
// Action are meaningful.
type Request struct {
	Action      string          `json:"action"`
	RoomName    FlexString      `json:"roomName"`
	Scene       FlexString      `json:"scene"`
	ScenePath   FlexString      `json:"scenepath"`
	GameVersion FlexString      `json:"gameversion"`
	MaxPlayers  FlexInt         `json:"maxplayers"`
	RoomID      FlexString      `json:"roomId"`
	RPC         json.RawMessage `json:"rpc"`
	Amount      FlexInt         `json:"amount"`
	EmptyOnly   FlexBool        `json:"emptyonly"`
}

// ParseRequest decodes a single frame.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("parsing frame: %w", err)
	}
	return req, nil
}

// CreateRoomRequest carries the parameters of a createRoom action.
type CreateRoomRequest struct {
	Name        string
	SceneID     string
	ScenePath   string
	GameVersion string
	MaxPlayers  int
}

// ControlMessage is a liveness heartbeat or its echo.
type ControlMessage struct {
	Event     string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ParseControl decodes a control message.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("parsing control message: %w", err)
	}
	return msg, nil
}

// FlexString accepts a JSON string, number, or boolean and keeps its text.
// Clients are not consistent about quoting versions and scene ids.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
	case len(data) > 0 && (data[0] == '{' || data[0] == '['):
		return fmt.Errorf("expected scalar, got %s", data)
	default:
		*s = FlexString(data)
	}
	return nil
}

// FlexInt accepts a JSON number or a numeric string. Fractions are truncated.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	text := strings.TrimSpace(string(s))
	if text == "" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", text)
	}
	*n = FlexInt(int(f))
	return nil
}

// FlexBool accepts a JSON boolean or the strings "true"/"false".
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "", "false", "0":
		*b = false
	case "true", "1":
		*b = true
	default:
		return fmt.Errorf("expected boolean, got %q", string(s))
	}
	return nil
}

type memberRef struct {
	PlayerID string `json:"playerId"`
	Local    bool   `json:"local"`
	RoomID   string `json:"roomId"`
}

type roomInfoFrame struct {
	Action      string      `json:"action"`
	PlayerIDs   []memberRef `json:"playerIds"`
	Scene       string      `json:"scene"`
	ScenePath   string      `json:"scenepath"`
	GameVersion string      `json:"gameversion"`
	ID          string      `json:"id"`
}

type roomListFrame struct {
	Action      string `json:"action"`
	RoomName    string `json:"roomName"`
	RoomID      string `json:"roomId"`
	RoomVersion string `json:"roomversion"`
	PlayerCount int    `json:"playercount"`
	ID          string `json:"id"`
}

// RPCFrame is a relayed remote-procedure envelope.
type RPCFrame struct {
	Action string          `json:"action"`
	RPC    json.RawMessage `json:"rpc"`
	Sender string          `json:"sender"`
	ID     string          `json:"id"`
}

// HostChange is the payload of the RPC announcing a host migration.
type HostChange struct {
	Type      string `json:"type"`
	NewHostID string `json:"newhostid"`
}
