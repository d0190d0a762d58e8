package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Player is a client that has joined a room.
type Player struct {
	// ID is unique among players for the lifetime of the process.
	ID string
	// Conn is the player's transport handle.
	Conn Connection
	// RoomID is the room the player belongs to.
	RoomID string
	// IsHost marks the room's authoritative peer.
	IsHost bool
	// LastActivity is refreshed by joins, RPCs, and heartbeats.
	LastActivity time.Time
}

// Room is a named, versioned group of players sharing relay scope.
type Room struct {
	ID          string
	Name        string
	MaxPlayers  int
	SceneID     string
	ScenePath   string
	GameVersion string
	CreatedAt   time.Time

	// order holds member ids in insertion order; host migration depends on it.
	order   []string
	members map[string]*Player
}

// MemberIDs returns the member ids in insertion order.
func (r *Room) MemberIDs() []string {
	return append([]string(nil), r.order...)
}

// MemberCount returns the number of members.
func (r *Room) MemberCount() int {
	return len(r.order)
}

// Host returns the member flagged as host, or nil.
func (r *Room) Host() *Player {
	for _, id := range r.order {
		if p := r.members[id]; p != nil && p.IsHost {
			return p
		}
	}
	return nil
}

func (r *Room) add(p *Player) {
	r.order = append(r.order, p.ID)
	r.members[p.ID] = p
}

func (r *Room) remove(id string) {
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	for i, mid := range r.order {
		if mid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// each calls fn for every member in insertion order.
func (r *Room) each(fn func(p *Player)) {
	for _, id := range r.order {
		if p := r.members[id]; p != nil {
			fn(p)
		}
	}
}

// RoomSummary is a read-only view of a room for listings and stats.
type RoomSummary struct {
	ID          string
	Name        string
	MemberCount int
	MaxMembers  int
	GameVersion string
}

// Emission is one serialized frame addressed to a connection.
type Emission struct {
	Conn Connection
	// PlayerID is the recipient player at emission time, or empty for replies
	// to a connection that has not joined a room.
	PlayerID string
	Frame    []byte
}

// Directory is the authoritative registry of rooms and players.
//
// Directory is not safe for concurrent use; Hub serializes all access.
// Mutators return the frames that must be delivered as a consequence, so the
// directory change and its notifications are computed in one step.
type Directory struct {
	players   map[string]*Player    // player id → player
	rooms     map[string]*Room      // room id → room
	byConn    map[Connection]string // connection → player id
	roomOrder []string              // room ids in creation order
	ids       IDSource
	logger    *zap.Logger
}

// NewDirectory creates an empty Directory.
//
// Precondition: logger must be non-nil. A nil ids selects UUIDSource.
func NewDirectory(logger *zap.Logger, ids IDSource) *Directory {
	if ids == nil {
		ids = UUIDSource
	}
	return &Directory{
		players: make(map[string]*Player),
		rooms:   make(map[string]*Room),
		byConn:  make(map[Connection]string),
		ids:     ids,
		logger:  logger,
	}
}

func (d *Directory) newID() string {
	return uniqueID(d.ids, func(id string) bool {
		_, p := d.players[id]
		_, r := d.rooms[id]
		return p || r
	})
}

// CreateRoom allocates a room and joins conn to it as host.
//
// Postcondition: Returns the new room id and the join broadcast, or an empty
// id and no frames when conn is already in a room.
func (d *Directory) CreateRoom(conn Connection, req CreateRoomRequest, now time.Time) ([]Emission, string) {
	if p := d.PlayerByConn(conn); p != nil {
		d.logger.Debug("create ignored: already in a room",
			zap.String("player", p.ID),
			zap.String("room", p.RoomID),
		)
		return nil, ""
	}

	room := &Room{
		ID:          d.newID(),
		Name:        req.Name,
		MaxPlayers:  req.MaxPlayers,
		SceneID:     req.SceneID,
		ScenePath:   req.ScenePath,
		GameVersion: req.GameVersion,
		CreatedAt:   now,
		members:     make(map[string]*Player),
	}
	d.rooms[room.ID] = room
	d.roomOrder = append(d.roomOrder, room.ID)
	d.logger.Debug("room created",
		zap.String("room", room.ID),
		zap.String("name", room.Name),
		zap.String("version", room.GameVersion),
		zap.Int("max_players", room.MaxPlayers),
	)

	out, _ := d.JoinRoom(conn, room.ID, req.GameVersion, now)
	return out, room.ID
}

// JoinRoom adds conn to the room as a new player. The first member of a room
// becomes its host.
//
// Postcondition: Returns the room-info broadcast and true on success; nil and
// false when conn is already in a room, the room does not exist, or the
// versions differ.
func (d *Directory) JoinRoom(conn Connection, roomID, gameVersion string, now time.Time) ([]Emission, bool) {
	if p := d.PlayerByConn(conn); p != nil {
		d.logger.Debug("join ignored: already in a room", zap.String("player", p.ID))
		return nil, false
	}
	room, ok := d.rooms[roomID]
	if !ok {
		d.logger.Debug("join ignored: room not found", zap.String("room", roomID))
		return nil, false
	}
	if room.GameVersion != gameVersion {
		d.logger.Debug("join ignored: version mismatch",
			zap.String("room", roomID),
			zap.String("room_version", room.GameVersion),
			zap.String("client_version", gameVersion),
		)
		return nil, false
	}

	p := &Player{
		ID:           d.newID(),
		Conn:         conn,
		RoomID:       room.ID,
		IsHost:       room.MemberCount() == 0,
		LastActivity: now,
	}
	room.add(p)
	d.players[p.ID] = p
	d.byConn[conn] = p.ID

	d.logger.Debug("player joined",
		zap.String("player", p.ID),
		zap.String("room", room.ID),
		zap.Bool("host", p.IsHost),
		zap.Int("members", room.MemberCount()),
	)
	return d.roomInfo(room), true
}

// Leave removes the player bound to conn. See Evict.
func (d *Directory) Leave(conn Connection) ([]Emission, bool) {
	id, ok := d.byConn[conn]
	if !ok {
		return nil, false
	}
	return d.Evict(id)
}

// Evict removes a player from both registries. When the host leaves and
// members remain, the earliest-inserted remaining member becomes host and the
// others are told through an RPC frame. An emptied room is deleted.
//
// Postcondition: Returns the resulting frames and true, or nil and false when
// the player is unknown.
func (d *Directory) Evict(playerID string) ([]Emission, bool) {
	p, ok := d.players[playerID]
	if !ok {
		return nil, false
	}
	delete(d.players, playerID)
	if d.byConn[p.Conn] == playerID {
		delete(d.byConn, p.Conn)
	}

	room, ok := d.rooms[p.RoomID]
	if !ok {
		d.logger.Warn("departing player referenced a missing room",
			zap.String("player", playerID),
			zap.String("room", p.RoomID),
		)
		return nil, true
	}
	room.remove(playerID)

	if room.MemberCount() == 0 {
		d.deleteRoom(room.ID)
		d.logger.Debug("player left, room deleted",
			zap.String("player", playerID),
			zap.String("room", room.ID),
		)
		return nil, true
	}

	var out []Emission
	if p.IsHost {
		next := room.members[room.order[0]]
		next.IsHost = true
		d.logger.Debug("host migrated",
			zap.String("room", room.ID),
			zap.String("from", playerID),
			zap.String("to", next.ID),
		)
		out = append(out, d.hostChanged(room, next)...)
	}
	out = append(out, d.roomInfo(room)...)

	d.logger.Debug("player left",
		zap.String("player", playerID),
		zap.String("room", room.ID),
		zap.Int("members", room.MemberCount()),
	)
	return out, true
}

func (d *Directory) deleteRoom(id string) {
	delete(d.rooms, id)
	for i, rid := range d.roomOrder {
		if rid == id {
			d.roomOrder = append(d.roomOrder[:i], d.roomOrder[i+1:]...)
			return
		}
	}
}

// RelayRPC fans the RPC out to every member of the sender's room, the sender
// included, stamping sender = the player's id.
//
// Postcondition: Returns one frame per member and true, or nil and false when
// conn has no room or the payload is absent.
func (d *Directory) RelayRPC(conn Connection, rpc json.RawMessage, now time.Time) ([]Emission, bool) {
	sender := d.PlayerByConn(conn)
	if sender == nil || len(rpc) == 0 {
		return nil, false
	}
	room, ok := d.rooms[sender.RoomID]
	if !ok {
		return nil, false
	}
	sender.LastActivity = now

	out := make([]Emission, 0, room.MemberCount())
	room.each(func(m *Player) {
		frame := d.encode(RPCFrame{
			Action: ActionRPC,
			RPC:    rpc,
			Sender: sender.ID,
			ID:     d.ids(),
		})
		if frame != nil {
			out = append(out, Emission{Conn: m.Conn, PlayerID: m.ID, Frame: frame})
		}
	})
	return out, len(out) > 0
}

// RoomList lists rooms in creation order, capped at limit when limit > 0.
// With emptyOnly set, only rooms below capacity are listed.
func (d *Directory) RoomList(conn Connection, limit int, emptyOnly bool) []Emission {
	recipient := ""
	if p := d.PlayerByConn(conn); p != nil {
		recipient = p.ID
	}

	var out []Emission
	for _, id := range d.roomOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
		room := d.rooms[id]
		if emptyOnly && room.MemberCount() >= room.MaxPlayers {
			continue
		}
		frame := d.encode(roomListFrame{
			Action:      ActionRoomListInfo,
			RoomName:    room.Name,
			RoomID:      room.ID,
			RoomVersion: room.GameVersion,
			PlayerCount: room.MemberCount(),
			ID:          d.ids(),
		})
		if frame != nil {
			out = append(out, Emission{Conn: conn, PlayerID: recipient, Frame: frame})
		}
	}
	return out
}

// CurrentPlayers returns the membership snapshot of conn's room, addressed to
// conn only, or nil when conn has no room.
func (d *Directory) CurrentPlayers(conn Connection) []Emission {
	p := d.PlayerByConn(conn)
	if p == nil {
		return nil
	}
	room, ok := d.rooms[p.RoomID]
	if !ok {
		return nil
	}
	frame := d.encode(d.membership(room, p.ID, ActionCurrentPlayers))
	if frame == nil {
		return nil
	}
	return []Emission{{Conn: p.Conn, PlayerID: p.ID, Frame: frame}}
}

// Touch refreshes the activity time of the player bound to conn.
func (d *Directory) Touch(conn Connection, now time.Time) bool {
	p := d.PlayerByConn(conn)
	if p == nil {
		return false
	}
	p.LastActivity = now
	return true
}

// StaleSince returns the ids of players whose last activity is at or before
// cutoff, in room creation then join order.
func (d *Directory) StaleSince(cutoff time.Time) []string {
	var stale []string
	for _, rid := range d.roomOrder {
		d.rooms[rid].each(func(p *Player) {
			if !p.LastActivity.After(cutoff) {
				stale = append(stale, p.ID)
			}
		})
	}
	return stale
}

// Player returns the player with the given id.
func (d *Directory) Player(id string) (*Player, bool) {
	p, ok := d.players[id]
	return p, ok
}

// PlayerByConn returns the player bound to conn, or nil.
func (d *Directory) PlayerByConn(conn Connection) *Player {
	id, ok := d.byConn[conn]
	if !ok {
		return nil
	}
	return d.players[id]
}

// Room returns the room with the given id.
func (d *Directory) Room(id string) (*Room, bool) {
	r, ok := d.rooms[id]
	return r, ok
}

// Rooms summarizes every room in creation order.
func (d *Directory) Rooms() []RoomSummary {
	out := make([]RoomSummary, 0, len(d.roomOrder))
	for _, id := range d.roomOrder {
		r := d.rooms[id]
		out = append(out, RoomSummary{
			ID:          r.ID,
			Name:        r.Name,
			MemberCount: r.MemberCount(),
			MaxMembers:  r.MaxPlayers,
			GameVersion: r.GameVersion,
		})
	}
	return out
}

// PlayerCount returns the number of registered players.
func (d *Directory) PlayerCount() int { return len(d.players) }

// RoomCount returns the number of rooms.
func (d *Directory) RoomCount() int { return len(d.rooms) }

// CheckInvariants verifies that the registries agree with each other.
//
// Postcondition: Returns nil when every room is non-empty with exactly one
// host, room membership matches the player registry, and the connection
// index is a bijection onto players.
func (d *Directory) CheckInvariants() error {
	if len(d.roomOrder) != len(d.rooms) {
		return fmt.Errorf("room order has %d entries for %d rooms", len(d.roomOrder), len(d.rooms))
	}
	inRooms := 0
	for _, id := range d.roomOrder {
		r, ok := d.rooms[id]
		if !ok {
			return fmt.Errorf("room order references missing room %q", id)
		}
		if r.MemberCount() == 0 {
			return fmt.Errorf("room %q is empty", id)
		}
		if len(r.members) != len(r.order) {
			return fmt.Errorf("room %q has %d members but %d ordered ids", id, len(r.members), len(r.order))
		}
		hosts := 0
		for _, pid := range r.order {
			p, ok := d.players[pid]
			if !ok || p != r.members[pid] {
				return fmt.Errorf("room %q member %q missing from player registry", id, pid)
			}
			if p.RoomID != id {
				return fmt.Errorf("player %q in room %q records room %q", pid, id, p.RoomID)
			}
			if p.IsHost {
				hosts++
			}
		}
		if hosts != 1 {
			return fmt.Errorf("room %q has %d hosts", id, hosts)
		}
		inRooms += r.MemberCount()
	}
	if inRooms != len(d.players) {
		return fmt.Errorf("%d players registered but %d in rooms", len(d.players), inRooms)
	}
	if len(d.byConn) != len(d.players) {
		return fmt.Errorf("%d connection index entries for %d players", len(d.byConn), len(d.players))
	}
	for conn, pid := range d.byConn {
		p, ok := d.players[pid]
		if !ok || p.Conn != conn {
			return fmt.Errorf("connection index entry for %q is stale", pid)
		}
	}
	return nil
}

// roomInfo builds one room-info frame per member, each with its own local flag.
func (d *Directory) roomInfo(room *Room) []Emission {
	out := make([]Emission, 0, room.MemberCount())
	room.each(func(m *Player) {
		if frame := d.encode(d.membership(room, m.ID, ActionRoomInfo)); frame != nil {
			out = append(out, Emission{Conn: m.Conn, PlayerID: m.ID, Frame: frame})
		}
	})
	return out
}

func (d *Directory) membership(room *Room, localID, action string) roomInfoFrame {
	refs := make([]memberRef, 0, room.MemberCount())
	for _, id := range room.order {
		refs = append(refs, memberRef{PlayerID: id, Local: id == localID, RoomID: room.ID})
	}
	return roomInfoFrame{
		Action:      action,
		PlayerIDs:   refs,
		Scene:       room.SceneID,
		ScenePath:   room.ScenePath,
		GameVersion: room.GameVersion,
		ID:          d.ids(),
	}
}

// hostChanged announces the new host to every remaining member. The rpc
// body is a JSON-encoded string, matching what clients send.
func (d *Directory) hostChanged(room *Room, host *Player) []Emission {
	body, err := json.Marshal(HostChange{Type: hostChangeType, NewHostID: host.ID})
	if err != nil {
		return nil
	}
	rpc, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	out := make([]Emission, 0, room.MemberCount())
	room.each(func(m *Player) {
		frame := d.encode(RPCFrame{Action: ActionRPC, RPC: rpc, Sender: d.ids(), ID: d.ids()})
		if frame != nil {
			out = append(out, Emission{Conn: m.Conn, PlayerID: m.ID, Frame: frame})
		}
	})
	return out
}

func (d *Directory) encode(v interface{}) []byte {
	frame, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("encoding frame", zap.Error(err))
		return nil
	}
	return frame
}
