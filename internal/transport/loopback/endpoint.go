package loopback

import (
	"sync/atomic"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// Endpoint is one station on a Network. It implements transport.Transport.
type Endpoint struct {
	net     *Network
	station transport.StationID

	// guarded by net.mu
	user    transport.User
	started bool
	roomID  string

	online  atomic.Bool
	events  transport.SyncQueue[transport.ConnectionEvent]
	packets transport.SyncQueue[transport.Packet]
	notify  chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Notify fires at least once after events or packets are queued.
func (e *Endpoint) Notify() <-chan struct{} {
	return e.notify
}

// SetOnline simulates connectivity loss or recovery.
func (e *Endpoint) SetOnline(online bool) {
	e.online.Store(online)
}

// Close leaves any room and unregisters the station from the network.
func (e *Endpoint) Close() {
	e.LeaveSession()

	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, e.station)
	e.started = false
}

// Start records the user and mode; repeated calls replace the user.
func (e *Endpoint) Start(user transport.User, _ transport.Mode) int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	e.user = user
	e.started = true
	return transport.ResultOK
}

// Stop leaves any room and marks the endpoint stopped.
func (e *Endpoint) Stop() {
	e.LeaveSession()

	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	e.started = false
}

// Search lists unlocked rooms of gameMode matching filter.
func (e *Endpoint) Search(gameMode int, _ transport.User, filter map[string]int) ([]transport.SessionInfo, int) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !e.started {
		return nil, transport.ResultNotStarted
	}
	var out []transport.SessionInfo
	for _, r := range n.rooms {
		if r.locked || r.gameMode != gameMode {
			continue
		}
		if !transport.MatchesFilter(r.appData, filter) {
			continue
		}
		out = append(out, n.infoLocked(r))
	}
	return out, transport.ResultOK
}

// Host opens a new room owned by this endpoint.
func (e *Endpoint) Host(gameMode int, user transport.User, maxSlots int, appData string) int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !e.started {
		return transport.ResultNotStarted
	}
	if e.roomID != "" {
		return transport.ResultAlreadyInSession
	}
	e.user = user
	r := &room{
		id:       newRoomID(),
		owner:    e.station,
		maxSlots: maxSlots,
		gameMode: gameMode,
		appData:  appData,
	}
	n.rooms[r.id] = r
	n.admitLocked(r, e)
	return transport.ResultOK
}

// Join enters the room described by info.
func (e *Endpoint) Join(user transport.User, info transport.SessionInfo) int {
	return e.JoinByID(user, info.ID)
}

// JoinByID enters the room with the given id.
func (e *Endpoint) JoinByID(user transport.User, sessionID string) int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if !e.started {
		return transport.ResultNotStarted
	}
	if e.roomID != "" {
		return transport.ResultAlreadyInSession
	}
	r, ok := n.rooms[sessionID]
	if !ok {
		return transport.ResultNoSuchRoom
	}
	if r.locked {
		return transport.ResultRoomLocked
	}
	if len(r.members) >= r.maxSlots {
		return transport.ResultRoomFull
	}
	e.user = user
	n.admitLocked(r, e)
	return transport.ResultOK
}

// LeaveSession exits the current room. Remaining members receive a Left
// event; if the owner left, ownership migrates or the room is destroyed.
func (e *Endpoint) LeaveSession() int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.roomID == "" {
		return transport.ResultNotInSession
	}
	r := n.rooms[e.roomID]
	for _, m := range r.members {
		if m != e.station {
			n.emitLocked(m, transport.ConnectionEvent{Station: e.station, Kind: transport.EventLeft})
		}
	}
	n.departLocked(r, e)
	return transport.ResultOK
}

// CurrentSession describes the room this endpoint is in.
func (e *Endpoint) CurrentSession() (transport.SessionInfo, bool) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.rooms[e.roomID]
	if !ok {
		return transport.SessionInfo{}, false
	}
	return n.infoLocked(r), true
}

// SessionLocked hides the room from search and refuses new members.
func (e *Endpoint) SessionLocked(locked bool) int {
	return e.mutateOwned(func(r *room) { r.locked = locked })
}

// UpdateSessionProperties replaces the room's application data.
func (e *Endpoint) UpdateSessionProperties(appData string) int {
	return e.mutateOwned(func(r *room) { r.appData = appData })
}

func (e *Endpoint) mutateOwned(fn func(*room)) int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.rooms[e.roomID]
	if !ok {
		return transport.ResultNotInSession
	}
	if r.owner != e.station {
		return transport.ResultNotOwner
	}
	fn(r)
	return transport.ResultOK
}

// SendData delivers a copy of data to station to, which must share a room
// with the sender.
func (e *Endpoint) SendData(from, to transport.StationID, data []byte) int {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if from != e.station {
		return transport.ResultUnknownStation
	}
	r, ok := n.rooms[e.roomID]
	if !ok {
		return transport.ResultNotInSession
	}
	if !r.has(to) {
		return transport.ResultUnknownStation
	}
	target := n.endpoints[to]
	target.packets.Enqueue(transport.Packet{
		From: from,
		To:   to,
		Data: append([]byte(nil), data...),
	})
	target.signal()
	return transport.ResultOK
}

// PollEvent dequeues the next connection event without blocking.
func (e *Endpoint) PollEvent() (transport.ConnectionEvent, bool) {
	return e.events.TryDequeue()
}

// PollPacket dequeues the next inbound packet without blocking.
func (e *Endpoint) PollPacket() (transport.Packet, bool) {
	return e.packets.TryDequeue()
}

// HostStation returns the owner of the current room.
func (e *Endpoint) HostStation() transport.StationID {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if r, ok := n.rooms[e.roomID]; ok {
		return r.owner
	}
	return transport.InvalidStation
}

// LocalStation returns this endpoint's station.
func (e *Endpoint) LocalStation() transport.StationID {
	return e.station
}

// PlayerName returns the display name registered for station.
func (e *Endpoint) PlayerName(station transport.StationID) string {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[station]; ok {
		return ep.user.Name
	}
	return ""
}

// Online reports simulated connectivity.
func (e *Endpoint) Online() bool {
	return e.online.Load()
}
