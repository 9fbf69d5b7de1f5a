// Package loopback provides an in-process transport network. Every Endpoint
// implements transport.Transport; endpoints created from the same Network
// share one room directory and deliver packets to each other directly.
package loopback

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// Option configures a Network.
type Option func(*Network)

// WithHostMigration controls what happens when a room owner leaves while
// other members remain. When enabled the oldest remaining member becomes
// owner; otherwise the room is destroyed.
func WithHostMigration(enabled bool) Option {
	return func(n *Network) { n.migrateHost = enabled }
}

// Network is a shared room directory for a set of endpoints.
// All methods are safe for concurrent use.
type Network struct {
	mu          sync.Mutex
	nextStation uint64
	endpoints   map[transport.StationID]*Endpoint
	rooms       map[string]*room
	migrateHost bool
}

type room struct {
	id       string
	owner    transport.StationID
	members  []transport.StationID
	maxSlots int
	gameMode int
	appData  string
	locked   bool
}

func (r *room) has(st transport.StationID) bool {
	for _, m := range r.members {
		if m == st {
			return true
		}
	}
	return false
}

func (r *room) remove(st transport.StationID) {
	for i, m := range r.members {
		if m == st {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// NewNetwork creates an empty Network. Host migration is enabled by default.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		endpoints:   make(map[transport.StationID]*Endpoint),
		rooms:       make(map[string]*room),
		migrateHost: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewEndpoint registers a new endpoint with a fresh station id.
//
// Postcondition: the endpoint is online and not started.
func (n *Network) NewEndpoint() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextStation++
	ep := &Endpoint{
		net:     n,
		station: transport.StationID(n.nextStation),
		notify:  make(chan struct{}, 1),
	}
	ep.online.Store(true)
	n.endpoints[ep.station] = ep
	return ep
}

// Rooms returns a snapshot of every room ordered by id.
func (n *Network) Rooms() []transport.SessionInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]transport.SessionInfo, 0, len(n.rooms))
	for _, r := range n.rooms {
		out = append(out, n.infoLocked(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DestroyRoom tears down a room, notifying every member.
//
// Postcondition: returns false if no room has the given id.
func (n *Network) DestroyRoom(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.rooms[id]
	if !ok {
		return false
	}
	n.destroyLocked(r)
	return true
}

// Kick removes station from its room. The kicked endpoint and every
// remaining member receive a Kicked event for that station.
func (n *Network) Kick(station transport.StationID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep, ok := n.endpoints[station]
	if !ok || ep.roomID == "" {
		return false
	}
	r := n.rooms[ep.roomID]
	for _, m := range r.members {
		n.emitLocked(m, transport.ConnectionEvent{Station: station, Kind: transport.EventKicked})
	}
	n.departLocked(r, ep)
	return true
}

func (n *Network) infoLocked(r *room) transport.SessionInfo {
	owner := ""
	if ep, ok := n.endpoints[r.owner]; ok {
		owner = ep.user.Name
	}
	return transport.SessionInfo{
		ID:         r.id,
		Owner:      owner,
		MaxMembers: r.maxSlots,
		NumMembers: len(r.members),
		GameMode:   r.gameMode,
		AppData:    r.appData,
	}
}

func (n *Network) emitLocked(to transport.StationID, ev transport.ConnectionEvent) {
	if ep, ok := n.endpoints[to]; ok {
		ep.events.Enqueue(ev)
		ep.signal()
	}
}

// admitLocked adds ep to r and announces the arrival to both sides:
// existing members learn about ep, and ep learns about every member
// (owner first) followed by itself.
func (n *Network) admitLocked(r *room, ep *Endpoint) {
	existing := append([]transport.StationID(nil), r.members...)
	r.members = append(r.members, ep.station)
	ep.roomID = r.id

	for _, m := range existing {
		n.emitLocked(m, transport.ConnectionEvent{Station: ep.station, Kind: transport.EventJoined})
	}
	for _, m := range existing {
		n.emitLocked(ep.station, transport.ConnectionEvent{Station: m, Kind: transport.EventJoined})
	}
	n.emitLocked(ep.station, transport.ConnectionEvent{Station: ep.station, Kind: transport.EventJoined})
}

// departLocked removes ep from r and applies owner succession.
func (n *Network) departLocked(r *room, ep *Endpoint) {
	r.remove(ep.station)
	ep.roomID = ""

	if len(r.members) == 0 {
		delete(n.rooms, r.id)
		return
	}
	if r.owner != ep.station {
		return
	}
	if !n.migrateHost {
		n.destroyLocked(r)
		return
	}
	r.owner = r.members[0]
	for _, m := range r.members {
		n.emitLocked(m, transport.ConnectionEvent{Station: r.owner, Kind: transport.EventRoomOwnerChanged})
	}
}

func (n *Network) destroyLocked(r *room) {
	for _, m := range r.members {
		n.emitLocked(m, transport.ConnectionEvent{Station: m, Kind: transport.EventRoomDestroyed})
		if ep, ok := n.endpoints[m]; ok {
			ep.roomID = ""
		}
	}
	r.members = nil
	delete(n.rooms, r.id)
}

func newRoomID() string {
	return uuid.NewString()
}
