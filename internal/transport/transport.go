// Package transport defines the platform network service consumed by the
// session engine: session discovery, hosting and joining, raw packet delivery
// between stations, and a pollable queue of connection lifecycle events.
package transport

import "fmt"

// StationID identifies a physical network endpoint.
type StationID uint64

// InvalidStation is the zero station; no endpoint is ever assigned it.
const InvalidStation StationID = 0

// String formats the station in hex, matching how gamertags embed it.
func (s StationID) String() string {
	return fmt.Sprintf("0x%X", uint64(s))
}

// Mode selects which platform service a Start call brings up.
type Mode int

const (
	ModeLocal Mode = iota
	ModeOnline
)

// EventKind enumerates connection lifecycle notifications.
type EventKind int

const (
	EventJoined EventKind = iota
	EventKicked
	EventLeft
	EventRoomDestroyed
	EventRoomOwnerChanged
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "Joined"
	case EventKicked:
		return "Kicked"
	case EventLeft:
		return "Left"
	case EventRoomDestroyed:
		return "RoomDestroyed"
	case EventRoomOwnerChanged:
		return "RoomOwnerChanged"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Result codes returned by Transport operations. Zero is success; any other
// value is platform specific and surfaced to callers inside a NetError.
const (
	ResultOK               = 0
	ResultNotStarted       = 0x100
	ResultAlreadyInSession = 0x101
	ResultNoSuchRoom       = 0x102
	ResultRoomFull         = 0x103
	ResultRoomLocked       = 0x104
	ResultNotOwner         = 0x105
	ResultNotInSession     = 0x106
	ResultUnknownStation   = 0x107
	ResultUnavailable      = 0x1FF
)

// ConnectionEvent is one lifecycle notification for Station.
type ConnectionEvent struct {
	Station StationID
	Kind    EventKind
	Result  int
}

// Packet is a raw payload addressed from one station to another.
type Packet struct {
	From StationID
	To   StationID
	Data []byte
}

// User is the platform identity used for Start, Search, Host and Join.
type User struct {
	ID   string
	Name string
}

// SessionInfo describes a discoverable session.
type SessionInfo struct {
	ID         string
	Owner      string
	MaxMembers int
	NumMembers int
	GameMode   int
	// AppData carries the session properties as name=value lines.
	AppData string
}

// OpenSlots returns the number of members that can still join.
func (i SessionInfo) OpenSlots() int {
	if n := i.MaxMembers - i.NumMembers; n > 0 {
		return n
	}
	return 0
}

// Transport is the opaque platform network service.
//
// Poll methods never block. Implementations fill their event and packet
// queues from their own goroutines; a single consumer drains them.
type Transport interface {
	Start(user User, mode Mode) int
	Stop()

	Search(gameMode int, user User, filter map[string]int) ([]SessionInfo, int)
	Host(gameMode int, user User, maxSlots int, appData string) int
	Join(user User, info SessionInfo) int
	JoinByID(user User, sessionID string) int
	LeaveSession() int
	CurrentSession() (SessionInfo, bool)

	SessionLocked(locked bool) int
	UpdateSessionProperties(appData string) int

	SendData(from, to StationID, data []byte) int
	PollEvent() (ConnectionEvent, bool)
	PollPacket() (Packet, bool)

	HostStation() StationID
	LocalStation() StationID
	PlayerName(station StationID) string
	Online() bool
}
