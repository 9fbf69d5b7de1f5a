package netsession

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// ParticipantID identifies one gamer slot for the lifetime of a session.
// Ids are never reused within a session.
type ParticipantID uint64

// InvalidParticipant is never assigned to a gamer.
const InvalidParticipant ParticipantID = 0

// GamerState is a bitmask of per-gamer flags.
type GamerState uint32

const (
	GamerHost GamerState = 1 << iota
	GamerLocal
	GamerGuest
	GamerReady
	GamerHasVoice
)

// Has reports whether every bit of f is set.
func (s GamerState) Has(f GamerState) bool {
	return s&f == f
}

// String lists the set flags, e.g. "Host|Local".
func (s GamerState) String() string {
	if s == 0 {
		return "None"
	}
	names := []struct {
		f    GamerState
		name string
	}{
		{GamerHost, "Host"},
		{GamerLocal, "Local"},
		{GamerGuest, "Guest"},
		{GamerReady, "Ready"},
		{GamerHasVoice, "HasVoice"},
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// SendOptions selects the delivery guarantee for application data.
type SendOptions int

const (
	SendNone SendOptions = 0
	// SendReliable guarantees delivery but not order.
	SendReliable SendOptions = 1 << 0
	// SendInOrder drops late packets but never reorders.
	SendInOrder SendOptions = 1 << 1
	// SendChat marks voice-chat style traffic.
	SendChat SendOptions = 1 << 2
	// SendReliableInOrder guarantees lossless in-order delivery per
	// sender/recipient pair.
	SendReliableInOrder SendOptions = SendReliable | SendInOrder
)

// Gamer is one participant in a session, local or remote.
// Gamers are owned by the session's update goroutine; read them only from
// that goroutine or from event handlers.
type Gamer struct {
	id          ParticipantID
	gamertag    string
	displayName string
	onlineID    string
	station     transport.StationID

	state GamerState
	// sent is the last state broadcast for local gamers.
	sent GamerState

	machine *Machine
	session *Session
	local   *LocalGamer
	left    bool
}

func newGamer(s *Session, cmd GamerJoinedCommand) *Gamer {
	return &Gamer{
		id:          cmd.ID,
		gamertag:    cmd.Gamertag,
		displayName: cmd.DisplayName,
		onlineID:    cmd.OnlineID,
		station:     cmd.Station,
		state:       cmd.State,
		sent:        cmd.State,
		session:     s,
	}
}

func (g *Gamer) ID() ParticipantID            { return g.id }
func (g *Gamer) Gamertag() string             { return g.gamertag }
func (g *Gamer) DisplayName() string          { return g.displayName }
func (g *Gamer) OnlineID() string             { return g.onlineID }
func (g *Gamer) Station() transport.StationID { return g.station }
func (g *Gamer) State() GamerState            { return g.state }
func (g *Gamer) Machine() *Machine            { return g.machine }
func (g *Gamer) Session() *Session            { return g.session }
func (g *Gamer) IsHost() bool                 { return g.state.Has(GamerHost) }
func (g *Gamer) IsLocal() bool                { return g.state.Has(GamerLocal) }
func (g *Gamer) IsGuest() bool                { return g.state.Has(GamerGuest) }
func (g *Gamer) IsReady() bool                { return g.state.Has(GamerReady) }
func (g *Gamer) HasVoice() bool               { return g.state.Has(GamerHasVoice) }
func (g *Gamer) HasLeftSession() bool         { return g.left }
func (g *Gamer) Local() (*LocalGamer, bool)   { return g.local, g.local != nil }

// SetReady sets or clears the ready flag. For local gamers the change is
// broadcast to peers on the next Update.
func (g *Gamer) SetReady(ready bool) {
	g.setFlag(GamerReady, ready)
}

func (g *Gamer) setFlag(f GamerState, on bool) {
	if on {
		g.state |= f
	} else {
		g.state &^= f
	}
}

// setHost moves the host bit without scheduling a broadcast; every machine
// derives the host role from the transport.
func (g *Gamer) setHost(on bool) {
	g.setFlag(GamerHost, on)
	if on {
		g.sent |= GamerHost
	} else {
		g.sent &^= GamerHost
	}
}

// apply overwrites the state with one received from a peer. The broadcast
// snapshot follows when it was already in sync so the change is not echoed.
func (g *Gamer) apply(next GamerState) {
	if g.state == g.sent {
		g.sent = next
	}
	g.state = next
}

// poll reports a state change since the last broadcast and advances the
// snapshot.
func (g *Gamer) poll() (next, prev GamerState, changed bool) {
	next, prev = g.state, g.sent
	if next == prev {
		return next, prev, false
	}
	g.sent = next
	return next, prev, true
}

func (g *Gamer) String() string {
	return fmt.Sprintf("Gamer{id=%d tag=%q station=%s state=%s}", g.id, g.gamertag, g.station, g.state)
}

// InboundPacket is application data queued for a local gamer.
type InboundPacket struct {
	Data   []byte
	Sender *Gamer
}

// LocalGamer is a gamer signed in on this machine. Its inbound queue may be
// drained from a goroutine other than the session's update goroutine.
type LocalGamer struct {
	*Gamer
	user *identity.SignedInUser

	mu    sync.Mutex
	inbox []InboundPacket
}

// SignedInUser returns the local user bound to this gamer.
func (g *LocalGamer) SignedInUser() *identity.SignedInUser {
	return g.user
}

// IsDataAvailable reports whether ReceiveData would return a packet.
func (g *LocalGamer) IsDataAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inbox) > 0
}

// ReceiveData copies the next queued packet into buf.
//
// Postcondition: returns (0, nil, nil) when nothing is queued, or
// ErrBufferTooSmall with the packet left queued when buf is too short.
func (g *LocalGamer) ReceiveData(buf []byte) (int, *Gamer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.inbox) == 0 {
		return 0, nil, nil
	}
	p := g.inbox[0]
	if len(buf) < len(p.Data) {
		return 0, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(p.Data), len(buf))
	}
	g.inbox[0] = InboundPacket{}
	g.inbox = g.inbox[1:]
	return copy(buf, p.Data), p.Sender, nil
}

// ReceivePacket dequeues the next packet without copying.
func (g *LocalGamer) ReceivePacket() (InboundPacket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.inbox) == 0 {
		return InboundPacket{}, false
	}
	p := g.inbox[0]
	g.inbox[0] = InboundPacket{}
	g.inbox = g.inbox[1:]
	return p, true
}

func (g *LocalGamer) deliver(p InboundPacket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbox = append(g.inbox, p)
}

// SendData queues data for every other machine in the session.
// Must be called from the session's update goroutine.
func (g *LocalGamer) SendData(data []byte, opts SendOptions) error {
	return g.SendDataTo(data, opts, nil)
}

// SendDataTo queues data for recipient, or for every other machine when
// recipient is nil. The data is copied before returning.
func (g *LocalGamer) SendDataTo(data []byte, opts SendOptions, recipient *Gamer) error {
	s := g.session
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	if g.left {
		return invalidOp("gamer %s has left the session", g.gamertag)
	}
	s.enqueue(SendDataCommand{
		Data:      append([]byte(nil), data...),
		Options:   opts,
		Recipient: recipient,
		Sender:    g,
	})
	return nil
}
