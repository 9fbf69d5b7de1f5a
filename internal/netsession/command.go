package netsession

import (
	"fmt"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// CommandKind tags each Command variant.
type CommandKind int

const (
	CmdGamerJoined CommandKind = iota + 1
	CmdGamerLeft
	CmdSendData
	CmdReceiveData
	CmdSessionStateChange
	CmdSendGamerState
	CmdReceiveGamerState
	CmdHostChange
)

func (k CommandKind) String() string {
	switch k {
	case CmdGamerJoined:
		return "GamerJoined"
	case CmdGamerLeft:
		return "GamerLeft"
	case CmdSendData:
		return "SendData"
	case CmdReceiveData:
		return "ReceiveData"
	case CmdSessionStateChange:
		return "SessionStateChange"
	case CmdSendGamerState:
		return "SendGamerState"
	case CmdReceiveGamerState:
		return "ReceiveGamerState"
	case CmdHostChange:
		return "HostChange"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one pending state transition. The set of implementations is
// closed; the drain loop dispatches on the concrete type.
type Command interface {
	Kind() CommandKind
	command()
}

// GamerJoinedCommand adds a participant.
type GamerJoinedCommand struct {
	ID          ParticipantID
	Station     transport.StationID
	DisplayName string
	Gamertag    string
	OnlineID    string
	State       GamerState
}

// GamerLeftCommand removes the participant on Station.
type GamerLeftCommand struct {
	Station transport.StationID
}

// SendDataCommand sends application data from a local gamer. A nil
// Recipient addresses every other machine.
type SendDataCommand struct {
	Data      []byte
	Options   SendOptions
	Recipient *Gamer
	Sender    *LocalGamer
}

// ReceiveDataCommand delivers a packet to every local gamer.
type ReceiveDataCommand struct {
	From transport.StationID
	To   transport.StationID
	Data []byte
}

// SessionStateChangeCommand moves the session to Target. Reason is only
// consulted when Target is StateEnded; zero means derive it.
type SessionStateChangeCommand struct {
	Target SessionState
	Reason EndReason
}

// SendGamerStateCommand broadcasts a local gamer's flags.
type SendGamerStateCommand struct {
	Gamer *LocalGamer
	New   GamerState
	Prev  GamerState
}

// ReceiveGamerStateCommand applies flags received from a peer.
type ReceiveGamerStateCommand struct {
	From     transport.StationID
	Gamertag string
	New      GamerState
	Prev     GamerState
}

// HostChangeCommand moves the host role between stations.
type HostChangeCommand struct {
	NewHost transport.StationID
	OldHost transport.StationID
}

func (GamerJoinedCommand) Kind() CommandKind        { return CmdGamerJoined }
func (GamerLeftCommand) Kind() CommandKind          { return CmdGamerLeft }
func (SendDataCommand) Kind() CommandKind           { return CmdSendData }
func (ReceiveDataCommand) Kind() CommandKind        { return CmdReceiveData }
func (SessionStateChangeCommand) Kind() CommandKind { return CmdSessionStateChange }
func (SendGamerStateCommand) Kind() CommandKind     { return CmdSendGamerState }
func (ReceiveGamerStateCommand) Kind() CommandKind  { return CmdReceiveGamerState }
func (HostChangeCommand) Kind() CommandKind         { return CmdHostChange }

func (GamerJoinedCommand) command()        {}
func (GamerLeftCommand) command()          {}
func (SendDataCommand) command()           {}
func (ReceiveDataCommand) command()        {}
func (SessionStateChangeCommand) command() {}
func (SendGamerStateCommand) command()     {}
func (ReceiveGamerStateCommand) command()  {}
func (HostChangeCommand) command()         {}

// commandQueue is the FIFO drained once per tick. It is owned by the
// update goroutine and needs no locking.
type commandQueue struct {
	items []Command
	head  int
}

func (q *commandQueue) push(c Command) {
	q.items = append(q.items, c)
}

func (q *commandQueue) pop() (Command, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	c := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return c, true
}

func (q *commandQueue) len() int {
	return len(q.items) - q.head
}

func (q *commandQueue) clear() {
	q.items = nil
	q.head = 0
}
