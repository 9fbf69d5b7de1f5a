package netsession

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// recordingTransport is a scripted Transport that records every call the
// engine makes at the transport boundary.
type recordingTransport struct {
	local   transport.StationID
	host    transport.StationID
	names   map[transport.StationID]string
	online  bool
	hostErr int
	joinErr int

	events  transport.SyncQueue[transport.ConnectionEvent]
	packets transport.SyncQueue[transport.Packet]

	inSession bool
	sent      []transport.Packet
	locks     []bool
	props     []string
	leaves    int
	starts    int
}

var _ transport.Transport = (*recordingTransport)(nil)

func newRecordingTransport(local transport.StationID) *recordingTransport {
	return &recordingTransport{
		local:  local,
		host:   local,
		names:  map[transport.StationID]string{},
		online: true,
	}
}

func (f *recordingTransport) Start(transport.User, transport.Mode) int {
	f.starts++
	return transport.ResultOK
}

func (f *recordingTransport) Stop() {}

func (f *recordingTransport) Search(int, transport.User, map[string]int) ([]transport.SessionInfo, int) {
	return nil, transport.ResultOK
}

func (f *recordingTransport) Host(_ int, user transport.User, _ int, appData string) int {
	if f.hostErr != 0 {
		return f.hostErr
	}
	f.inSession = true
	f.host = f.local
	f.names[f.local] = user.Name
	f.props = append(f.props, appData)
	f.events.Enqueue(transport.ConnectionEvent{Station: f.local, Kind: transport.EventJoined})
	return transport.ResultOK
}

func (f *recordingTransport) Join(user transport.User, info transport.SessionInfo) int {
	return f.JoinByID(user, info.ID)
}

func (f *recordingTransport) JoinByID(user transport.User, _ string) int {
	if f.joinErr != 0 {
		return f.joinErr
	}
	f.inSession = true
	f.names[f.local] = user.Name
	f.events.Enqueue(transport.ConnectionEvent{Station: f.local, Kind: transport.EventJoined})
	return transport.ResultOK
}

func (f *recordingTransport) LeaveSession() int {
	f.leaves++
	if !f.inSession {
		return transport.ResultNotInSession
	}
	f.inSession = false
	return transport.ResultOK
}

func (f *recordingTransport) CurrentSession() (transport.SessionInfo, bool) {
	if !f.inSession {
		return transport.SessionInfo{}, false
	}
	return transport.SessionInfo{ID: "room-1", MaxMembers: 8, GameMode: int(SessionTypePlayerMatch)}, true
}

func (f *recordingTransport) SessionLocked(locked bool) int {
	f.locks = append(f.locks, locked)
	return transport.ResultOK
}

func (f *recordingTransport) UpdateSessionProperties(appData string) int {
	f.props = append(f.props, appData)
	return transport.ResultOK
}

func (f *recordingTransport) SendData(from, to transport.StationID, data []byte) int {
	f.sent = append(f.sent, transport.Packet{From: from, To: to, Data: append([]byte(nil), data...)})
	return transport.ResultOK
}

func (f *recordingTransport) PollEvent() (transport.ConnectionEvent, bool) {
	return f.events.TryDequeue()
}

func (f *recordingTransport) PollPacket() (transport.Packet, bool) {
	return f.packets.TryDequeue()
}

func (f *recordingTransport) HostStation() transport.StationID  { return f.host }
func (f *recordingTransport) LocalStation() transport.StationID { return f.local }
func (f *recordingTransport) Online() bool                      { return f.online }

func (f *recordingTransport) PlayerName(st transport.StationID) string {
	return f.names[st]
}

// peerJoins scripts a remote station joining.
func (f *recordingTransport) peerJoins(st transport.StationID, name string) {
	f.names[st] = name
	f.events.Enqueue(transport.ConnectionEvent{Station: st, Kind: transport.EventJoined})
}

func (f *recordingTransport) event(st transport.StationID, kind transport.EventKind) {
	f.events.Enqueue(transport.ConnectionEvent{Station: st, Kind: kind})
}

func (f *recordingTransport) sentTo() []transport.StationID {
	out := make([]transport.StationID, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.To)
	}
	return out
}

func newTestRoster(t *testing.T, users ...identity.SignedInUser) *identity.Roster {
	t.Helper()
	if len(users) == 0 {
		users = []identity.SignedInUser{{Slot: 0, UserID: "u1", DisplayName: "Alice", SignedIn: true}}
	}
	r, err := identity.NewRoster(users...)
	require.NoError(t, err)
	return r
}

func newTestContext(t *testing.T, tr transport.Transport, ident identity.Service) *Context {
	t.Helper()
	c, err := NewContext(Options{Transport: tr, Identity: ident, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return c
}

// hostOnFake creates a hosted session on a recording transport at station 1.
func hostOnFake(t *testing.T) (*Session, *recordingTransport, *identity.Roster) {
	t.Helper()
	tr := newRecordingTransport(1)
	roster := newTestRoster(t)
	c := newTestContext(t, tr, roster)
	s, err := c.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)
	return s, tr, roster
}

func zapNop() *zap.Logger { return zap.NewNop() }
