package netsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// rapidSession hosts on a recording transport without a *testing.T.
func rapidSession(t *rapid.T) (*Session, *recordingTransport) {
	tr := newRecordingTransport(1)
	roster, err := identity.NewRoster(identity.SignedInUser{Slot: 0, UserID: "u1", DisplayName: "Alice", SignedIn: true})
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewContext(Options{Transport: tr, Identity: roster, Logger: zapNop()})
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.CreateDefault(SessionTypePlayerMatch, 1, 8)
	if err != nil {
		t.Fatal(err)
	}
	return s, tr
}

func checkRegistryInvariants(t *rapid.T, s *Session) {
	all := s.AllGamers()
	if len(s.LocalGamers())+len(s.RemoteGamers()) != len(all) {
		t.Fatalf("local %d + remote %d != all %d", len(s.LocalGamers()), len(s.RemoteGamers()), len(all))
	}
	stations := map[transport.StationID]int{}
	for _, g := range all {
		stations[g.Station()]++
		if g.Machine() == nil {
			t.Fatalf("%s has no machine", g)
		}
	}
	if len(stations) != len(s.Machines()) {
		t.Fatalf("%d stations but %d machines", len(stations), len(s.Machines()))
	}
	for _, m := range s.Machines() {
		if m.Len() == 0 {
			t.Fatalf("empty machine %s kept", m)
		}
		if stations[m.Station()] != m.Len() {
			t.Fatalf("machine %s has %d gamers, registry has %d", m, m.Len(), stations[m.Station()])
		}
	}
	if countHosts(s) > 1 {
		t.Fatalf("%d hosts", countHosts(s))
	}
}

func TestProperty_UpdateDrainsEverything(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, tr := rapidSession(t)
		station := rapid.Custom(func(t *rapid.T) transport.StationID {
			return transport.StationID(rapid.IntRange(2, 6).Draw(t, "station"))
		})

		ticks := rapid.IntRange(1, 5).Draw(t, "ticks")
		for tick := 0; tick < ticks; tick++ {
			ops := rapid.IntRange(0, 20).Draw(t, "ops")
			for i := 0; i < ops; i++ {
				st := station.Draw(t, "st")
				switch rapid.IntRange(0, 4).Draw(t, "op") {
				case 0, 1:
					tr.peerJoins(st, "peer")
				case 2:
					tr.event(st, transport.EventLeft)
				case 3:
					tr.packets.Enqueue(transport.Packet{From: st, To: 1, Data: []byte{byte(i)}})
				case 4:
					if err := s.LocalGamers()[0].SendData([]byte{byte(i)}, SendReliable); err != nil {
						t.Fatal(err)
					}
				}
			}
			s.Update()
			if s.queue.len() != 0 {
				t.Fatalf("%d commands left after Update", s.queue.len())
			}
			checkRegistryInvariants(t, s)
		}
	})
}

func TestProperty_DuplicateJoinsYieldOneGamer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, tr := rapidSession(t)
		joined := map[string]int{}
		s.OnGamerJoined(func(g *Gamer) { joined[g.Gamertag()]++ })

		repeats := rapid.IntRange(1, 5).Draw(t, "repeats")
		for i := 0; i < repeats; i++ {
			tr.peerJoins(2, "Bob")
		}
		if rapid.Bool().Draw(t, "split") {
			s.Update()
			tr.peerJoins(2, "Bob")
		}
		s.Update()

		if len(s.AllGamers()) != 2 || joined["Bob+0x2"] != 1 {
			t.Fatalf("gamers=%d joined=%d", len(s.AllGamers()), joined["Bob+0x2"])
		}
	})
}

func TestProperty_HostChangesKeepOneHost(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, tr := rapidSession(t)
		for st := transport.StationID(2); st <= 4; st++ {
			tr.peerJoins(st, "peer")
		}
		s.Update()

		n := rapid.IntRange(1, 10).Draw(t, "changes")
		for i := 0; i < n; i++ {
			next := transport.StationID(rapid.IntRange(1, 4).Draw(t, "new_host"))
			tr.host = next
			tr.event(next, transport.EventRoomOwnerChanged)
			s.Update()
			if countHosts(s) != 1 {
				t.Fatalf("after change to %s: %d hosts", next, countHosts(s))
			}
			if s.Host().Station() != next {
				t.Fatalf("host %s, want %s", s.Host().Station(), next)
			}
			if s.IsHost() != (next == 1) {
				t.Fatalf("IsHost=%v with host %s", s.IsHost(), next)
			}
		}
	})
}

func TestProperty_GamerStateRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tag := rapid.String().Draw(t, "tag")
		next := GamerState(rapid.Uint32Range(0, 0x1F).Draw(t, "next"))
		prev := GamerState(rapid.Uint32Range(0, 0x1F).Draw(t, "prev"))

		data := encodeGamerState(tag, next, prev)
		if !isGamerStatePacket(data) {
			t.Fatal("marker missing")
		}
		gotTag, gotNext, gotPrev, err := decodeGamerState(data)
		if err != nil {
			t.Fatal(err)
		}
		if gotTag != tag || gotNext != next || gotPrev != prev {
			t.Fatalf("got (%q, %s, %s)", gotTag, gotNext, gotPrev)
		}
	})
}

func TestGamerState_ReadyToggleBroadcastsNextTick(t *testing.T) {
	s, tr, _ := hostOnFake(t)
	tr.peerJoins(2, "Bob")
	s.Update()

	me := s.LocalGamers()[0]
	me.SetReady(true)
	s.detectStateChanges()
	require.Equal(t, 1, s.queue.len())
	c, _ := s.queue.pop()
	cmd, ok := c.(SendGamerStateCommand)
	require.True(t, ok)
	assert.Same(t, me, cmd.Gamer)
	assert.True(t, cmd.New.Has(GamerReady))
	assert.False(t, cmd.Prev.Has(GamerReady))

	require.NoError(t, s.process(cmd))
	require.Len(t, tr.sent, 1)
	assert.True(t, isGamerStatePacket(tr.sent[0].Data))

	s.detectStateChanges()
	assert.Zero(t, s.queue.len(), "snapshot advanced")
}

func TestGamerState_MalformedAndUnknownDropped(t *testing.T) {
	s, tr, _ := hostOnFake(t)
	tr.packets.Enqueue(transport.Packet{From: 2, Data: []byte("#GAMER_STATUS")})
	tr.packets.Enqueue(transport.Packet{From: 2, Data: encodeGamerState("nobody", GamerReady, 0)})
	assert.NotPanics(t, s.Update)
	assert.False(t, s.LocalGamers()[0].IsDataAvailable())
}

func TestGamerState_ApplyKeepsReceiverHostView(t *testing.T) {
	s, tr, _ := hostOnFake(t)
	tr.peerJoins(2, "Bob")
	s.Update()

	tr.packets.Enqueue(transport.Packet{From: 2, To: 1, Data: encodeGamerState("Bob+0x2", GamerHost|GamerLocal|GamerReady, GamerHost|GamerLocal)})
	s.Update()

	bob, ok := s.FindGamerByGamertag("Bob+0x2")
	require.True(t, ok)
	assert.Equal(t, GamerReady, bob.State())
	assert.Equal(t, 1, countHosts(s))
}

func TestCommandQueue_FIFO(t *testing.T) {
	var q commandQueue
	q.push(GamerLeftCommand{Station: 1})
	q.push(GamerLeftCommand{Station: 2})
	c, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, GamerLeftCommand{Station: 1}, c)
	q.push(GamerLeftCommand{Station: 3})
	assert.Equal(t, 2, q.len())

	c, _ = q.pop()
	assert.Equal(t, GamerLeftCommand{Station: 2}, c)
	c, _ = q.pop()
	assert.Equal(t, GamerLeftCommand{Station: 3}, c)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestProperties(t *testing.T) {
	p := NewNamedProperties([PropertyCount]string{0: "level"})
	assert.False(t, p.Dirty())
	require.NoError(t, p.Set(0, 3))
	assert.True(t, p.Dirty())
	assert.ErrorIs(t, p.Set(PropertyCount, 1), ErrInvalidArgument)
	assert.ErrorIs(t, p.Unset(-1), ErrInvalidArgument)

	q := NewNamedProperties([PropertyCount]string{0: "level"})
	require.NoError(t, q.Decode(p.Encode()))
	v, ok := q.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = q.Get(1)
	assert.False(t, ok)
	assert.False(t, q.Dirty())

	assert.Error(t, q.Decode("level=x\n"))
	assert.False(t, q.Ranked())
	require.NoError(t, q.Set(RankedProperty, 1))
	assert.True(t, q.Ranked())
}
