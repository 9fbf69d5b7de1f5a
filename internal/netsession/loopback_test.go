package netsession

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport/loopback"
)

type peer struct {
	ctx    *Context
	ep     *loopback.Endpoint
	roster *identity.Roster
}

func newPeer(t *testing.T, n *loopback.Network, userID, name string) *peer {
	t.Helper()
	ep := n.NewEndpoint()
	roster := newTestRoster(t, identity.SignedInUser{Slot: 0, UserID: userID, DisplayName: name, SignedIn: true})
	return &peer{ctx: newTestContext(t, ep, roster), ep: ep, roster: roster}
}

// hostAndJoin hosts on a and joins b to it, then lets the host observe the
// join.
func hostAndJoin(t *testing.T, a, b *peer) (host, client *Session) {
	t.Helper()
	host, err := a.ctx.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)

	found, err := b.ctx.Find(SessionTypePlayerMatch, 1, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Alice", found[0].HostName())
	assert.Equal(t, 1, found[0].SlotsNeeded)
	assert.Equal(t, uint8(1), found[0].LocalGamersMask)

	client, err = b.ctx.Join(found[0])
	require.NoError(t, err)
	host.Update()
	return host, client
}

func TestLoopback_HostAndJoin(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	for _, s := range []*Session{host, client} {
		assert.Len(t, s.AllGamers(), 2)
		assert.Len(t, s.LocalGamers(), 1)
		assert.Len(t, s.RemoteGamers(), 1)
		assert.Len(t, s.Machines(), 2)
		assert.Equal(t, 1, countHosts(s))
		assert.Equal(t, host.ID(), s.ID())
	}
	assert.True(t, host.IsHost())
	assert.False(t, client.IsHost())
	assert.Equal(t, "Alice+0x1", client.Host().Gamertag())
	assert.Equal(t, SessionTypePlayerMatch, client.SessionType())
	assert.Equal(t, 4, client.MaxGamers())
}

func TestLoopback_ReadyRoundTrip(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	bob := client.LocalGamers()[0]
	bob.SetReady(true)
	client.Update()

	view, ok := host.FindGamerByGamertag(bob.Gamertag())
	require.True(t, ok)
	assert.False(t, view.IsReady())
	host.Update()
	assert.True(t, view.IsReady())
	assert.False(t, view.IsLocal())
	assert.False(t, view.IsHost())

	host.LocalGamers()[0].SetReady(true)
	host.Update()
	client.Update()
	assert.True(t, host.IsEveryoneReady())
	assert.True(t, client.IsEveryoneReady())
}

func TestLoopback_DataInOrder(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	sender := host.LocalGamers()[0]
	for i := byte(0); i < 10; i++ {
		require.NoError(t, sender.SendData([]byte{i}, SendReliableInOrder))
	}
	host.Update()
	client.Update()

	receiver := client.LocalGamers()[0]
	buf := make([]byte, 4)
	for i := byte(0); i < 10; i++ {
		n, from, err := receiver.ReceiveData(buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, i, buf[0])
		assert.Equal(t, "Alice+0x1", from.Gamertag())
	}
	assert.False(t, receiver.IsDataAvailable())
}

func TestLoopback_HostMigration(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	var newHost *Gamer
	client.OnHostChanged(func(_, n *Gamer) { newHost = n })
	host.Dispose()
	assert.Nil(t, a.ctx.Current())
	client.Update()

	assert.True(t, client.IsHost())
	require.NotNil(t, newHost)
	assert.Same(t, client.LocalGamers()[0].Gamer, newHost)
	assert.Len(t, client.AllGamers(), 1)
	assert.Len(t, client.Machines(), 1)
	assert.Equal(t, 1, countHosts(client))

	require.NoError(t, client.StartGame())
	client.Update()
	assert.Equal(t, StatePlaying, client.SessionState())
}

func TestLoopback_RoomDestroyedEndsClient(t *testing.T) {
	n := loopback.NewNetwork(loopback.WithHostMigration(false))
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	var reason EndReason
	client.OnSessionEnded(func(r EndReason) { reason = r })
	host.Dispose()
	client.Update()

	assert.Equal(t, EndHostEndedSession, reason)
	assert.True(t, client.IsDisposed())
	assert.Nil(t, b.ctx.Current())
}

func TestLoopback_KickedClient(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, client := hostAndJoin(t, a, b)

	var reason EndReason
	client.OnSessionEnded(func(r EndReason) { reason = r })
	require.True(t, n.Kick(b.ep.LocalStation()))
	client.Update()
	host.Update()

	assert.Equal(t, EndRemovedByHost, reason)
	assert.Len(t, host.AllGamers(), 1)
}

func TestLoopback_StartGameHidesSession(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, err := a.ctx.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)

	require.NoError(t, host.StartGame())
	host.Update()
	found, err := b.ctx.Find(SessionTypePlayerMatch, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = b.ctx.JoinInvitedMax(1, host.ID())
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, JoinErrorSessionLocked, joinErr.Reason)

	require.NoError(t, host.EndGame())
	host.Update()
	found, err = b.ctx.Find(SessionTypePlayerMatch, 1, nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestLoopback_FindFiltersByProperties(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	props := a.ctx.NewProperties()
	require.NoError(t, props.Set(0, 3))
	host, err := a.ctx.Create(SessionTypePlayerMatch, a.roster.SignedInUsers(), 4, 0, props)
	require.NoError(t, err)

	want := b.ctx.NewProperties()
	require.NoError(t, want.Set(0, 3))
	found, err := b.ctx.Find(SessionTypePlayerMatch, 1, want)
	require.NoError(t, err)
	require.Len(t, found, 1)
	v, ok := found[0].Properties.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	require.NoError(t, host.Properties().Set(0, 4))
	found, err = b.ctx.Find(SessionTypePlayerMatch, 1, want)
	require.NoError(t, err)
	assert.Len(t, found, 1, "change is not published before Update")
	host.Update()
	found, err = b.ctx.Find(SessionTypePlayerMatch, 1, want)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = b.ctx.Find(SessionTypeRanked, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestLoopback_RankedSessionType(t *testing.T) {
	n := loopback.NewNetwork()
	a, b := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob")
	host, err := a.ctx.CreateDefault(SessionTypeRanked, 1, 4)
	require.NoError(t, err)
	assert.True(t, host.Properties().Ranked())

	client, err := b.ctx.JoinInvitedMax(1, host.ID())
	require.NoError(t, err)
	assert.Equal(t, SessionTypeRanked, client.SessionType())
}

func TestLoopback_FullSessionsAreNotOffered(t *testing.T) {
	n := loopback.NewNetwork()
	a, b, c := newPeer(t, n, "u1", "Alice"), newPeer(t, n, "u2", "Bob"), newPeer(t, n, "u3", "Cid")
	host, err := a.ctx.CreateDefault(SessionTypePlayerMatch, 1, 2)
	require.NoError(t, err)
	_, err = b.ctx.JoinInvitedMax(1, host.ID())
	require.NoError(t, err)

	found, err := c.ctx.Find(SessionTypePlayerMatch, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = c.ctx.JoinInvitedMax(1, host.ID())
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, JoinErrorSessionFull, joinErr.Reason)
}

func TestContext_JoinInvitedUnknownSession(t *testing.T) {
	n := loopback.NewNetwork()
	p := newPeer(t, n, "u1", "Alice")

	s, err := p.ctx.JoinInvitedMax(1, "no-such-room")
	assert.Nil(t, s)
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, JoinErrorSessionNotFound, joinErr.Reason)
	assert.Nil(t, p.ctx.Current())

	_, err = p.ctx.JoinInvitedMax(0, "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.ctx.JoinInvited(p.roster.SignedInUsers(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestContext_FindValidation(t *testing.T) {
	n := loopback.NewNetwork()
	p := newPeer(t, n, "u1", "Alice")

	_, err := p.ctx.Find(SessionTypeLocal, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = p.ctx.Find(SessionTypePlayerMatch, 5, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.True(t, p.roster.SetSignedIn("u1", false))
	_, err = p.ctx.Find(SessionTypePlayerMatch, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestContext_NewSessionDisposesPrevious(t *testing.T) {
	n := loopback.NewNetwork()
	p := newPeer(t, n, "u1", "Alice")

	first, err := p.ctx.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)
	second, err := p.ctx.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)

	assert.True(t, first.IsDisposed())
	assert.False(t, second.IsDisposed())
	assert.Same(t, second, p.ctx.Current())
	assert.Len(t, n.Rooms(), 1)

	first.Dispose()
	assert.Same(t, second, p.ctx.Current())
}

func TestContext_Async(t *testing.T) {
	n := loopback.NewNetwork()
	p := newPeer(t, n, "u1", "Alice")
	users := p.roster.SignedInUsers()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := p.ctx.CreateAsync(cancelled, SessionTypePlayerMatch, users, 4, 0, nil).Wait(context.Background())
	assert.Nil(t, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, p.ctx.Current())
	assert.Empty(t, n.Rooms())

	pending := p.ctx.CreateAsync(context.Background(), SessionTypePlayerMatch, users, 4, 0, nil)
	s, err = pending.Wait(context.Background())
	require.NoError(t, err)
	<-pending.Done()
	assert.True(t, s.IsHost())

	q := newPeer(t, n, "u2", "Bob")
	joined, err := q.ctx.JoinInvitedAsync(context.Background(), q.roster.SignedInUsers(), s.ID()).Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, joined.AllGamers(), 2)

	_, err = q.ctx.JoinInvitedAsync(context.Background(), q.roster.SignedInUsers(), "missing").Wait(context.Background())
	var joinErr *JoinError
	assert.True(t, errors.As(err, &joinErr))
}

func TestContext_InviteStoredUntilSubscribed(t *testing.T) {
	n := loopback.NewNetwork()
	p := newPeer(t, n, "u1", "Alice")
	s, err := p.ctx.CreateDefault(SessionTypePlayerMatch, 1, 4)
	require.NoError(t, err)

	p.ctx.NotifyInviteAccepted(InviteAcceptedEvent{SessionID: s.ID()})

	var got []InviteAcceptedEvent
	unsubscribe := p.ctx.OnInviteAccepted(func(ev InviteAcceptedEvent) { got = append(got, ev) })
	require.Len(t, got, 1)
	assert.True(t, got[0].IsCurrentSession)

	var second []InviteAcceptedEvent
	p.ctx.OnInviteAccepted(func(ev InviteAcceptedEvent) { second = append(second, ev) })
	assert.Empty(t, second)

	p.ctx.NotifyInviteAccepted(InviteAcceptedEvent{SessionID: "other"})
	require.Len(t, got, 2)
	assert.False(t, got[1].IsCurrentSession)
	assert.Len(t, second, 1)

	unsubscribe()
	p.ctx.NotifyInviteAccepted(InviteAcceptedEvent{SessionID: "third"})
	assert.Len(t, got, 2)
	assert.Len(t, second, 2)
}

func TestNewContext_Validation(t *testing.T) {
	n := loopback.NewNetwork()
	_, err := NewContext(Options{Identity: newTestRoster(t), Logger: zapNop()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewContext(Options{Transport: n.NewEndpoint(), Logger: zapNop()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Panics(t, func() {
		_, _ = NewContext(Options{Transport: n.NewEndpoint(), Identity: newTestRoster(t)})
	})
}
