package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/netsession"
	"github.com/cory-johannsen/netsession/internal/transport/loopback"
)

func newStation(t *testing.T, n *loopback.Network, userID, name string) (*netsession.Context, *identity.Roster) {
	t.Helper()
	roster, err := identity.NewRoster(identity.SignedInUser{Slot: 0, UserID: userID, DisplayName: name, SignedIn: true})
	require.NoError(t, err)
	nc, err := netsession.NewContext(netsession.Options{
		Transport: n.NewEndpoint(),
		Identity:  roster,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return nc, roster
}

func testConsole(t *testing.T, s *netsession.Session) (*console, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	c := newConsole(s, &out, zaptest.NewLogger(t))
	out.Reset()
	return c, &out
}

func sessionConfig() config.SessionConfig {
	return config.SessionConfig{MaxGamers: 4}
}

func openPair(t *testing.T) (host, client *netsession.Session) {
	t.Helper()
	n := loopback.NewNetwork()
	hc, hr := newStation(t, n, "u1", "Alice")
	cc, cr := newStation(t, n, "u2", "Bob")

	host, err := open(hc, hr, sessionConfig(), netsession.SessionTypePlayerMatch, "")
	require.NoError(t, err)
	client, err = open(cc, cr, sessionConfig(), netsession.SessionTypePlayerMatch, "any")
	require.NoError(t, err)
	host.Update()
	return host, client
}

func TestOpen_JoinByID(t *testing.T) {
	n := loopback.NewNetwork()
	hc, hr := newStation(t, n, "u1", "Alice")
	cc, cr := newStation(t, n, "u2", "Bob")

	host, err := open(hc, hr, sessionConfig(), netsession.SessionTypePlayerMatch, "")
	require.NoError(t, err)
	client, err := open(cc, cr, sessionConfig(), netsession.SessionTypePlayerMatch, host.ID())
	require.NoError(t, err)
	assert.Equal(t, host.ID(), client.ID())
	assert.False(t, client.IsHost())
}

func TestOpen_AnyWithNothingToJoin(t *testing.T) {
	n := loopback.NewNetwork()
	cc, cr := newStation(t, n, "u2", "Bob")
	_, err := open(cc, cr, sessionConfig(), netsession.SessionTypePlayerMatch, "any")
	assert.ErrorContains(t, err, "no joinable")
}

func TestConsole_ChatReachesOtherStation(t *testing.T) {
	host, client := openPair(t)
	hostCon, hostOut := testConsole(t, host)
	clientCon, _ := testConsole(t, client)

	clientCon.handle("hello there")
	clientCon.tick()
	hostCon.tick()

	assert.Contains(t, hostOut.String(), "hello there")
}

func TestConsole_Commands(t *testing.T) {
	host, _ := openPair(t)
	con, out := testConsole(t, host)

	con.handle("/who")
	assert.Contains(t, out.String(), host.ID())
	assert.Equal(t, 3, strings.Count(out.String(), "\n"), "header plus one line per gamer")

	con.handle("/ready")
	assert.True(t, host.LocalGamers()[0].IsReady())

	con.handle("/lock")
	assert.True(t, host.Locked())

	out.Reset()
	con.handle("/bogus")
	assert.Contains(t, out.String(), "unknown command /bogus")

	quit := false
	con.onQuit = func() { quit = true }
	con.handle("/quit")
	assert.True(t, quit)
}

func TestConsole_StartGameIsReported(t *testing.T) {
	host, _ := openPair(t)
	con, out := testConsole(t, host)

	con.handle("/start")
	con.tick()
	assert.Contains(t, out.String(), "game started")
	assert.Equal(t, netsession.StatePlaying, host.SessionState())
}

func TestPropertyNames_PadsWithDefaults(t *testing.T) {
	names := propertyNames([]string{"map", "mode"})
	assert.Equal(t, "map", names[0])
	assert.Equal(t, "mode", names[1])
	assert.Empty(t, names[2])
}

func TestListRooms_RequiresDirectory(t *testing.T) {
	var out bytes.Buffer
	err := listRooms(context.Background(), config.DirectoryConfig{}, false, &out, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "not enabled")
	assert.Empty(t, out.String())
}
