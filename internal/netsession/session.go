// Package netsession implements a multiplayer session engine on top of an
// opaque transport: gamer registry, machine grouping, session lifecycle,
// gamer state synchronisation and ordered delivery of application data.
//
// A Session is driven by a single owner goroutine calling Update once per
// tick. Transport notifications are translated into commands and applied in
// strict arrival order.
package netsession

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/observability"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// Session is one live multiplayer session.
type Session struct {
	owner  *Context
	tr     transport.Transport
	ident  identity.Service
	logger *zap.Logger

	id           string
	sessionType  SessionType
	state        SessionState
	maxGamers    int
	privateSlots int
	props        *Properties

	isHost              bool
	host                *Gamer
	locked              bool
	allowJoinInProgress bool

	reg    *registry
	queue  commandQueue
	events eventHub

	// users waiting to be bound to the next local join, in order.
	pendingUsers []*identity.SignedInUser
	endQueued    bool

	disposeMu sync.Mutex
	disposed  atomic.Bool
}

type sessionParams struct {
	sessionType  SessionType
	maxGamers    int
	privateSlots int
	props        *Properties
	isHost       bool
	primary      *identity.SignedInUser
}

func newSession(c *Context, p sessionParams) *Session {
	s := &Session{
		owner:        c,
		tr:           c.tr,
		ident:        c.ident,
		sessionType:  p.sessionType,
		state:        StateLobby,
		maxGamers:    p.maxGamers,
		privateSlots: p.privateSlots,
		props:        p.props,
		isHost:       p.isHost,
		reg:          newRegistry(),
		pendingUsers: []*identity.SignedInUser{p.primary},
	}
	if info, ok := c.tr.CurrentSession(); ok {
		s.id = info.ID
	}
	s.logger = observability.SessionLogger(c.logger, s.id, c.tr.LocalStation())
	s.props.markClean()
	return s
}

// ID returns the transport's identifier for the session.
func (s *Session) ID() string { return s.id }

func (s *Session) SessionType() SessionType { return s.sessionType }

func (s *Session) SessionState() SessionState { return s.state }

func (s *Session) MaxGamers() int { return s.maxGamers }

func (s *Session) PrivateGamerSlots() int { return s.privateSlots }

// LocalStation returns the station this machine occupies in the session.
func (s *Session) LocalStation() transport.StationID { return s.tr.LocalStation() }

// Properties returns the live session properties. Changes made by the host
// are published on the next Update.
func (s *Session) Properties() *Properties { return s.props }

// IsHost reports whether this machine hosts the session.
func (s *Session) IsHost() bool { return s.isHost }

// Host returns the current host gamer, or nil during host migration.
func (s *Session) Host() *Gamer { return s.host }

// AllGamers returns every gamer in join order.
func (s *Session) AllGamers() []*Gamer {
	return append([]*Gamer(nil), s.reg.all...)
}

// LocalGamers returns the gamers signed in on this machine.
func (s *Session) LocalGamers() []*LocalGamer {
	return append([]*LocalGamer(nil), s.reg.local...)
}

// RemoteGamers returns the gamers on other machines.
func (s *Session) RemoteGamers() []*Gamer {
	return append([]*Gamer(nil), s.reg.remote...)
}

// PreviousGamers returns gamers that have left, oldest first.
func (s *Session) PreviousGamers() []*Gamer {
	return append([]*Gamer(nil), s.reg.previous...)
}

// Machines returns the active machines in order of first join.
func (s *Session) Machines() []*Machine {
	return append([]*Machine(nil), s.reg.machineOrder...)
}

// FindGamerByID returns the gamer with participant id.
func (s *Session) FindGamerByID(id ParticipantID) (*Gamer, bool) {
	return s.reg.gamer(id)
}

func (s *Session) FindGamerByGamertag(tag string) (*Gamer, bool) {
	return s.reg.gamerByTag(tag)
}

func (s *Session) FindGamerByOnlineID(onlineID string) (*Gamer, bool) {
	return s.reg.gamerByOnlineID(onlineID)
}

func (s *Session) FindGamerByStation(st transport.StationID) (*Gamer, bool) {
	return s.reg.gamerByStation(st)
}

// FindMachine returns the active machine for station.
func (s *Session) FindMachine(st transport.StationID) (*Machine, bool) {
	return s.reg.machine(st)
}

// IsEveryoneReady reports whether every gamer has the ready flag set.
// An empty session is never ready.
func (s *Session) IsEveryoneReady() bool {
	if len(s.reg.all) == 0 {
		return false
	}
	for _, g := range s.reg.all {
		if !g.IsReady() {
			return false
		}
	}
	return true
}

// ResetReady clears the ready flag on every local gamer.
func (s *Session) ResetReady() {
	for _, lg := range s.reg.local {
		lg.SetReady(false)
	}
}

// AllowJoinInProgress reports whether gamers may join while Playing.
func (s *Session) AllowJoinInProgress() bool { return s.allowJoinInProgress }

// SetAllowJoinInProgress is host only.
func (s *Session) SetAllowJoinInProgress(allow bool) error {
	if !s.isHost {
		return invalidOp("only the host can change join-in-progress")
	}
	s.allowJoinInProgress = allow
	return nil
}

// Locked reports whether the session refuses new joiners.
func (s *Session) Locked() bool { return s.locked }

// SetLocked hides the session from search and refuses joins.
//
// Precondition: this machine is host.
// Postcondition: no transport call is made when the value is unchanged.
func (s *Session) SetLocked(locked bool) error {
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	if locked == s.locked {
		return nil
	}
	if !s.isHost {
		return invalidOp("only the host can lock the session")
	}
	if code := s.tr.SessionLocked(locked); code != transport.ResultOK {
		return &NetError{UserID: s.primaryUserID(), Code: code, Category: NetCategorySession}
	}
	s.locked = locked
	return nil
}

// StartGame queues the Lobby to Playing transition, applied on the next
// Update.
func (s *Session) StartGame() error {
	if s.state == StateEnded || s.state == StatePlaying {
		return invalidOp("cannot start game in state %s", s.state)
	}
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	if !s.isHost {
		return invalidOp("only the host can start the game")
	}
	s.enqueue(SessionStateChangeCommand{Target: StatePlaying})
	return nil
}

// EndGame queues the Playing to Lobby transition.
func (s *Session) EndGame() error {
	if s.state == StateEnded || s.state == StateLobby {
		return invalidOp("cannot end game in state %s", s.state)
	}
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	if !s.isHost {
		return invalidOp("only the host can end the game")
	}
	s.enqueue(SessionStateChangeCommand{Target: StateLobby})
	return nil
}

// End queues termination of the session for every local gamer.
func (s *Session) End() error {
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	s.enqueueEnd(0)
	return nil
}

// AddLocalGamer asks the transport to join user into the current session.
// The gamer appears once the transport reports the join.
//
// Postcondition: no-op when a local gamer with user's gamertag is present
// or already pending.
func (s *Session) AddLocalGamer(user *identity.SignedInUser) error {
	if s.IsDisposed() {
		return ErrSessionDisposed
	}
	if user == nil {
		return invalidArg("user must not be nil")
	}
	for _, lg := range s.reg.local {
		if lg.user != nil && lg.user.Gamertag == user.Gamertag {
			return nil
		}
	}
	for _, u := range s.pendingUsers {
		if u.Gamertag == user.Gamertag {
			return nil
		}
	}
	info, ok := s.tr.CurrentSession()
	if !ok {
		return invalidOp("not in a session")
	}
	if code := s.tr.Join(user.TransportUser(), info); code != transport.ResultOK {
		return &NetError{UserID: user.UserID, Code: code, Category: NetCategoryJoin}
	}
	s.pendingUsers = append(s.pendingUsers, user)
	return nil
}

// IsDisposed may be called from any goroutine.
func (s *Session) IsDisposed() bool {
	return s.disposed.Load()
}

// Dispose leaves the transport session and releases the owning context's
// reference. Safe to call more than once; only the first call has effect.
// Call it from the owner goroutine.
func (s *Session) Dispose() {
	s.disposeMu.Lock()
	if s.disposed.Load() {
		s.disposeMu.Unlock()
		return
	}
	s.disposed.Store(true)
	s.disposeMu.Unlock()

	if code := s.tr.LeaveSession(); code != transport.ResultOK && code != transport.ResultNotInSession {
		s.logger.Warn("leaving transport session failed", zap.Int("code", code))
	}
	s.queue.clear()
	s.reg.clear()
	s.host = nil
	if s.owner != nil {
		s.owner.release(s)
	}
	s.logger.Info("session disposed")
}

// Update runs one tick: publish properties, translate transport events and
// packets, detect local state changes, drain the command queue and check
// the primary user's connectivity. Failures are logged and never returned.
func (s *Session) Update() {
	if s.IsDisposed() {
		return
	}
	defer s.recoverTick()

	s.publishProperties()
	s.pollEvents()
	s.pollPackets()
	s.detectStateChanges()
	s.drain()
	s.checkPrimaryOnline()
}

func (s *Session) recoverTick() {
	if r := recover(); r != nil {
		s.logger.Error("session update failed",
			zap.Any("panic", r),
			zap.Stack("stack"),
			zap.Int("queued", s.queue.len()),
		)
	}
}

// flush pulls pending transport events and drains the queue once. Used by
// construction so the local join is visible before returning.
func (s *Session) flush() {
	defer s.recoverTick()
	s.pollEvents()
	s.pollPackets()
	s.drain()
}

func (s *Session) enqueue(c Command) {
	s.queue.push(c)
}

func (s *Session) enqueueEnd(reason EndReason) {
	if s.endQueued {
		return
	}
	s.endQueued = true
	s.enqueue(SessionStateChangeCommand{Target: StateEnded, Reason: reason})
}

func (s *Session) publishProperties() {
	if !s.isHost || !s.props.Dirty() {
		return
	}
	if code := s.tr.UpdateSessionProperties(s.props.Encode()); code != transport.ResultOK {
		s.logger.Warn("publishing session properties failed", zap.Int("code", code))
		return
	}
	s.props.markClean()
}

func (s *Session) pollEvents() {
	for {
		ev, ok := s.tr.PollEvent()
		if !ok {
			return
		}
		s.translateEvent(ev)
	}
}

func (s *Session) translateEvent(ev transport.ConnectionEvent) {
	s.logger.Debug("transport event",
		zap.Stringer("kind", ev.Kind),
		zap.Stringer("station", ev.Station),
		zap.Int("result", ev.Result),
	)
	switch ev.Kind {
	case transport.EventJoined:
		s.enqueue(s.joinedCommand(ev.Station))
	case transport.EventLeft:
		s.enqueue(GamerLeftCommand{Station: ev.Station})
	case transport.EventKicked:
		if ev.Station == s.tr.LocalStation() {
			s.enqueueEnd(EndRemovedByHost)
			return
		}
		s.enqueue(GamerLeftCommand{Station: ev.Station})
	case transport.EventRoomDestroyed:
		s.enqueueEnd(0)
	case transport.EventRoomOwnerChanged:
		old := transport.InvalidStation
		if s.host != nil {
			old = s.host.station
		}
		s.enqueue(HostChangeCommand{NewHost: ev.Station, OldHost: old})
	default:
		s.logger.Warn("unknown transport event", zap.Int("kind", int(ev.Kind)))
	}
}

func (s *Session) joinedCommand(st transport.StationID) GamerJoinedCommand {
	name := s.tr.PlayerName(st)
	var state GamerState
	if st == s.tr.HostStation() {
		state |= GamerHost
	}
	if st == s.tr.LocalStation() {
		state |= GamerLocal
	}
	return GamerJoinedCommand{
		ID:          ParticipantID(st),
		Station:     st,
		DisplayName: name,
		Gamertag:    fmt.Sprintf("%s+%s", name, st),
		OnlineID:    st.String(),
		State:       state,
	}
}

func (s *Session) pollPackets() {
	for {
		p, ok := s.tr.PollPacket()
		if !ok {
			return
		}
		if !isGamerStatePacket(p.Data) {
			s.enqueue(ReceiveDataCommand{From: p.From, To: p.To, Data: p.Data})
			continue
		}
		tag, next, prev, err := decodeGamerState(p.Data)
		if err != nil {
			s.logger.Warn("dropping gamer state packet", zap.Stringer("from", p.From), zap.Error(err))
			continue
		}
		s.enqueue(ReceiveGamerStateCommand{From: p.From, Gamertag: tag, New: next, Prev: prev})
	}
}

// drain applies queued commands until the queue is empty, including any
// enqueued while draining, or until the session is disposed.
func (s *Session) drain() {
	for !s.IsDisposed() {
		c, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.process(c); err != nil {
			s.logger.Warn("command failed", zap.Stringer("command", c.Kind()), zap.Error(err))
		}
	}
}

func (s *Session) process(c Command) error {
	s.logger.Debug("processing command", zap.Stringer("command", c.Kind()))
	switch c := c.(type) {
	case GamerJoinedCommand:
		return s.processGamerJoined(c)
	case GamerLeftCommand:
		return s.processGamerLeft(c)
	case SendDataCommand:
		return s.processSendData(c)
	case ReceiveDataCommand:
		return s.processReceiveData(c)
	case SessionStateChangeCommand:
		return s.processStateChange(c)
	case SendGamerStateCommand:
		return s.processSendGamerState(c)
	case ReceiveGamerStateCommand:
		return s.processReceiveGamerState(c)
	case HostChangeCommand:
		return s.processHostChange(c)
	default:
		return fmt.Errorf("unhandled command %T", c)
	}
}

func (s *Session) processGamerJoined(c GamerJoinedCommand) error {
	if g, dup := s.reg.gamer(c.ID); dup {
		s.logger.Warn("duplicate gamer join ignored", zap.Stringer("gamer", g))
		return nil
	}
	g := newGamer(s, c)
	if c.State.Has(GamerLocal) {
		lg := &LocalGamer{Gamer: g, user: s.bindLocalUser()}
		g.local = lg
		if lg.user != nil {
			g.onlineID = lg.user.OnlineID
		}
	}
	s.reg.add(g)
	if c.State.Has(GamerHost) {
		if s.host != nil && s.host != g {
			s.host.setHost(false)
		}
		s.host = g
		if g.local != nil {
			s.isHost = true
		}
	}
	s.logger.Info("gamer joined", zap.Stringer("gamer", g))
	s.fireGamerJoined(g)
	return nil
}

func (s *Session) bindLocalUser() *identity.SignedInUser {
	if len(s.pendingUsers) == 0 {
		s.logger.Warn("local join with no pending user")
		return nil
	}
	u := s.pendingUsers[0]
	s.pendingUsers = s.pendingUsers[1:]
	return u
}

func (s *Session) processGamerLeft(c GamerLeftCommand) error {
	g, ok := s.reg.gamerByStation(c.Station)
	if !ok {
		s.logger.Info("leave for unknown station ignored", zap.Stringer("station", c.Station))
		return nil
	}
	machineGone := s.reg.remove(g)
	g.left = true
	if s.host == g {
		s.host = nil
	}
	s.logger.Info("gamer left", zap.Stringer("gamer", g), zap.Bool("machine_removed", machineGone))
	s.fireGamerLeft(g)
	if g.local != nil && len(s.reg.local) == 0 {
		s.enqueueEnd(0)
	}
	return nil
}

func (s *Session) processHostChange(c HostChangeCommand) error {
	var oldHost, newHost *Gamer
	if g, ok := s.reg.gamerByStation(c.OldHost); ok {
		g.setHost(false)
		oldHost = g
	}
	if s.host != nil && s.host.station != c.NewHost {
		s.host.setHost(false)
		if oldHost == nil {
			oldHost = s.host
		}
	}
	if g, ok := s.reg.gamerByStation(c.NewHost); ok {
		g.setHost(true)
		newHost = g
	} else {
		s.logger.Warn("new host not found", zap.Stringer("station", c.NewHost))
	}
	s.host = newHost
	s.isHost = newHost != nil && newHost.local != nil
	s.logger.Info("host changed",
		zap.Stringer("old_station", c.OldHost),
		zap.Stringer("new_station", c.NewHost),
		zap.Bool("is_host", s.isHost),
	)
	s.fireHostChanged(oldHost, newHost)
	return nil
}

func (s *Session) processSendData(c SendDataCommand) error {
	from := c.Sender.station
	if c.Recipient != nil {
		if c.Recipient.left {
			s.logger.Debug("send to departed gamer dropped", zap.Stringer("recipient", c.Recipient))
			return nil
		}
		if c.Recipient.local != nil {
			c.Recipient.local.deliver(InboundPacket{Data: c.Data, Sender: c.Sender.Gamer})
			return nil
		}
		return s.send(from, c.Recipient.station, c.Data)
	}
	return s.broadcast(from, c.Data)
}

// broadcast sends data once to every machine other than from.
func (s *Session) broadcast(from transport.StationID, data []byte) error {
	var errs []error
	for _, m := range s.reg.machineOrder {
		if m.station == from {
			continue
		}
		if err := s.send(from, m.station, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) send(from, to transport.StationID, data []byte) error {
	if code := s.tr.SendData(from, to, data); code != transport.ResultOK {
		return fmt.Errorf("sending %d bytes to %s: code 0x%x", len(data), to, code)
	}
	return nil
}

func (s *Session) processReceiveData(c ReceiveDataCommand) error {
	sender, ok := s.reg.gamerByStation(c.From)
	if !ok {
		s.logger.Warn("data from unknown station dropped", zap.Stringer("from", c.From))
		return nil
	}
	for _, lg := range s.reg.local {
		lg.deliver(InboundPacket{Data: append([]byte(nil), c.Data...), Sender: sender})
	}
	return nil
}

func (s *Session) processStateChange(c SessionStateChangeCommand) error {
	if c.Target == s.state {
		return nil
	}
	if s.state == StateEnded {
		return invalidOp("session already ended")
	}
	prev := s.state
	s.state = c.Target
	s.logger.Info("session state changed", zap.Stringer("from", prev), zap.Stringer("to", c.Target))

	switch c.Target {
	case StatePlaying:
		if s.isHost {
			s.setTransportLocked(true)
		}
		s.fireGameStarted()
	case StateLobby:
		s.ResetReady()
		if s.isHost {
			s.setTransportLocked(false)
		}
		s.fireGameEnded()
	case StateEnded:
		s.ResetReady()
		reason := s.endReason(c.Reason)
		s.logger.Info("session ended", zap.Stringer("reason", reason))
		s.fireSessionEnded(reason)
		s.Dispose()
	}
	return nil
}

func (s *Session) setTransportLocked(locked bool) {
	if code := s.tr.SessionLocked(locked); code != transport.ResultOK {
		s.logger.Warn("changing session lock failed", zap.Bool("locked", locked), zap.Int("code", code))
		return
	}
	s.locked = locked
}

// endReason is Disconnected when connectivity or the primary user's online
// sign-in is gone, otherwise requested, defaulting to HostEndedSession.
func (s *Session) endReason(requested EndReason) EndReason {
	if !s.ident.NetworkOnline() || !s.tr.Online() {
		return EndDisconnected
	}
	if p := s.primaryUser(); p != nil && !s.ident.IsSignedInOnline(p) {
		return EndDisconnected
	}
	if requested != 0 {
		return requested
	}
	return EndHostEndedSession
}

func (s *Session) checkPrimaryOnline() {
	if s.IsDisposed() || s.endQueued {
		return
	}
	p := s.primaryUser()
	if p == nil || s.ident.IsSignedInOnline(p) {
		return
	}
	s.logger.Warn("primary local user went offline", zap.String("user", p.UserID))
	s.enqueueEnd(EndDisconnected)
}

func (s *Session) primaryUser() *identity.SignedInUser {
	if len(s.reg.local) == 0 {
		return nil
	}
	return s.reg.local[0].user
}

func (s *Session) primaryUserID() string {
	if u := s.primaryUser(); u != nil {
		return u.UserID
	}
	return ""
}

// DumpState logs every machine and gamer at Info.
func (s *Session) DumpState() {
	s.logger.Info("session state",
		zap.Stringer("type", s.sessionType),
		zap.Stringer("state", s.state),
		zap.Bool("is_host", s.isHost),
		zap.Bool("locked", s.locked),
		zap.Int("gamers", len(s.reg.all)),
		zap.Int("machines", len(s.reg.machineOrder)),
		zap.Stringer("properties", s.props),
	)
	for _, m := range s.reg.machineOrder {
		for _, g := range m.gamers {
			s.logger.Info("gamer",
				zap.Stringer("station", m.station),
				zap.Uint64("id", uint64(g.id)),
				zap.String("gamertag", g.gamertag),
				zap.Stringer("state", g.state),
			)
		}
	}
}
