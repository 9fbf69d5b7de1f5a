package netsession

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport"
)

const (
	// MinGamers and MaxGamers bound a session's capacity.
	MinGamers = 2
	MaxGamers = 31
)

// Options configures a Context.
type Options struct {
	Transport transport.Transport
	Identity  identity.Service
	Logger    *zap.Logger
	// PropertyNames overrides the attribute names used for session
	// properties. Empty entries keep the default.
	PropertyNames [PropertyCount]string
}

// InviteAcceptedEvent reports that a local user accepted an invitation.
type InviteAcceptedEvent struct {
	SessionID        string
	User             *identity.SignedInUser
	IsCurrentSession bool
}

// Context owns at most one live Session. Constructing a new session
// disposes the previous one.
type Context struct {
	tr     transport.Transport
	ident  identity.Service
	logger *zap.Logger
	names  [PropertyCount]string

	// buildMu serialises construction; mu guards the fields below.
	buildMu sync.Mutex
	mu      sync.Mutex
	current *Session

	started     bool
	startedUser string
	startedMode transport.Mode

	invites       handlers[func(InviteAcceptedEvent)]
	pendingInvite *InviteAcceptedEvent
}

// NewContext validates opts and returns an idle Context.
//
// Precondition: opts.Logger must not be nil.
func NewContext(opts Options) (*Context, error) {
	if opts.Logger == nil {
		panic("netsession.NewContext: logger must not be nil")
	}
	if opts.Transport == nil {
		return nil, invalidArg("transport must not be nil")
	}
	if opts.Identity == nil {
		return nil, invalidArg("identity service must not be nil")
	}
	c := &Context{
		tr:     opts.Transport,
		ident:  opts.Identity,
		logger: opts.Logger,
		names:  DefaultPropertyNames,
	}
	for i, n := range opts.PropertyNames {
		if n != "" {
			c.names[i] = n
		}
	}
	return c, nil
}

// Current returns the live session, or nil.
func (c *Context) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewProperties returns empty properties using the context's names.
func (c *Context) NewProperties() *Properties {
	return NewNamedProperties(c.names)
}

func (c *Context) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}

func (c *Context) replaceCurrent() {
	if prev := c.Current(); prev != nil {
		c.logger.Warn("disposing previous session", zap.String("session", prev.ID()))
		prev.Dispose()
	}
}

func (c *Context) install(s *Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *Context) ensureStarted(user *identity.SignedInUser, mode transport.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started && c.startedUser == user.UserID && c.startedMode == mode {
		return nil
	}
	if code := c.tr.Start(user.TransportUser(), mode); code != transport.ResultOK {
		c.started = false
		return &NetError{UserID: user.UserID, Code: code, Category: NetCategoryStart}
	}
	c.started, c.startedUser, c.startedMode = true, user.UserID, mode
	return nil
}

// properties copies p under the context's names, or returns empty ones.
func (c *Context) properties(p *Properties) *Properties {
	out := c.NewProperties()
	if p == nil {
		return out
	}
	for i := 0; i < PropertyCount; i++ {
		if v, ok := p.Get(i); ok {
			_ = out.Set(i, v)
		}
	}
	return out
}

func modeFor(t SessionType) transport.Mode {
	if t == SessionTypeLocal {
		return transport.ModeLocal
	}
	return transport.ModeOnline
}

func validateUsers(users []*identity.SignedInUser) error {
	if len(users) < 1 || len(users) > identity.MaxLocalUsers {
		return invalidArg("local gamer count must be 1-%d, got %d", identity.MaxLocalUsers, len(users))
	}
	for i, u := range users {
		if u == nil {
			return invalidArg("local user %d is nil", i)
		}
	}
	return nil
}

// signedIn returns up to limit signed-in users, lowest slot first.
func (c *Context) signedIn(limit int) ([]*identity.SignedInUser, error) {
	if limit < 1 || limit > identity.MaxLocalUsers {
		return nil, invalidArg("maxLocalGamers must be 1-%d, got %d", identity.MaxLocalUsers, limit)
	}
	users := c.ident.SignedInUsers()
	if len(users) == 0 {
		return nil, invalidOp("no signed-in local user")
	}
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// Create hosts a new session. Only the first user is bound by the
// transport; further local users join through Session.AddLocalGamer.
//
// Precondition: 1-4 users; maxGamers in [MinGamers, MaxGamers];
// privateSlots in [0, maxGamers].
// Postcondition: the host's own join has been applied.
func (c *Context) Create(t SessionType, users []*identity.SignedInUser, maxGamers, privateSlots int, props *Properties) (*Session, error) {
	if err := validateUsers(users); err != nil {
		return nil, err
	}
	if maxGamers < MinGamers || maxGamers > MaxGamers {
		return nil, invalidArg("maxGamers must be %d-%d, got %d", MinGamers, MaxGamers, maxGamers)
	}
	if privateSlots < 0 || privateSlots > maxGamers {
		return nil, invalidArg("privateGamerSlots must be 0-%d, got %d", maxGamers, privateSlots)
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.replaceCurrent()

	primary := users[0]
	if err := c.ensureStarted(primary, modeFor(t)); err != nil {
		return nil, err
	}
	p := c.properties(props)
	if t == SessionTypeRanked {
		_ = p.Set(RankedProperty, 1)
	}
	if code := c.tr.Host(t.gameMode(), primary.TransportUser(), maxGamers, p.Encode()); code != transport.ResultOK {
		return nil, &NetError{UserID: primary.UserID, Code: code, Category: NetCategoryHost}
	}

	s := newSession(c, sessionParams{
		sessionType:  t,
		maxGamers:    maxGamers,
		privateSlots: privateSlots,
		props:        p,
		isHost:       true,
		primary:      primary,
	})
	c.install(s)
	c.logger.Info("session created",
		zap.String("session", s.ID()),
		zap.Stringer("type", t),
		zap.Int("max_gamers", maxGamers),
	)
	s.flush()
	return s, nil
}

// CreateDefault hosts with the first maxLocalGamers signed-in users and no
// private slots.
func (c *Context) CreateDefault(t SessionType, maxLocalGamers, maxGamers int) (*Session, error) {
	users, err := c.signedIn(maxLocalGamers)
	if err != nil {
		return nil, err
	}
	return c.Create(t, users, maxGamers, 0, nil)
}

// Find searches for joinable sessions of type t whose properties equal the
// set slots of filter and that have room for every requesting local user.
func (c *Context) Find(t SessionType, maxLocalGamers int, filter *Properties) ([]AvailableSession, error) {
	if t == SessionTypeLocal {
		return nil, invalidOp("local sessions cannot be searched")
	}
	users, err := c.signedIn(maxLocalGamers)
	if err != nil {
		return nil, err
	}
	primary := users[0]
	if err := c.ensureStarted(primary, modeFor(t)); err != nil {
		return nil, err
	}
	f := c.properties(filter)
	if t == SessionTypeRanked {
		_ = f.Set(RankedProperty, 1)
	}

	infos, code := c.tr.Search(t.gameMode(), primary.TransportUser(), f.filter())
	if code != transport.ResultOK {
		return nil, &NetError{UserID: primary.UserID, Code: code, Category: NetCategorySearch}
	}

	mask := slotMask(users)
	out := make([]AvailableSession, 0, len(infos))
	for _, info := range infos {
		if info.OpenSlots() < len(users) {
			continue
		}
		props := c.NewProperties()
		if err := props.Decode(info.AppData); err != nil {
			c.logger.Warn("skipping session with unreadable properties", zap.String("session", info.ID), zap.Error(err))
			continue
		}
		out = append(out, AvailableSession{
			Info:            info,
			SessionType:     t,
			Properties:      props,
			LocalGamersMask: mask,
			SlotsNeeded:     len(users),
		})
	}
	c.logger.Debug("session search", zap.Stringer("type", t), zap.Int("found", len(infos)), zap.Int("usable", len(out)))
	return out, nil
}

// Join enters a session returned by Find, binding the local users named by
// its LocalGamersMask.
func (c *Context) Join(avail AvailableSession) (*Session, error) {
	users := usersFromMask(c.ident, avail.LocalGamersMask)
	if len(users) == 0 {
		return nil, invalidOp("no signed-in user for local gamers mask %#x", avail.LocalGamersMask)
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.replaceCurrent()

	primary := users[0]
	if err := c.ensureStarted(primary, modeFor(avail.SessionType)); err != nil {
		return nil, err
	}
	if code := c.tr.Join(primary.TransportUser(), avail.Info); code != transport.ResultOK {
		return nil, joinFailure(primary, code)
	}
	return c.joined(primary, avail.SessionType)
}

// JoinInvited enters the session with the given id.
func (c *Context) JoinInvited(users []*identity.SignedInUser, sessionID string) (*Session, error) {
	if err := validateUsers(users); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, invalidArg("session id must not be empty")
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.replaceCurrent()

	primary := users[0]
	if err := c.ensureStarted(primary, transport.ModeOnline); err != nil {
		return nil, err
	}
	if code := c.tr.JoinByID(primary.TransportUser(), sessionID); code != transport.ResultOK {
		return nil, joinFailure(primary, code)
	}
	return c.joined(primary, SessionTypePlayerMatch)
}

// JoinInvitedMax joins with the first maxLocalGamers signed-in users.
func (c *Context) JoinInvitedMax(maxLocalGamers int, sessionID string) (*Session, error) {
	users, err := c.signedIn(maxLocalGamers)
	if err != nil {
		return nil, err
	}
	return c.JoinInvited(users, sessionID)
}

// joined builds the session after a successful transport join. The type is
// taken from the advertised game mode, with the ranked property winning.
func (c *Context) joined(primary *identity.SignedInUser, fallback SessionType) (*Session, error) {
	info, ok := c.tr.CurrentSession()
	if !ok {
		return nil, &NetError{UserID: primary.UserID, Code: transport.ResultNotInSession, Category: NetCategoryJoin}
	}
	props := c.NewProperties()
	if err := props.Decode(info.AppData); err != nil {
		c.logger.Warn("joined session has unreadable properties", zap.String("session", info.ID), zap.Error(err))
	}
	t := fallback
	if gm := SessionType(info.GameMode); gm > SessionTypeLocal && gm <= SessionTypeRanked {
		t = gm
	}
	if props.Ranked() {
		t = SessionTypeRanked
	}

	s := newSession(c, sessionParams{
		sessionType: t,
		maxGamers:   info.MaxMembers,
		props:       props,
		primary:     primary,
	})
	c.install(s)
	c.logger.Info("session joined", zap.String("session", s.ID()), zap.Stringer("type", t))
	s.flush()
	return s, nil
}

func joinFailure(u *identity.SignedInUser, code int) error {
	switch code {
	case transport.ResultNoSuchRoom:
		return &JoinError{Reason: JoinErrorSessionNotFound, Code: code}
	case transport.ResultRoomFull:
		return &JoinError{Reason: JoinErrorSessionFull, Code: code}
	case transport.ResultRoomLocked:
		return &JoinError{Reason: JoinErrorSessionLocked, Code: code}
	default:
		return &NetError{UserID: u.UserID, Code: code, Category: NetCategoryJoin}
	}
}

// OnInviteAccepted subscribes fn. An invite accepted before any handler
// existed is delivered to the first subscriber.
func (c *Context) OnInviteAccepted(fn func(InviteAcceptedEvent)) func() {
	c.mu.Lock()
	unsubscribe := c.invites.add(fn)
	stored := c.pendingInvite
	c.pendingInvite = nil
	c.mu.Unlock()

	if stored != nil {
		fn(*stored)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		unsubscribe()
	}
}

// NotifyInviteAccepted dispatches ev, or stores it until a handler
// subscribes.
func (c *Context) NotifyInviteAccepted(ev InviteAcceptedEvent) {
	c.mu.Lock()
	if cur := c.current; cur != nil && cur.ID() == ev.SessionID {
		ev.IsCurrentSession = true
	}
	if len(c.invites.entries) == 0 {
		c.pendingInvite = &ev
		c.mu.Unlock()
		c.logger.Info("invite stored until a handler subscribes", zap.String("session", ev.SessionID))
		return
	}
	snapshot := append([]handlerEntry[func(InviteAcceptedEvent)](nil), c.invites.entries...)
	c.mu.Unlock()

	for _, e := range snapshot {
		e.fn(ev)
	}
}

// Pending is the result of an asynchronous session construction.
type Pending struct {
	done    chan struct{}
	session *Session
	err     error
}

// Done is closed when the operation completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until completion or ctx is done. A ctx that ends first does
// not abort the in-flight operation.
func (p *Pending) Wait(ctx context.Context) (*Session, error) {
	select {
	case <-p.done:
		return p.session, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runAsync(ctx context.Context, op func() (*Session, error)) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := ctx.Err(); err != nil {
			p.err = err
			return
		}
		p.session, p.err = op()
	}()
	return p
}

// CreateAsync runs Create on a background goroutine. ctx is checked once
// before the transport is contacted.
func (c *Context) CreateAsync(ctx context.Context, t SessionType, users []*identity.SignedInUser, maxGamers, privateSlots int, props *Properties) *Pending {
	return runAsync(ctx, func() (*Session, error) {
		return c.Create(t, users, maxGamers, privateSlots, props)
	})
}

// JoinAsync runs Join on a background goroutine.
func (c *Context) JoinAsync(ctx context.Context, avail AvailableSession) *Pending {
	return runAsync(ctx, func() (*Session, error) {
		return c.Join(avail)
	})
}

// JoinInvitedAsync runs JoinInvited on a background goroutine.
func (c *Context) JoinInvitedAsync(ctx context.Context, users []*identity.SignedInUser, sessionID string) *Pending {
	return runAsync(ctx, func() (*Session, error) {
		return c.JoinInvited(users, sessionID)
	})
}
