package netsession

// Observer receives every session lifecycle event. Embed BaseObserver to
// implement only the callbacks of interest.
type Observer interface {
	GamerJoined(g *Gamer)
	GamerLeft(g *Gamer)
	GameStarted()
	GameEnded()
	HostChanged(oldHost, newHost *Gamer)
	SessionEnded(reason EndReason)
}

// BaseObserver implements Observer with no-ops.
type BaseObserver struct{}

func (BaseObserver) GamerJoined(*Gamer)      {}
func (BaseObserver) GamerLeft(*Gamer)        {}
func (BaseObserver) GameStarted()            {}
func (BaseObserver) GameEnded()              {}
func (BaseObserver) HostChanged(_, _ *Gamer) {}
func (BaseObserver) SessionEnded(EndReason)  {}

// handlers is an ordered subscriber list. Handlers run on the update
// goroutine in subscription order.
type handlers[F any] struct {
	next    int
	entries []handlerEntry[F]
}

type handlerEntry[F any] struct {
	id int
	fn F
}

func (h *handlers[F]) add(fn F) func() {
	h.next++
	id := h.next
	h.entries = append(h.entries, handlerEntry[F]{id: id, fn: fn})
	return func() {
		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

// each calls fire for a snapshot of the current handlers so a handler may
// unsubscribe itself.
func (h *handlers[F]) each(fire func(F)) {
	snapshot := append([]handlerEntry[F](nil), h.entries...)
	for _, e := range snapshot {
		fire(e.fn)
	}
}

type eventHub struct {
	joined      handlers[func(*Gamer)]
	left        handlers[func(*Gamer)]
	started     handlers[func()]
	ended       handlers[func()]
	hostChanged handlers[func(oldHost, newHost *Gamer)]
	sessEnded   handlers[func(EndReason)]
}

// OnGamerJoined subscribes fn and immediately calls it for every gamer
// already in the session.
//
// Postcondition: the returned func unsubscribes fn.
func (s *Session) OnGamerJoined(fn func(*Gamer)) func() {
	unsubscribe := s.events.joined.add(fn)
	for _, g := range append([]*Gamer(nil), s.reg.all...) {
		fn(g)
	}
	return unsubscribe
}

// OnGamerLeft subscribes fn to gamer departures.
func (s *Session) OnGamerLeft(fn func(*Gamer)) func() {
	return s.events.left.add(fn)
}

// OnGameStarted subscribes fn to Lobby to Playing transitions.
func (s *Session) OnGameStarted(fn func()) func() {
	return s.events.started.add(fn)
}

// OnGameEnded subscribes fn to Playing to Lobby transitions.
func (s *Session) OnGameEnded(fn func()) func() {
	return s.events.ended.add(fn)
}

// OnHostChanged subscribes fn to host migration. Either gamer may be nil
// when it is not known to this machine.
func (s *Session) OnHostChanged(fn func(oldHost, newHost *Gamer)) func() {
	return s.events.hostChanged.add(fn)
}

// OnSessionEnded subscribes fn to the terminal transition.
func (s *Session) OnSessionEnded(fn func(EndReason)) func() {
	return s.events.sessEnded.add(fn)
}

// Observe subscribes every callback of o, replaying GamerJoined for the
// gamers already present.
func (s *Session) Observe(o Observer) func() {
	unsubs := []func(){
		s.OnGamerJoined(o.GamerJoined),
		s.OnGamerLeft(o.GamerLeft),
		s.OnGameStarted(o.GameStarted),
		s.OnGameEnded(o.GameEnded),
		s.OnHostChanged(o.HostChanged),
		s.OnSessionEnded(o.SessionEnded),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Session) fireGamerJoined(g *Gamer) {
	s.events.joined.each(func(fn func(*Gamer)) { fn(g) })
}

func (s *Session) fireGamerLeft(g *Gamer) {
	s.events.left.each(func(fn func(*Gamer)) { fn(g) })
}

func (s *Session) fireGameStarted() {
	s.events.started.each(func(fn func()) { fn() })
}

func (s *Session) fireGameEnded() {
	s.events.ended.each(func(fn func()) { fn() })
}

func (s *Session) fireHostChanged(oldHost, newHost *Gamer) {
	s.events.hostChanged.each(func(fn func(*Gamer, *Gamer)) { fn(oldHost, newHost) })
}

func (s *Session) fireSessionEnded(r EndReason) {
	s.events.sessEnded.each(func(fn func(EndReason)) { fn(r) })
}
