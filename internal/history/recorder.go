// Package history records session lifecycles to a persistent store without
// blocking the session's update goroutine.
package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/netsession"
	"github.com/cory-johannsen/netsession/internal/storage/postgres"
)

// Store is the persistence the Recorder writes to.
// *postgres.SessionHistoryRepository implements it.
type Store interface {
	OpenSession(ctx context.Context, rec postgres.SessionRecord) (int64, error)
	CloseSession(ctx context.Context, ref int64, reason string, at time.Time) error
	SetHost(ctx context.Context, ref int64, isHost bool) error
	RecordJoin(ctx context.Context, ref int64, p postgres.Participant) error
	RecordLeave(ctx context.Context, ref int64, gamertag string, at time.Time) error
	RecordEvent(ctx context.Context, ref int64, ev postgres.SessionEvent) error
}

var _ Store = (*postgres.SessionHistoryRepository)(nil)

type entryKind int

const (
	entryOpen entryKind = iota
	entryJoin
	entryLeave
	entryEvent
	entryHost
	entryClose
)

// entry is one write queued for the background writer. key identifies the
// attached session until its store reference is known.
type entry struct {
	key         uint64
	kind        entryKind
	at          time.Time
	session     postgres.SessionRecord
	participant postgres.Participant
	event       postgres.SessionEvent
	isHost      bool
	reason      string
}

// Recorder observes sessions and writes their lifecycle to a Store on a
// background goroutine.
//
// Invariant: callbacks from the session goroutine never block; when the
// buffer is full the entry is dropped and counted.
type Recorder struct {
	store        Store
	logger       *zap.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	entries chan entry

	nextKey atomic.Uint64
	dropped atomic.Uint64
	written atomic.Uint64
	done    chan struct{}
}

// NewRecorder starts a recorder with room for buffer pending writes.
//
// Precondition: store and logger must be non-nil; buffer must be >= 1.
// Postcondition: The background writer runs until Close.
func NewRecorder(store Store, buffer int, logger *zap.Logger) *Recorder {
	if buffer < 1 {
		panic("history.NewRecorder: buffer must be >= 1")
	}
	r := &Recorder{
		store:        store,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		entries:      make(chan entry, buffer),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Attach records s from now on: the session row is opened, gamers already
// present are recorded as joined, and every later lifecycle event follows.
//
// Precondition: called on s's update goroutine.
// Postcondition: the returned function stops recording s.
func (r *Recorder) Attach(s *netsession.Session) func() {
	key := r.nextKey.Add(1)
	r.enqueue(entry{
		key:  key,
		kind: entryOpen,
		session: postgres.SessionRecord{
			SessionID:    s.ID(),
			LocalStation: s.LocalStation().String(),
			SessionType:  s.SessionType().String(),
			IsHost:       s.IsHost(),
			MaxGamers:    s.MaxGamers(),
		},
	})
	return s.Observe(&sessionObserver{rec: r, key: key})
}

// Dropped returns the number of entries discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of entries the store accepted.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(e entry) {
	if e.at.IsZero() {
		e.at = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- e:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("history buffer full, entry dropped", zap.Int("kind", int(e.kind)), zap.Uint64("dropped", n))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	refs := make(map[uint64]int64)
	for e := range r.entries {
		if err := r.write(refs, e); err != nil {
			r.logger.Warn("history write failed", zap.Int("kind", int(e.kind)), zap.Error(err))
			continue
		}
		r.written.Add(1)
	}
}

func (r *Recorder) write(refs map[uint64]int64, e entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if e.kind == entryOpen {
		e.session.OpenedAt = e.at
		ref, err := r.store.OpenSession(ctx, e.session)
		if err != nil {
			return err
		}
		refs[e.key] = ref
		return nil
	}

	ref, ok := refs[e.key]
	if !ok {
		// The open failed; nothing to attach later entries to.
		return nil
	}
	switch e.kind {
	case entryJoin:
		e.participant.JoinedAt = e.at
		return r.store.RecordJoin(ctx, ref, e.participant)
	case entryLeave:
		return r.store.RecordLeave(ctx, ref, e.participant.Gamertag, e.at)
	case entryEvent:
		e.event.OccurredAt = e.at
		return r.store.RecordEvent(ctx, ref, e.event)
	case entryHost:
		return r.store.SetHost(ctx, ref, e.isHost)
	case entryClose:
		delete(refs, e.key)
		return r.store.CloseSession(ctx, ref, e.reason, e.at)
	}
	return nil
}

// sessionObserver translates one session's callbacks into entries.
type sessionObserver struct {
	rec *Recorder
	key uint64
}

var _ netsession.Observer = (*sessionObserver)(nil)

func (o *sessionObserver) GamerJoined(g *netsession.Gamer) {
	o.rec.enqueue(entry{key: o.key, kind: entryJoin, participant: postgres.Participant{
		Gamertag: g.Gamertag(),
		Station:  g.Station().String(),
		IsLocal:  g.IsLocal(),
	}})
}

func (o *sessionObserver) GamerLeft(g *netsession.Gamer) {
	o.rec.enqueue(entry{key: o.key, kind: entryLeave, participant: postgres.Participant{Gamertag: g.Gamertag()}})
}

func (o *sessionObserver) GameStarted() {
	o.rec.enqueue(entry{key: o.key, kind: entryEvent, event: postgres.SessionEvent{Kind: "GameStarted"}})
}

func (o *sessionObserver) GameEnded() {
	o.rec.enqueue(entry{key: o.key, kind: entryEvent, event: postgres.SessionEvent{Kind: "GameEnded"}})
}

func (o *sessionObserver) HostChanged(_, newHost *netsession.Gamer) {
	detail := ""
	isHost := false
	if newHost != nil {
		detail = newHost.Gamertag()
		isHost = newHost.IsLocal()
	}
	o.rec.enqueue(entry{key: o.key, kind: entryEvent, event: postgres.SessionEvent{Kind: "HostChanged", Detail: detail}})
	o.rec.enqueue(entry{key: o.key, kind: entryHost, isHost: isHost})
}

func (o *sessionObserver) SessionEnded(reason netsession.EndReason) {
	o.rec.enqueue(entry{key: o.key, kind: entryEvent, event: postgres.SessionEvent{Kind: "SessionEnded", Detail: reason.String()}})
	o.rec.enqueue(entry{key: o.key, kind: entryClose, reason: reason.String()})
}
