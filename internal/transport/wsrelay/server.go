package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/transport"
	"github.com/cory-johannsen/netsession/internal/transport/loopback"
)

// RoomPublisher receives the relay's complete room list after it changes.
// *directory.Directory implements it.
type RoomPublisher interface {
	PublishRooms(ctx context.Context, rooms []transport.SessionInfo) error
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPublisher publishes the room list through pub after every change and
// at least once per refresh interval.
//
// Precondition: refresh must be > 0.
func WithPublisher(pub RoomPublisher, refresh time.Duration) ServerOption {
	return func(s *Server) {
		s.publisher = pub
		s.refresh = refresh
	}
}

// Server relays transport operations for websocket peers. Every connection
// is one station on a shared loopback network.
type Server struct {
	cfg      config.RelayConfig
	logger   *zap.Logger
	network  *loopback.Network
	upgrader websocket.Upgrader
	router   *chi.Mux

	publisher RoomPublisher
	refresh   time.Duration
	// changed holds at most one pending publish.
	changed chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	peers    map[*peer]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewServer creates a relay server with the given configuration.
//
// Precondition: cfg must be validated; logger must be non-nil.
// Postcondition: Returns a non-nil Server ready to serve.
func NewServer(cfg config.RelayConfig, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		network: loopback.NewNetwork(loopback.WithHostMigration(cfg.HostMigration)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers:   make(map[*peer]struct{}),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/rooms", s.handleRooms)
	r.Delete("/rooms/{id}", s.handleDestroyRoom)
	r.Post("/stations/{station}/kick", s.handleKick)
	r.Get("/connect", s.handleConnect)
	s.router = r
	return s
}

// Handler exposes the relay's HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Network returns the room directory shared by all peers.
func (s *Server) Network() *loopback.Network { return s.network }

// ListenAndServe binds the configured address and serves until Stop.
//
// Postcondition: Returns nil after Stop, or an error if binding or serving failed.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.running = true
	if s.publisher != nil {
		s.wg.Add(1)
		go s.publishLoop()
		s.roomsChanged()
	}
	s.mu.Unlock()

	s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving relay: %w", err)
	}
	return nil
}

// Stop closes the listener, disconnects every peer and waits for their
// goroutines to exit.
//
// Postcondition: All peer stations have left their rooms.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.httpSrv
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("relay shutdown", zap.Error(err))
	}
	for _, p := range peers {
		p.close()
	}
	close(s.done)
	s.wg.Wait()
	if s.publisher != nil {
		s.publish()
	}
	s.logger.Info("relay stopped")
}

// Addr returns the listener's address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the relay is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// roomsChanged schedules a publish without blocking.
func (s *Server) roomsChanged() {
	if s.publisher == nil {
		return
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Server) publishLoop() {
	defer s.wg.Done()
	refresh := time.NewTicker(s.refresh)
	defer refresh.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.changed:
			s.publish()
		case <-refresh.C:
			s.publish()
		}
	}
}

func (s *Server) publish() {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeWait())
	defer cancel()
	rooms := s.network.Rooms()
	if err := s.publisher.PublishRooms(ctx, rooms); err != nil {
		s.logger.Warn("publishing rooms", zap.Int("rooms", len(rooms)), zap.Error(err))
	}
}

func (s *Server) writeWait() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

type roomView struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	MaxMembers int    `json:"max_members"`
	NumMembers int    `json:"num_members"`
	GameMode   int    `json:"game_mode"`
	AppData    string `json:"app_data,omitempty"`
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.network.Rooms()
	out := make([]roomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomView{
			ID:         r.ID,
			Owner:      r.Owner,
			MaxMembers: r.MaxMembers,
			NumMembers: r.NumMembers,
			GameMode:   r.GameMode,
			AppData:    r.AppData,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("encoding room list", zap.Error(err))
	}
}

func (s *Server) handleDestroyRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.network.DestroyRoom(id) {
		http.Error(w, "no such room", http.StatusNotFound)
		return
	}
	s.roomsChanged()
	s.logger.Info("room destroyed by operator", zap.String("room", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "station")
	n, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		http.Error(w, "bad station", http.StatusBadRequest)
		return
	}
	st := transport.StationID(n)
	if !s.network.Kick(st) {
		http.Error(w, "station not in a room", http.StatusNotFound)
		return
	}
	s.roomsChanged()
	s.logger.Info("station kicked by operator", zap.Stringer("station", st))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	ep := s.network.NewEndpoint()
	p := &peer{
		srv:    s,
		conn:   conn,
		ep:     ep,
		logger: s.logger.With(zap.Stringer("station", ep.LocalStation()), zap.String("remote_addr", r.RemoteAddr)),
		out:    make(chan Frame, 64),
		quit:   make(chan struct{}),
	}
	p.out <- Frame{Type: FrameWelcome, LocalStation: ep.LocalStation()}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	p.logger.Info("peer connected")
	s.wg.Add(2)
	go p.writePump()
	go p.readPump()
}

// peer is one websocket connection bound to one station.
type peer struct {
	srv    *Server
	conn   *websocket.Conn
	ep     *loopback.Endpoint
	logger *zap.Logger

	// out carries responses; events and packets are pulled from ep directly.
	out       chan Frame
	quit      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.ep.Close()
		_ = p.conn.Close()

		p.srv.mu.Lock()
		delete(p.srv.peers, p)
		p.srv.mu.Unlock()
		p.srv.roomsChanged()
		p.logger.Info("peer disconnected")
	})
}

func (p *peer) extendRead() error {
	if p.srv.cfg.ReadTimeout <= 0 {
		return nil
	}
	return p.conn.SetReadDeadline(time.Now().Add(p.srv.cfg.ReadTimeout))
}

func (p *peer) readPump() {
	defer p.srv.wg.Done()
	defer p.close()

	p.conn.SetReadLimit(p.srv.cfg.MaxMessageBytes)
	if err := p.extendRead(); err != nil {
		p.logger.Warn("setting read deadline", zap.Error(err))
		return
	}
	p.conn.SetPongHandler(func(string) error { return p.extendRead() })

	for {
		mt, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Info("peer read failed", zap.Error(err))
			}
			return
		}
		if err := p.extendRead(); err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := Unmarshal(msg)
		if err != nil {
			p.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case FramePacket:
			if code := p.ep.SendData(p.ep.LocalStation(), f.To, f.Data); code != transport.ResultOK {
				p.logger.Debug("packet not delivered", zap.Stringer("to", f.To), zap.Int("code", code))
			}
		case FrameRequest:
			resp := p.execute(f)
			select {
			case p.out <- resp:
			case <-p.quit:
				return
			}
		default:
			p.logger.Warn("unexpected frame from peer", zap.Int("type", int(f.Type)))
		}
	}
}

// execute runs one request against the peer's station.
//
// Postcondition: The response carries the station's current session, host
// and local station as of the end of the operation.
func (p *peer) execute(req Frame) Frame {
	ep := p.ep
	resp := Frame{Type: FrameResponse, RequestID: req.RequestID, Op: req.Op}
	switch req.Op {
	case OpStart:
		resp.Result = ep.Start(req.User, req.Mode)
	case OpStop:
		ep.Stop()
	case OpSearch:
		resp.Sessions, resp.Result = ep.Search(req.GameMode, req.User, req.Filter)
	case OpHost:
		resp.Result = ep.Host(req.GameMode, req.User, req.MaxSlots, req.AppData)
	case OpJoin, OpJoinByID:
		resp.Result = ep.JoinByID(req.User, req.SessionID)
	case OpLeave:
		resp.Result = ep.LeaveSession()
	case OpCurrent:
	case OpLock:
		resp.Result = ep.SessionLocked(req.Locked)
	case OpUpdateProperties:
		resp.Result = ep.UpdateSessionProperties(req.AppData)
	default:
		resp.Result = transport.ResultUnavailable
	}
	if req.Op != OpSearch {
		if info, ok := ep.CurrentSession(); ok {
			resp.Sessions = []transport.SessionInfo{info}
		}
	}
	resp.HostStation = ep.HostStation()
	resp.LocalStation = ep.LocalStation()
	switch req.Op {
	case OpStop, OpHost, OpJoin, OpJoinByID, OpLeave, OpLock, OpUpdateProperties:
		p.srv.roomsChanged()
	}
	p.logger.Debug("request",
		zap.Stringer("op", req.Op),
		zap.Uint64("request_id", req.RequestID),
		zap.Int("result", resp.Result),
	)
	return resp
}

func (p *peer) writePump() {
	defer p.srv.wg.Done()
	defer p.close()

	ping := time.NewTicker(p.srv.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-p.quit:
			return
		case f := <-p.out:
			// Queued events were produced before the response; send them first.
			if err := p.flushQueued(); err != nil {
				return
			}
			if err := p.write(f); err != nil {
				return
			}
		case <-p.ep.Notify():
			if err := p.flushQueued(); err != nil {
				return
			}
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeWait())); err != nil {
				p.logger.Info("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *peer) flushQueued() error {
	for {
		ev, ok := p.ep.PollEvent()
		if !ok {
			break
		}
		err := p.write(Frame{
			Type:        FrameEvent,
			EventKind:   ev.Kind,
			Station:     ev.Station,
			Result:      ev.Result,
			Name:        p.ep.PlayerName(ev.Station),
			HostStation: p.ep.HostStation(),
		})
		if err != nil {
			return err
		}
	}
	for {
		pkt, ok := p.ep.PollPacket()
		if !ok {
			return nil
		}
		if err := p.write(Frame{Type: FramePacket, From: pkt.From, To: pkt.To, Data: pkt.Data}); err != nil {
			return err
		}
	}
}

func (p *peer) writeWait() time.Duration { return p.srv.writeWait() }

func (p *peer) write(f Frame) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeWait())); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, f.Marshal()); err != nil {
		p.logger.Info("peer write failed", zap.Error(err))
		return err
	}
	return nil
}
