package wsrelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// Client is a transport.Transport backed by a relay connection. Requests
// block for their response; events and packets arrive on a background
// reader and are queued for polling.
type Client struct {
	conn           *websocket.Conn
	logger         *zap.Logger
	requestTimeout time.Duration
	local          transport.StationID

	writeMu sync.Mutex
	nextID  atomic.Uint64
	online  atomic.Bool

	mu      sync.Mutex
	pending map[uint64]chan Frame
	names   map[transport.StationID]string
	host    transport.StationID
	current *transport.SessionInfo
	closed  bool

	events  transport.SyncQueue[transport.ConnectionEvent]
	packets transport.SyncQueue[transport.Packet]

	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to the relay at cfg.RelayURL and waits for its welcome.
//
// Precondition: cfg.DialTimeout and cfg.RequestTimeout must be > 0.
// Postcondition: Returns an online Client with its station assigned, or an error.
func Dial(ctx context.Context, cfg config.ClientConfig, logger *zap.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", cfg.RelayURL, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.DialTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting welcome deadline: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading relay welcome: %w", err)
	}
	welcome, err := Unmarshal(msg)
	if err != nil || welcome.Type != FrameWelcome || welcome.LocalStation == transport.InvalidStation {
		_ = conn.Close()
		return nil, fmt.Errorf("relay sent no welcome: %w", ErrMalformedFrame)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clearing read deadline: %w", err)
	}

	c := &Client{
		conn:           conn,
		logger:         logger.With(zap.Stringer("station", welcome.LocalStation)),
		requestTimeout: cfg.RequestTimeout,
		local:          welcome.LocalStation,
		pending:        make(map[uint64]chan Frame),
		names:          make(map[transport.StationID]string),
		done:           make(chan struct{}),
	}
	c.online.Store(true)
	go c.readLoop()
	c.logger.Info("connected to relay", zap.String("url", cfg.RelayURL))
	return c, nil
}

// Close disconnects from the relay and waits for the reader to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// Done is closed once the relay connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer c.disconnected()
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := Unmarshal(msg)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case FrameResponse:
			c.onResponse(f)
		case FrameEvent:
			c.onEvent(f)
		case FramePacket:
			c.packets.Enqueue(transport.Packet{From: f.From, To: f.To, Data: f.Data})
		default:
			c.logger.Warn("unexpected frame from relay", zap.Int("type", int(f.Type)))
		}
	}
}

// disconnected marks the client offline. A session in progress is reported
// as destroyed so the engine ends it.
func (c *Client) disconnected() {
	c.online.Store(false)

	c.mu.Lock()
	c.closed = true
	inRoom := c.current != nil
	c.current = nil
	c.host = transport.InvalidStation
	c.mu.Unlock()

	if inRoom {
		c.events.Enqueue(transport.ConnectionEvent{Station: c.local, Kind: transport.EventRoomDestroyed})
	}
	close(c.done)
	c.logger.Info("disconnected from relay")
}

func (c *Client) onResponse(f Frame) {
	c.mu.Lock()
	if f.Op != OpSearch {
		c.host = f.HostStation
		if len(f.Sessions) > 0 {
			info := f.Sessions[0]
			c.current = &info
		} else {
			c.current = nil
		}
	}
	ch, ok := c.pending[f.RequestID]
	delete(c.pending, f.RequestID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for abandoned request", zap.Uint64("request_id", f.RequestID))
		return
	}
	ch <- f
}

func (c *Client) onEvent(f Frame) {
	c.mu.Lock()
	if f.Name != "" {
		c.names[f.Station] = f.Name
	}
	c.host = f.HostStation
	switch f.EventKind {
	case transport.EventRoomDestroyed:
		c.current = nil
	case transport.EventKicked:
		if f.Station == c.local {
			c.current = nil
		}
	}
	c.mu.Unlock()

	c.events.Enqueue(transport.ConnectionEvent{Station: f.Station, Kind: f.EventKind, Result: f.Result})
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.requestTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
}

// call sends req and waits for its response. Any failure to reach the relay
// is reported as ResultUnavailable.
func (c *Client) call(req Frame) Frame {
	req.Type = FrameRequest
	req.RequestID = c.nextID.Add(1)
	unavailable := Frame{Type: FrameResponse, Op: req.Op, Result: transport.ResultUnavailable}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return unavailable
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}

	if err := c.write(req); err != nil {
		abandon()
		c.logger.Warn("relay request failed", zap.Stringer("op", req.Op), zap.Error(err))
		return unavailable
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		abandon()
		c.logger.Warn("relay request timed out", zap.Stringer("op", req.Op), zap.Duration("timeout", c.requestTimeout))
		return unavailable
	case <-c.done:
		abandon()
		return unavailable
	}
}

// Start registers user with the relay.
func (c *Client) Start(user transport.User, mode transport.Mode) int {
	return c.call(Frame{Op: OpStart, User: user, Mode: mode}).Result
}

// Stop leaves any session and unregisters from the relay.
func (c *Client) Stop() {
	c.call(Frame{Op: OpStop})
}

// Search lists joinable sessions of gameMode matching filter.
func (c *Client) Search(gameMode int, user transport.User, filter map[string]int) ([]transport.SessionInfo, int) {
	resp := c.call(Frame{Op: OpSearch, GameMode: gameMode, User: user, Filter: filter})
	return resp.Sessions, resp.Result
}

// Host opens a session owned by this station.
func (c *Client) Host(gameMode int, user transport.User, maxSlots int, appData string) int {
	return c.call(Frame{Op: OpHost, GameMode: gameMode, User: user, MaxSlots: maxSlots, AppData: appData}).Result
}

// Join enters the session described by info.
func (c *Client) Join(user transport.User, info transport.SessionInfo) int {
	return c.call(Frame{Op: OpJoin, User: user, SessionID: info.ID}).Result
}

// JoinByID enters the session with the given id.
func (c *Client) JoinByID(user transport.User, sessionID string) int {
	return c.call(Frame{Op: OpJoinByID, User: user, SessionID: sessionID}).Result
}

// LeaveSession exits the current session.
func (c *Client) LeaveSession() int {
	return c.call(Frame{Op: OpLeave}).Result
}

// CurrentSession returns the session as of the last response from the relay.
func (c *Client) CurrentSession() (transport.SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return transport.SessionInfo{}, false
	}
	return *c.current, true
}

// Refresh asks the relay for the current session's latest description.
func (c *Client) Refresh() int {
	return c.call(Frame{Op: OpCurrent}).Result
}

// SessionLocked locks or unlocks the current session.
func (c *Client) SessionLocked(locked bool) int {
	return c.call(Frame{Op: OpLock, Locked: locked}).Result
}

// UpdateSessionProperties replaces the current session's application data.
func (c *Client) UpdateSessionProperties(appData string) int {
	return c.call(Frame{Op: OpUpdateProperties, AppData: appData}).Result
}

// SendData forwards data to the relay without waiting for delivery.
func (c *Client) SendData(from, to transport.StationID, data []byte) int {
	if from != c.local {
		return transport.ResultUnknownStation
	}
	if !c.online.Load() {
		return transport.ResultUnavailable
	}
	if err := c.write(Frame{Type: FramePacket, From: from, To: to, Data: data}); err != nil {
		c.logger.Warn("sending packet", zap.Stringer("to", to), zap.Error(err))
		return transport.ResultUnavailable
	}
	return transport.ResultOK
}

// PollEvent dequeues the next connection event without blocking.
func (c *Client) PollEvent() (transport.ConnectionEvent, bool) {
	return c.events.TryDequeue()
}

// PollPacket dequeues the next inbound packet without blocking.
func (c *Client) PollPacket() (transport.Packet, bool) {
	return c.packets.TryDequeue()
}

// HostStation returns the owner of the current session.
func (c *Client) HostStation() transport.StationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return transport.InvalidStation
	}
	return c.host
}

// LocalStation returns the station the relay assigned to this client.
func (c *Client) LocalStation() transport.StationID { return c.local }

// PlayerName returns the last name the relay reported for station.
func (c *Client) PlayerName(station transport.StationID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[station]
}

// Online reports whether the relay connection is up.
func (c *Client) Online() bool { return c.online.Load() }
