// Package realtime pushes operation events to connected websocket sessions.
//
// One goroutine owns the session table and the rooms. Everything else talks
// to it through channels, so delivery order per room is the order in which
// events were handed to the hub.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"mscolab/api/internal/util"
)

// Authenticator resolves a bearer token to a principal id. It is consulted
// on connect and again before every client event.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (int64, error)
}

// Dispatcher implements the client events. It must not touch sockets; it
// reports results through the Hub and returns errors to be sent back to the
// originating session.
type Dispatcher interface {
	Rooms(ctx context.Context, userID int64) ([]int64, error)
	Dispatch(ctx context.Context, s Session, event string, payload json.RawMessage) error
}

// Session is the dispatcher's read-only view of a connection.
type Session struct {
	ID     string
	UserID int64
	Token  string
}

type Config struct {
	IdleTimeout    time.Duration
	SendBuffer     int
	HandlerTimeout time.Duration
	WriteTimeout   time.Duration
}

type target int

const (
	toRoom target = iota
	toUser
	toSession
)

type delivery struct {
	target target
	room   int64
	user   int64
	sessID string
	frame  []byte
	member *membership
	leave  *client
}

type membership struct {
	user     int64
	room     int64
	join     bool
	dissolve bool
	notice   []byte
	done     chan struct{}
}

type Stats struct {
	Sessions int
	Rooms    int
}

type Hub struct {
	cfg    Config
	logger *slog.Logger
	seq    *util.KeyedMutex[int64]

	registerCh chan *client
	deliverCh  chan delivery
	statsCh    chan chan Stats

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		seq:        util.NewKeyedMutex[int64](),
		registerCh: make(chan *client),
		deliverCh:  make(chan delivery, 256),
		statsCh:    make(chan chan Stats),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	sessions := make(map[string]*client)
	byUser := make(map[int64]map[*client]struct{})
	rooms := make(map[int64]map[*client]struct{})

	drop := func(c *client) {
		if _, ok := sessions[c.id]; !ok {
			return
		}
		delete(sessions, c.id)
		if set := byUser[c.userID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(byUser, c.userID)
			}
		}
		for room := range c.rooms {
			if set := rooms[room]; set != nil {
				delete(set, c)
				if len(set) == 0 {
					delete(rooms, room)
				}
			}
		}
		close(c.send)
	}

	send := func(c *client, frame []byte) {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping slow realtime client", "session_id", c.id, "user_id", c.userID)
			drop(c)
		}
	}

	for {
		select {
		case <-h.stopCh:
			for _, c := range sessions {
				close(c.send)
			}
			return

		case c := <-h.registerCh:
			sessions[c.id] = c
			if byUser[c.userID] == nil {
				byUser[c.userID] = make(map[*client]struct{})
			}
			byUser[c.userID][c] = struct{}{}
			for room := range c.rooms {
				if rooms[room] == nil {
					rooms[room] = make(map[*client]struct{})
				}
				rooms[room][c] = struct{}{}
			}

		case d := <-h.deliverCh:
			if d.leave != nil {
				drop(d.leave)
				continue
			}
			if m := d.member; m != nil && m.dissolve {
				for c := range rooms[m.room] {
					delete(c.rooms, m.room)
					if m.notice != nil {
						send(c, m.notice)
					}
				}
				delete(rooms, m.room)
				close(m.done)
				continue
			}
			if m := d.member; m != nil {
				for c := range byUser[m.user] {
					if m.join {
						c.rooms[m.room] = struct{}{}
						if rooms[m.room] == nil {
							rooms[m.room] = make(map[*client]struct{})
						}
						rooms[m.room][c] = struct{}{}
					} else {
						delete(c.rooms, m.room)
						if set := rooms[m.room]; set != nil {
							delete(set, c)
							if len(set) == 0 {
								delete(rooms, m.room)
							}
						}
					}
					if m.notice != nil {
						send(c, m.notice)
					}
				}
				close(m.done)
				continue
			}
			switch d.target {
			case toRoom:
				for c := range rooms[d.room] {
					send(c, d.frame)
				}
			case toUser:
				for c := range byUser[d.user] {
					send(c, d.frame)
				}
			case toSession:
				if c, ok := sessions[d.sessID]; ok {
					send(c, d.frame)
				}
			}

		case resp := <-h.statsCh:
			resp <- Stats{Sessions: len(sessions), Rooms: len(rooms)}
		}
	}
}

// Close stops the hub loop and disconnects every session.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Sequence runs fn while holding the sequencer of opID. Broadcasts issued by
// fn reach every subscriber of the room in the order fn calls them, and
// before those of the next fn on the same operation.
func (h *Hub) Sequence(opID int64, fn func() error) error {
	unlock := h.seq.Lock(opID)
	defer unlock()
	return fn()
}

// Broadcast sends an event to every session joined to the room of opID.
func (h *Hub) Broadcast(opID int64, event string, payload any) {
	h.deliver(delivery{target: toRoom, room: opID}, event, payload)
}

// SendToUser sends an event to every session of a principal.
func (h *Hub) SendToUser(userID int64, event string, payload any) {
	h.deliver(delivery{target: toUser, user: userID}, event, payload)
}

// SendToSession sends an event to one session only.
func (h *Hub) SendToSession(sessionID, event string, payload any) {
	h.deliver(delivery{target: toSession, sessID: sessionID}, event, payload)
}

func (h *Hub) deliver(d delivery, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode realtime event", "event", event, "error", err)
		return
	}
	d.frame = frame
	if h.closed.Load() {
		return
	}
	select {
	case h.deliverCh <- d:
	case <-h.stopped:
	}
}

// Join subscribes every session of userID to the room of opID.
func (h *Hub) Join(userID, opID int64) {
	h.member(membership{user: userID, room: opID, join: true})
}

// Revoke removes every session of userID from the room of opID and tells
// them so.
func (h *Hub) Revoke(userID, opID int64) {
	frame, err := encode(EventRevokeAccess, map[string]int64{"op_id": opID})
	if err != nil {
		h.logger.Error("encode realtime event", "event", EventRevokeAccess, "error", err)
	}
	h.member(membership{user: userID, room: opID, notice: frame})
}

// Dissolve sends a final event to the room of opID and then empties it.
func (h *Hub) Dissolve(opID int64, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode realtime event", "event", event, "error", err)
	}
	h.member(membership{room: opID, dissolve: true, notice: frame})
}

// member shares the delivery queue so membership changes and events keep
// their relative order. It waits until the loop applied the change.
func (h *Hub) member(m membership) {
	if h.closed.Load() {
		return
	}
	m.done = make(chan struct{})
	select {
	case h.deliverCh <- delivery{member: &m}:
	case <-h.stopped:
		return
	}
	select {
	case <-m.done:
	case <-h.stopped:
	}
}

func (h *Hub) Stats() Stats {
	if h.closed.Load() {
		return Stats{}
	}
	resp := make(chan Stats, 1)
	select {
	case h.statsCh <- resp:
	case <-h.stopped:
		return Stats{}
	}
	select {
	case s := <-resp:
		return s
	case <-h.stopped:
		return Stats{}
	}
}

func (h *Hub) register(c *client) bool {
	if h.closed.Load() {
		return false
	}
	select {
	case h.registerCh <- c:
		return true
	case <-h.stopped:
		return false
	}
}

// unregister shares the delivery queue so frames already queued for c are
// handed to its write loop first.
func (h *Hub) unregister(c *client) {
	if h.closed.Load() {
		return
	}
	select {
	case h.deliverCh <- delivery{leave: c}:
	case <-h.stopped:
	}
}
