package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/util"
)

type client struct {
	id     string
	userID int64
	token  string
	conn   net.Conn
	send   chan []byte
	// rooms is owned by the hub loop once the client is registered.
	rooms map[int64]struct{}
}

// Handler upgrades GET /ws. The first frame must be connect{token}; anything
// else closes the connection.
func (h *Hub) Handler(authn Authenticator, d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		// The request context ends when this handler returns; sessions outlive it.
		ctx := context.WithoutCancel(r.Context())
		go h.serve(ctx, conn, authn, d)
	})
}

func (h *Hub) serve(ctx context.Context, conn net.Conn, authn Authenticator, d Dispatcher) {
	c, err := h.handshake(ctx, conn, authn, d)
	if err != nil {
		h.logger.Debug("realtime handshake rejected", "error", err)
		h.writeDirect(conn, EventError, errorPayload{Event: EventConnect, Kind: string(apperr.KindOf(err)), Message: "connect rejected"})
		_ = conn.Close()
		return
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	go h.writeLoop(c)
	h.SendToSession(c.id, EventConnect, map[string]any{"session_id": c.id, "user_id": c.userID})
	h.logger.Info("realtime session opened", "session_id", c.id, "user_id", c.userID, "rooms", len(c.rooms))

	h.readLoop(ctx, c, authn, d)
	// Frames queued before this point are still written; the write loop
	// closes the socket once the hub closes c.send.
	h.unregister(c)
	h.logger.Info("realtime session closed", "session_id", c.id, "user_id", c.userID)
}

func (h *Hub) handshake(ctx context.Context, conn net.Conn, authn Authenticator, d Dispatcher) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandlerTimeout))
	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event != EventConnect {
		return nil, apperr.Unauthorized("first frame must be connect")
	}
	var p connectPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Token == "" {
		return nil, apperr.Unauthorized("connect needs a token")
	}

	hctx, cancel := context.WithTimeout(ctx, h.cfg.HandlerTimeout)
	defer cancel()
	userID, err := authn.Authenticate(hctx, p.Token)
	if err != nil {
		return nil, err
	}
	opIDs, err := d.Rooms(hctx, userID)
	if err != nil {
		return nil, err
	}
	c := &client{
		id:     util.NewID("ws"),
		userID: userID,
		token:  p.Token,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		rooms:  make(map[int64]struct{}, len(opIDs)),
	}
	for _, id := range opIDs {
		c.rooms[id] = struct{}{}
	}
	return c, nil
}

func (h *Hub) readLoop(ctx context.Context, c *client, authn Authenticator, d Dispatcher) {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		data, _, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.logger.Info("dropping idle realtime client", "session_id", c.id, "user_id", c.userID)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.SendToSession(c.id, EventError, errorPayload{Kind: string(apperr.KindInvalidInput), Message: "malformed frame"})
			continue
		}
		if frame.Event == EventDisconnect {
			return
		}
		if !h.handle(ctx, c, authn, d, frame) {
			return
		}
	}
}

// handle runs one client event. It reports false when the session must end.
// The event runs on a context detached from the connection so a client that
// hangs up mid-event does not abort a half-applied write.
func (h *Hub) handle(ctx context.Context, c *client, authn Authenticator, d Dispatcher, frame Frame) bool {
	hctx, cancel := context.WithTimeout(ctx, h.cfg.HandlerTimeout)
	defer cancel()

	if _, err := authn.Authenticate(hctx, c.token); err != nil {
		h.SendToSession(c.id, EventError, errorPayload{Event: frame.Event, Kind: string(apperr.KindUnauthorized), Message: "session expired"})
		return false
	}
	err := d.Dispatch(hctx, Session{ID: c.id, UserID: c.userID, Token: c.token}, frame.Event, frame.Payload)
	if err != nil {
		kind := apperr.KindOf(err)
		message := apperr.Message(err)
		if kind == apperr.KindInternal {
			h.logger.Error("realtime event failed", "session_id", c.id, "event", frame.Event, "error", err)
			message = "internal error"
		}
		h.SendToSession(c.id, EventError, errorPayload{Event: frame.Event, Kind: string(kind), Message: message})
	}
	return true
}

func (h *Hub) writeLoop(c *client) {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
			h.logger.Debug("realtime write failed", "session_id", c.id, "error", err)
			break
		}
	}
	// send was closed by the hub or the peer is gone; closing the socket
	// unblocks the read loop.
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	_ = c.conn.Close()
	for range c.send {
	}
}

func (h *Hub) writeDirect(conn net.Conn, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteServerMessage(conn, ws.OpText, frame)
}
