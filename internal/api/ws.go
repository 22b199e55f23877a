package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/relayguard/relayguard/internal/audit"
)

// channelMessage is one frame on the session command channel.
type channelMessage struct {
	Type    string `json:"type"` // "command", "ping"
	Command string `json:"command,omitempty"`
}

// channelReply answers a channelMessage.
type channelReply struct {
	Type          string `json:"type"` // "decision", "pong", "error"
	Allowed       bool   `json:"allowed,omitempty"`
	Shell         string `json:"shell,omitempty"`
	Description   string `json:"description,omitempty"`
	RequiresAdmin bool   `json:"requires_admin,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// channelConn tracks one active WebSocket connection.
type channelConn struct {
	conn      *websocket.Conn
	sessionID string
}

// channelRegistry tracks active session channels so ending a session (or
// shutting down) tears its connections down.
type channelRegistry struct {
	mu     sync.Mutex
	conns  map[string]*channelConn // keyed by connection id
	logger *slog.Logger
}

func newChannelRegistry(logger *slog.Logger) *channelRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &channelRegistry{
		conns:  make(map[string]*channelConn),
		logger: logger.With("component", "channel"),
	}
}

func (r *channelRegistry) add(sessionID string, conn *websocket.Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New().String()
	r.conns[id] = &channelConn{conn: conn, sessionID: sessionID}
	return id
}

func (r *channelRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// closeSession closes every connection attached to the session.
func (r *channelRegistry) closeSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cc := range r.conns {
		if cc.sessionID == sessionID {
			cc.conn.Close(websocket.StatusNormalClosure, "session ended")
			delete(r.conns, id)
		}
	}
}

func (r *channelRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cc := range r.conns {
		cc.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(r.conns, id)
	}
}

// handleChannel upgrades an authenticated request to the session command
// channel. Each command frame is run through the command guard; only the
// decision is returned, execution stays with the embedding agent.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	connID := s.channels.add(claims.SessionID, conn)
	defer func() {
		s.channels.remove(connID)
		conn.Close(websocket.StatusInternalError, "closed")
	}()

	s.recordActivity(claims.SessionID, "channel attached")
	s.emit(r.Context(), audit.CategorySession, "channel_attached", claims.ClientID, map[string]string{
		"session_id": claims.SessionID,
	})

	ctx := r.Context()
	for {
		// The session may have expired or ended since the last frame.
		if _, err := s.store.LiveSession(claims.SessionID); err != nil {
			conn.Close(websocket.StatusNormalClosure, "session no longer active")
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		var msg channelMessage
		err := wsjson.Read(readCtx, conn, &msg)
		cancel()
		if err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			if err := wsjson.Write(ctx, conn, channelReply{Type: "pong"}); err != nil {
				return
			}
		case "command":
			d := s.commands.IsAllowed(msg.Command, s.tier)
			action := "command_denied"
			if d.Allowed {
				action = "command_allowed"
			}
			details := map[string]string{"input": msg.Command, "tier": s.tier.String()}
			if !d.Allowed {
				details["reason"] = d.Reason
			}
			s.emit(ctx, audit.CategoryCommand, action, claims.ClientID, details)
			s.recordActivity(claims.SessionID, action)
			reply := channelReply{
				Type:          "decision",
				Allowed:       d.Allowed,
				Shell:         d.Shell,
				Description:   d.Description,
				RequiresAdmin: d.RequiresAdmin,
				Reason:        d.Reason,
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		default:
			if err := wsjson.Write(ctx, conn, channelReply{Type: "error", Reason: "unknown message type"}); err != nil {
				return
			}
		}
	}
}
