package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/relayguard/relayguard/internal/audit"
	"github.com/relayguard/relayguard/internal/guard"
	"github.com/relayguard/relayguard/internal/pairing"
)

type createSessionRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateSession is called when the machine owner requests support. The
// returned code is displayed once and communicated out-of-band.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sess, err := s.store.CreateSession(req.Metadata)
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	s.emit(r.Context(), audit.CategoryPairing, "session_created", clientID(r), map[string]string{
		"session_id": sess.ID,
	})
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Code:      sess.Code,
		ExpiresAt: sess.ExpiresAt,
	})
}

type validateRequest struct {
	Code string `json:"code"`
}

type validateResponse struct {
	Valid             bool      `json:"valid"`
	SessionID         string    `json:"session_id,omitempty"`
	Token             string    `json:"token,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	LockedOut         bool      `json:"locked_out,omitempty"`
	LockoutRemaining  string    `json:"lockout_remaining,omitempty"`
	AttemptsRemaining int       `json:"attempts_remaining,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// handleValidateCode admits a remote operator. On success it mints the
// channel token that every subsequent request must carry.
func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	client := clientID(r)
	res := s.store.ValidateCode(req.Code, client)

	switch {
	case res.LockedOut:
		s.emit(r.Context(), audit.CategoryPairing, "validate_locked_out", client, map[string]string{
			"lockout_remaining": res.LockoutRemaining.Round(time.Second).String(),
		})
		writeJSON(w, http.StatusTooManyRequests, validateResponse{
			LockedOut:        true,
			LockoutRemaining: res.LockoutRemaining.Round(time.Second).String(),
			Reason:           res.Reason,
		})
	case !res.Valid:
		s.emit(r.Context(), audit.CategoryPairing, "validate_failed", client, map[string]string{
			"attempts_remaining": strconv.Itoa(res.AttemptsRemaining),
		})
		writeJSON(w, http.StatusUnauthorized, validateResponse{
			AttemptsRemaining: res.AttemptsRemaining,
			Reason:            res.Reason,
		})
	default:
		token, err := s.tokens.Issue(res.SessionID, client, res.Session.AbsoluteMaxExpiry)
		if err != nil {
			s.logger.Error("token issue failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not issue channel token")
			return
		}
		s.emit(r.Context(), audit.CategoryPairing, "validate_success", client, map[string]string{
			"session_id": res.SessionID,
		})
		writeJSON(w, http.StatusOK, validateResponse{
			Valid:     true,
			SessionID: res.SessionID,
			Token:     token,
			ExpiresAt: res.Session.ExpiresAt,
		})
	}
}

type extendRequest struct {
	AdditionalMs int64 `json:"additional_ms"`
}

type extendResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req extendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AdditionalMs <= 0 {
		writeError(w, http.StatusBadRequest, "additional_ms must be positive")
		return
	}
	next, err := s.store.ExtendSession(claims.SessionID, time.Duration(req.AdditionalMs)*time.Millisecond)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.emit(r.Context(), audit.CategorySession, "session_extended", claims.ClientID, map[string]string{
		"session_id": claims.SessionID,
		"expires_at": next.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, extendResponse{ExpiresAt: next})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.store.EndSession(claims.SessionID); err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.channels.closeSession(claims.SessionID)
	s.emit(r.Context(), audit.CategorySession, "session_ended", claims.ClientID, map[string]string{
		"session_id": claims.SessionID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type sessionResponse struct {
	SessionID     string                  `json:"session_id"`
	CreatedAt     time.Time               `json:"created_at"`
	ExpiresAt     time.Time               `json:"expires_at"`
	Authenticated bool                    `json:"authenticated"`
	Ended         bool                    `json:"ended"`
	Activity      []pairing.ActivityEntry `json:"activity"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sess, err := s.store.GetSession(claims.SessionID)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:     sess.ID,
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
		Authenticated: sess.Authenticated,
		Ended:         !sess.EndedAt.IsZero(),
		Activity:      sess.Activity,
	})
}

type guardPathRequest struct {
	Op   string `json:"op"` // read, write, delete, list
	Path string `json:"path"`
}

type guardPathResponse struct {
	Allowed        bool   `json:"allowed"`
	NormalizedPath string `json:"normalized_path,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// handleGuardPath serves the tool-execution dispatcher contract: the caller
// performs the OS action only on allowed:true, using the normalized path.
func (s *Server) handleGuardPath(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req guardPathRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var d guard.Decision
	switch req.Op {
	case "read":
		d = s.paths.ValidateRead(req.Path)
	case "write":
		d = s.paths.ValidateWrite(req.Path)
	case "delete":
		d = s.paths.ValidateDelete(req.Path)
	case "list":
		d = s.paths.ValidateDirectory(req.Path)
	default:
		writeError(w, http.StatusBadRequest, "op must be read, write, delete or list")
		return
	}
	action := "path_" + req.Op + "_denied"
	if d.Allowed {
		action = "path_" + req.Op + "_allowed"
	}
	details := map[string]string{"input": req.Path}
	if d.Allowed {
		details["normalized"] = d.NormalizedPath
	} else {
		details["reason"] = d.Reason
	}
	s.emit(r.Context(), audit.CategoryPath, action, claims.ClientID, details)
	s.recordActivity(claims.SessionID, action)
	writeJSON(w, http.StatusOK, guardPathResponse{
		Allowed:        d.Allowed,
		NormalizedPath: d.NormalizedPath,
		Reason:         d.Reason,
	})
}

type guardCommandRequest struct {
	Command string `json:"command"`
}

type guardCommandResponse struct {
	Allowed       bool   `json:"allowed"`
	Shell         string `json:"shell,omitempty"`
	Description   string `json:"description,omitempty"`
	RequiresAdmin bool   `json:"requires_admin,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleGuardCommand(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req guardCommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := s.commands.IsAllowed(req.Command, s.tier)
	action := "command_denied"
	if d.Allowed {
		action = "command_allowed"
	}
	details := map[string]string{"input": req.Command, "tier": s.tier.String()}
	if !d.Allowed {
		details["reason"] = d.Reason
	}
	s.emit(r.Context(), audit.CategoryCommand, action, claims.ClientID, details)
	s.recordActivity(claims.SessionID, action)
	writeJSON(w, http.StatusOK, guardCommandResponse{
		Allowed:       d.Allowed,
		Shell:         d.Shell,
		Description:   d.Description,
		RequiresAdmin: d.RequiresAdmin,
		Reason:        d.Reason,
	})
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, pairing.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pairing.ErrSessionExpired), errors.Is(err, pairing.ErrSessionEnded):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
