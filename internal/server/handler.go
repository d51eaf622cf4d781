package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stuhub/classtrack-sync/internal/session"
	"github.com/stuhub/classtrack-sync/internal/syncerr"
)

// errorBody is the JSON error envelope. Action tells the client how to
// recover: "retry" for transient failures (with backoff), "resync" when
// the cursor can no longer be reconciled incrementally.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Action string `json:"action,omitempty"`
}

// handleSync runs one sync session.
//
// The device token from the Authorization header resolves to the client
// and user ids; a request body may carry clientId directly for trusted
// internal callers, in which case the user id is looked up from the
// registry.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if token := bearerToken(r); token != "" {
		clientID, userID, err := s.registry.Resolve(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		req.ClientID = clientID
		req.UserID = userID
	} else if req.ClientID != "" && req.UserID == "" {
		userID, err := s.registry.UserFor(r.Context(), req.ClientID)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		req.UserID = userID
	}

	if req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("clientId or device token required"))
		return
	}

	result, err := s.coordinator.RunSession(r.Context(), &req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// registerRequest is the POST /register body.
type registerRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	clientID, err := s.registry.Register(r.Context(), req.Token, req.UserID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"clientId": clientID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := s.coordinator.Log().Count(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	maxSeq, err := s.coordinator.Log().MaxSeq(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	cursors, err := s.coordinator.Cursors().Clients(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	markers, err := s.coordinator.Guard().Count(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	devices, err := s.registry.Count(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"maxSeq":  maxSeq,
		"clients": len(cursors),
		"markers": markers,
		"devices": devices,
	})
}

// writeEngineError maps engine error kinds to HTTP status and a client
// recovery instruction.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	switch {
	case syncerr.NeedsResync(err):
		body.Kind = "resync_required"
		body.Action = "resync"
		s.writeJSON(w, http.StatusConflict, body)
	case syncerr.IsRetryable(err):
		body.Kind = "transient"
		body.Action = "retry"
		s.writeJSON(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, syncerr.ErrUnknownDevice):
		s.writeJSON(w, http.StatusUnauthorized, body)
	default:
		s.writeJSON(w, http.StatusBadRequest, body)
	}

	s.logger.Printf("request failed: %v", err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
