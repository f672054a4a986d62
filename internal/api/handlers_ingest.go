package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 100
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleLoginEvent(w http.ResponseWriter, r *http.Request) {
	var attempt security.LoginAttempt
	if err := decodeJSON(w, r, &attempt); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	score := s.components.Logins.TrackLoginAttempt(attempt)
	s.sendData(w, http.StatusOK, map[string]interface{}{
		"suspiciousScore": score,
		"blocked":         s.components.Logins.IsBlocked(attempt.SourceAddress),
	})
}

type rateLimitCheckRequest struct {
	Identifier string          `json:"identifier"`
	Action     security.Action `json:"action"`
	// DryRun reports the status without counting an attempt.
	DryRun bool `json:"dryRun,omitempty"`
}

func validAction(a security.Action) bool {
	switch a {
	case security.ActionAuth, security.ActionPasswordReset, security.ActionAPI:
		return true
	}
	return false
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateLimitCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action == "" {
		req.Action = security.ActionAPI
	}
	if !validAction(req.Action) {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	if req.DryRun {
		s.sendData(w, http.StatusOK, s.components.Limiter.Status(req.Identifier, req.Action))
		return
	}

	decision := s.components.Limiter.RecordAttempt(req.Identifier, req.Action)
	if s.components.Metrics != nil {
		s.components.Metrics.RecordRateLimit(string(req.Action), decision.Allowed)
	}
	s.sendData(w, http.StatusOK, decision)
}

type accessCheckRequest struct {
	UserID   string            `json:"userId,omitempty"`
	TeamID   string            `json:"teamId"`
	Resource auth.TeamResource `json:"resource"`
	Action   auth.TeamAction   `json:"action"`
}

type accessBatchRequest struct {
	UserID   string               `json:"userId,omitempty"`
	TeamID   string               `json:"teamId"`
	Requests []auth.AccessRequest `json:"requests"`
}

// subject defaults the checked user to the caller.
func subject(r *http.Request, userID string) string {
	if userID != "" {
		return userID
	}
	return UserID(r.Context())
}

func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TeamID == "" || req.Resource == "" || req.Action == "" {
		s.sendError(w, http.StatusBadRequest, "teamId, resource and action are required")
		return
	}

	decision := s.components.Teams.CheckTeamAccess(r.Context(), subject(r, req.UserID), req.TeamID, req.Resource, req.Action)
	if s.components.Metrics != nil {
		s.components.Metrics.RecordAccessDecision(string(req.Resource), decision.Allowed)
	}
	s.sendData(w, http.StatusOK, decision)
}

func (s *Server) handleAccessBatch(w http.ResponseWriter, r *http.Request) {
	var req accessBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TeamID == "" || len(req.Requests) == 0 {
		s.sendError(w, http.StatusBadRequest, "teamId and requests are required")
		return
	}
	if len(req.Requests) > maxBatchSize {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", maxBatchSize))
		return
	}

	decisions := s.components.Teams.CheckTeamAccessBatch(r.Context(), subject(r, req.UserID), req.TeamID, req.Requests)
	if s.components.Metrics != nil {
		for _, ar := range req.Requests {
			if d, ok := decisions[ar.Key()]; ok {
				s.components.Metrics.RecordAccessDecision(string(ar.Resource), d.Allowed)
			}
		}
	}
	s.sendData(w, http.StatusOK, decisions)
}
