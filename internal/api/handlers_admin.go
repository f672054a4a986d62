package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultStatsRange = 24 * time.Hour
	maxEventLimit     = 1000
)

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return ts, nil
}

// parseRange reads since/until (RFC 3339) or hours. Without either it covers
// the trailing 24 hours.
func (s *Server) parseRange(q url.Values) (window.Range, error) {
	since, err := parseTime(q, "since")
	if err != nil {
		return window.Range{}, err
	}
	until, err := parseTime(q, "until")
	if err != nil {
		return window.Range{}, err
	}
	if !since.IsZero() || !until.IsZero() {
		if !since.IsZero() && !until.IsZero() && until.Before(since) {
			return window.Range{}, errors.New("until is before since")
		}
		return window.Range{Start: since, End: until}, nil
	}

	span := defaultStatsRange
	if v := q.Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return window.Range{}, fmt.Errorf("invalid hours %q", v)
		}
		span = time.Duration(hours) * time.Hour
	}
	return window.Last(span, s.clock()), nil
}

func parseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Type:          audit.EventType(q.Get("type")),
		UserID:        q.Get("user_id"),
		SourceAddress: q.Get("source_address"),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("unknown event type %q", f.Type)
	}
	if v := q.Get("severity"); v != "" {
		f.Severity = audit.ParseSeverity(v)
	}
	if v := q.Get("min_severity"); v != "" {
		f.MinSeverity = audit.ParseSeverity(v)
	}

	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}

	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = min(limit, maxEventLimit)
	}
	return f, nil
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, http.StatusOK, s.components.Logins.ThreatAnalysis())
}

func (s *Server) handleAbuse(w http.ResponseWriter, r *http.Request) {
	threats := s.components.APIs.AbuseDetection()
	if threats == nil {
		threats = []security.Threat{}
	}
	s.sendData(w, http.StatusOK, threats)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, http.StatusOK, s.components.APIs.EndpointMetrics(r.URL.Query().Get("endpoint")))
}

func (s *Server) handleLoginStats(w http.ResponseWriter, r *http.Request) {
	rng, err := s.parseRange(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendData(w, http.StatusOK, s.components.Logins.LoginStats(rng))
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	rng, err := s.parseRange(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendData(w, http.StatusOK, s.components.APIs.APIStats(rng))
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.components.Logins.BlockedAddresses()
	if blocks == nil {
		blocks = []security.BlockedAddress{}
	}
	s.sendData(w, http.StatusOK, blocks)
}

type blockRequest struct {
	Address string `json:"address"`
	// TTL is a Go duration string. Empty blocks until removed.
	TTL    string `json:"ttl,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" {
		s.sendError(w, http.StatusBadRequest, "address is required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl < 0 {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q", req.TTL))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual block by " + UserID(r.Context())
	}

	s.components.Logins.BlockSourceAddress(req.Address, ttl, req.Reason)
	s.logger.Info("Address blocked via API",
		zap.String("address", req.Address),
		zap.String("user_id", UserID(r.Context())),
	)
	s.sendData(w, http.StatusCreated, map[string]interface{}{"address": req.Address, "ttl": ttl.String()})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !s.components.Logins.UnblockSourceAddress(addr) {
		s.sendError(w, http.StatusNotFound, "address is not blocked")
		return
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{"address": addr})
}

func (s *Server) rateLimitTarget(w http.ResponseWriter, r *http.Request) (string, security.Action, bool) {
	vars := mux.Vars(r)
	action := security.Action(vars["action"])
	if !validAction(action) {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return "", "", false
	}
	return vars["identifier"], action, true
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	identifier, action, ok := s.rateLimitTarget(w, r)
	if !ok {
		return
	}
	s.sendData(w, http.StatusOK, s.components.Limiter.Status(identifier, action))
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	identifier, action, ok := s.rateLimitTarget(w, r)
	if !ok {
		return
	}
	s.components.Limiter.Reset(identifier, action)
	s.logger.Info("Rate limit reset via API",
		zap.String("identifier", identifier),
		zap.String("action", string(action)),
		zap.String("user_id", UserID(r.Context())),
	)
	s.sendData(w, http.StatusOK, s.components.Limiter.Status(identifier, action))
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.components.Audit.Events(filter)
	if events == nil {
		events = []audit.Event{}
	}
	s.sendData(w, http.StatusOK, events)
}

func (s *Server) handleAuditMetrics(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, http.StatusOK, s.components.Audit.Metrics())
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	rng, err := s.parseRange(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendData(w, http.StatusOK, s.components.Audit.GenerateReport(rng))
}

// handleAuditExport returns gzip-compressed NDJSON. The export is buffered
// so the event count can be sent as a header.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}

	var buf bytes.Buffer
	n, err := s.components.Audit.Export(&buf, filter)
	if err != nil {
		s.logger.Error("Audit export failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "export failed")
		return
	}

	name := fmt.Sprintf("audit-%s.ndjson.gz", s.clock().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Audit-Event-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("Audit export write failed", zap.Error(err))
	}
}

func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	s.sendData(w, http.StatusOK, map[string]interface{}{
		"userId":      userID,
		"roles":       s.components.RBAC.UserRoles(userID),
		"highestRole": s.components.RBAC.HighestRole(userID),
		"permissions": s.components.RBAC.UserPermissions(userID),
	})
}

type roleRequest struct {
	Role auth.Role `json:"role"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.components.RBAC.AssignRole(userID, req.Role); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"roles":  s.components.RBAC.UserRoles(userID),
	})
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userID"]
	err := s.components.RBAC.RemoveRole(userID, auth.Role(vars["role"]))
	switch {
	case errors.Is(err, auth.ErrRoleNotAssigned):
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendData(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"roles":  s.components.RBAC.UserRoles(userID),
	})
}
