package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/assignment"
	"github.com/nivora/inboxd/internal/dispatch"
	"github.com/nivora/inboxd/internal/ingest"
	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/provider"
	"github.com/nivora/inboxd/pkg/apperr"
)

type ServerConfig struct {
	AppSecret    string
	VerifyToken  string
	MaxBodyBytes int64
}

type Server struct {
	ingest      *ingest.Service
	assignments *assignment.Service
	dispatch    *dispatch.Service
	cfg         ServerConfig
	logger      *zap.Logger
}

func NewServer(ingestSvc *ingest.Service, assignments *assignment.Service, dispatchSvc *dispatch.Service, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		ingest:      ingestSvc,
		assignments: assignments,
		dispatch:    dispatchSvc,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/webhook" {
		switch r.Method {
		case http.MethodGet:
			s.handleWebhookVerify(w, r)
		case http.MethodPost:
			s.handleWebhookDelivery(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		conversationID := parts[2]
		switch parts[3] {
		case "claim":
			s.handleClaim(w, r, conversationID)
		case "reassign":
			s.handleReassign(w, r, conversationID)
		case "release":
			s.handleRelease(w, r, conversationID)
		case "messages":
			s.handleSend(w, r, conversationID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found")
		}
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// Actor identity is asserted by the auth layer in front of this server and
// carried on headers; there is no in-process fallback identity.
func actor(r *http.Request) (string, models.Role) {
	return r.Header.Get("X-Actor-Id"), models.Role(r.Header.Get("X-Actor-Role"))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, conversationID string) {
	var body struct {
		TeamID string `json:"team_id"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	actorID, _ := actor(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing actor identity")
		return
	}
	result, err := s.assignments.Claim(r.Context(), conversationID, body.TeamID, actorID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request, conversationID string) {
	var body struct {
		TeamID     string `json:"team_id"`
		AssigneeID string `json:"assignee_id"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	actorID, role := actor(r)
	result, err := s.assignments.Reassign(r.Context(), conversationID, body.TeamID, body.AssigneeID, actorID, role)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, conversationID string) {
	actorID, role := actor(r)
	result, err := s.assignments.Release(r.Context(), conversationID, actorID, role)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sendRequestBody struct {
	Type         string                       `json:"type"`
	Text         string                       `json:"text,omitempty"`
	Kind         string                       `json:"kind,omitempty"`
	Link         string                       `json:"link,omitempty"`
	Caption      string                       `json:"caption,omitempty"`
	Name         string                       `json:"name,omitempty"`
	LanguageCode string                       `json:"language_code,omitempty"`
	Components   []provider.TemplateComponent `json:"components,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, conversationID string) {
	var body sendRequestBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	actorID, _ := actor(r)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing actor identity")
		return
	}

	var result dispatch.SendResult
	var err error
	switch body.Type {
	case "text":
		result, err = s.dispatch.SendText(r.Context(), conversationID, actorID, body.Text)
	case "media":
		result, err = s.dispatch.SendMedia(r.Context(), conversationID, actorID, body.Kind, body.Link, body.Caption)
	case "template":
		result, err = s.dispatch.SendTemplate(r.Context(), conversationID, actorID, body.Name, body.LanguageCode, body.Components)
	default:
		writeError(w, http.StatusBadRequest, "validation", "unsupported message type: "+body.Type)
		return
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, strings.ToLower(string(code)), apperr.MessageOf(err))
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodePolicy:
		return http.StatusBadRequest
	case apperr.CodePermission:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
