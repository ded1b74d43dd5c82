// Package server exposes the case engine over HTTP. Handlers decode, call the
// service, and map its errors to status codes; all domain decisions live
// below this layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/middleware"
	"github.com/exportarc/caseflow/internal/service"
)

const (
	defaultMaxJSONBodyBytes int64 = 1 << 20
	defaultAuditPageSize          = 100
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service       Service
	metrics       http.Handler
	maxJSONBody   int64
	auditPageSize int
}

// Option configures optional HTTP server parameters.
type Option func(*HTTPServer)

// WithMaxJSONBodySize caps the accepted JSON request body size in bytes.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBody = n
		}
	}
}

// WithAuditPageSize sets the default and maximum audit page size.
func WithAuditPageSize(n int) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.auditPageSize = n
		}
	}
}

// NewHTTPHandler builds the API routing table. metricsHandler serves GET
// /metrics; pass nil to disable the endpoint.
func NewHTTPHandler(svc Service, metricsHandler http.Handler, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:       svc,
		metrics:       metricsHandler,
		maxJSONBody:   defaultMaxJSONBodyBytes,
		auditPageSize: defaultAuditPageSize,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{id}", server.handleGetFlag)
	mux.HandleFunc("PATCH /v1/flags/{id}", server.handleUpdateFlag)
	mux.HandleFunc("POST /v1/flagging-rules", server.handleCreateRule)
	mux.HandleFunc("GET /v1/flagging-rules", server.handleListRules)
	mux.HandleFunc("GET /v1/flagging-rules/{id}", server.handleGetRule)
	mux.HandleFunc("PATCH /v1/flagging-rules/{id}", server.handleUpdateRule)
	mux.HandleFunc("POST /v1/flagging-rules/{id}/apply", server.handleApplyRule)
	mux.HandleFunc("GET /v1/cases/{id}", server.handleGetCase)
	mux.HandleFunc("PATCH /v1/cases/{id}/status", server.handleChangeStatus)
	mux.HandleFunc("POST /v1/cases/{id}/submit", server.handleSubmitCase)
	mux.HandleFunc("POST /v1/cases/{id}/apply-rules", server.handleApplyRules)
	mux.HandleFunc("GET /v1/cases/{id}/flags", server.handleCaseFlags)
	mux.HandleFunc("GET /v1/cases/{id}/audit", server.handleCaseAudit)
	mux.HandleFunc("POST /v1/api-keys", server.handleIssueAPIKey)
	mux.HandleFunc("GET /v1/api-keys", server.handleListAPIKeys)
	mux.HandleFunc("DELETE /v1/api-keys/{id}", server.handleRevokeAPIKey)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return mux
}

// actor resolves the authenticated caseworker for the request. Every mutating
// handler calls this; a request that got past auth but names an unknown
// caseworker is treated as unauthorized.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (core.Actor, bool) {
	id, ok := middleware.CaseworkerIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return core.Actor{}, false
	}

	actor, err := s.service.GetActor(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrActorNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "unknown caseworker")
			return core.Actor{}, false
		}
		writeServiceError(w, err)
		return core.Actor{}, false
	}

	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(r.Context(), actor, flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	flag, err := s.service.GetFlag(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	flag.ID = id

	updated, err := s.service.UpdateFlag(r.Context(), actor, flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	var rule core.FlaggingRule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateRule(r.Context(), actor, rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	level := core.FlagLevel(strings.TrimSpace(r.URL.Query().Get("level")))

	rules, err := s.service.ListRules(r.Context(), level)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rule, err := s.service.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var rule core.FlaggingRule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	rule.ID = id

	updated, err := s.service.UpdateRule(r.Context(), actor, rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleApplyRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := s.service.ApplyRuleRetroactively(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := s.service.GetCase(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *HTTPServer) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req changeStatusRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	target, err := core.ParseStatus(req.Status)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.service.ChangeStatus(r.Context(), actor, id, target, req.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	updated, err := s.service.SubmitCase(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.ApplyRulesToCase(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCaseFlags(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	opts := core.OrderOptions{Distinct: true}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := query.Get("distinct"); raw != "" {
		distinct, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid distinct")
			return
		}
		opts.Distinct = distinct
	}

	flags, err := s.service.GetOrderedFlags(r.Context(), id, actor.TeamID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleCaseAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if limit <= 0 || limit > s.auditPageSize {
		limit = s.auditPageSize
	}

	entries, err := s.service.ListAuditLog(r.Context(), id, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	issued, err := s.service.IssueAPIKey(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issued)
}

func (s *HTTPServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	keys, err := s.service.ListAPIKeys(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *HTTPServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	keyID := strings.TrimSpace(r.PathValue("id"))
	if keyID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.service.RevokeAPIKey(r.Context(), actor, keyID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var transitionErr *core.TransitionError
	switch {
	case errors.As(err, &transitionErr):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": transitionErr.Error(),
			"rule":  string(transitionErr.Rule),
		})
	case errors.Is(err, service.ErrCaseNotFound),
		errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, service.ErrAPIKeyNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrDuplicateRule),
		errors.Is(err, service.ErrDuplicateFlagName):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrPermissionDenied):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrVerifiedOnlyRequired),
		errors.Is(err, service.ErrInvalidLevel),
		errors.Is(err, service.ErrLevelImmutable):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBody))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
