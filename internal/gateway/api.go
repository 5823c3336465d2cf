// ABOUTME: HTTP control API for sessions, scoped tokens, agent execution, and audit
// ABOUTME: JSON request/response handlers with SSE streaming for agent turns

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-warden/internal/acp"
	"github.com/2389/fold-warden/internal/authz"
	"github.com/2389/fold-warden/internal/scopedtoken"
	"github.com/2389/fold-warden/internal/session"
	"github.com/2389/fold-warden/internal/store"
	"github.com/2389/fold-warden/internal/tamperlog"
)

// sessionTokenHeader carries the auth-session token on elevation-gated
// operations, separate from the connection credential headers.
const sessionTokenHeader = "X-Session-Token"

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token     string `json:"token"`
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

// SessionStatsResponse is the JSON response for GET /api/sessions/stats.
type SessionStatsResponse struct {
	Total    int `json:"total"`
	Elevated int `json:"elevated"`
}

// IssueTokenRequest is the JSON request body for POST /api/tokens.
type IssueTokenRequest struct {
	Subject    string   `json:"subject"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes"`
	Methods    []string `json:"methods,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// IssueTokenResponse is the JSON response for POST /api/tokens.
type IssueTokenResponse struct {
	Token string `json:"token"`
	JTI   string `json:"jti"`
}

// InspectTokenResponse is the JSON response for POST /api/tokens/inspect.
type InspectTokenResponse struct {
	Valid   bool                 `json:"valid"`
	Reason  string               `json:"reason,omitempty"`
	Payload *scopedtoken.Payload `json:"payload,omitempty"`
}

// InitAgentSessionRequest is the JSON request body for POST /api/agent/sessions.
type InitAgentSessionRequest struct {
	Key     string `json:"key"`
	Agent   string `json:"agent"`
	Backend string `json:"backend"`
	Mode    string `json:"mode,omitempty"`
}

// TurnRequestBody is the JSON request body for POST /api/agent/turn.
type TurnRequestBody struct {
	Key       string `json:"key"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
}

// AgentSessionStatusResponse is the JSON response for GET /api/agent/status.
type AgentSessionStatusResponse struct {
	Key          string             `json:"key"`
	State        string             `json:"state"`
	Running      bool               `json:"running"`
	LastError    *TurnErrorResponse `json:"last_error,omitempty"`
	LastActivity string             `json:"last_activity,omitempty"`
	Backend      string             `json:"backend,omitempty"`
	Mode         string             `json:"mode,omitempty"`
}

// TurnErrorResponse is the JSON shape of a runtime error.
type TurnErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JournalEntryResponse is the JSON shape of one admin journal entry.
type JournalEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// AuditVerifyResponse is the JSON response for GET /api/audit/verify.
type AuditVerifyResponse struct {
	OK       bool   `json:"ok"`
	Count    int    `json:"count"`
	LastHash string `json:"last_hash,omitempty"`
	Line     int    `json:"line,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// registerAPIRoutes mounts the control API behind the connection
// authorization middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	protect := authz.HTTPMiddleware(g.authorizer, g.limiter)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	handle("POST /api/login", g.handleLogin)
	handle("POST /api/logout", g.handleLogout)
	handle("POST /api/logout/all", g.handleLogoutAll)
	handle("POST /api/session/elevate", g.handleElevate)
	handle("POST /api/session/drop", g.handleDropElevation)
	handle("GET /api/sessions/stats", g.handleSessionStats)

	handle("POST /api/tokens", g.handleIssueToken)
	handle("POST /api/tokens/revoke", g.handleRevokeToken)
	handle("POST /api/tokens/inspect", g.handleInspectToken)

	handle("POST /api/agent/sessions", g.handleInitAgentSession)
	handle("POST /api/agent/turn", g.handleRunTurn)
	handle("POST /api/agent/cancel", g.handleCancelTurn)
	handle("POST /api/agent/close", g.handleCloseAgentSession)
	handle("GET /api/agent/status", g.handleAgentSessionStatus)

	handle("GET /api/journal", g.handleListJournal)
	handle("GET /api/audit/verify", g.handleVerifyAudit)
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// actor returns the authenticated subject for journal attribution.
func actor(r *http.Request) string {
	if id, ok := authz.FromContext(r.Context()); ok {
		return id.Subject
	}
	return "unknown"
}

// requireScope rejects scoped-token identities lacking the named scope.
// Other trust modes carry unrestricted identities and always pass.
func (g *Gateway) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	id, ok := authz.FromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return false
	}
	if !id.HasScope(scope) {
		g.sendJSONError(w, http.StatusForbidden, "missing scope: "+scope)
		return false
	}
	return true
}

// requireElevated resolves the session token header and rejects requests
// whose session is not elevated. Sensitive mutations sit behind this gate.
func (g *Gateway) requireElevated(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	token := r.Header.Get(sessionTokenHeader)
	if token == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "session token required")
		return session.Session{}, false
	}
	s, ok := g.sessions.Resolve(token)
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or expired session")
		return session.Session{}, false
	}
	if !s.Elevated {
		g.sendJSONError(w, http.StatusForbidden, "elevated session required")
		return session.Session{}, false
	}
	return s, true
}

// journal records a privileged mutation in the admin journal and mirrors it
// into the tamper log under the audit write policy.
func (g *Gateway) journal(r *http.Request, action store.JournalAction, targetType, targetID string, detail map[string]any) error {
	entry := &store.JournalEntry{
		Actor:      actor(r),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := g.store.AppendJournal(r.Context(), entry); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}

	payload := map[string]any{
		"actor":       entry.Actor,
		"action":      string(action),
		"target_type": targetType,
		"target_id":   targetID,
	}
	err := g.audit.Write(string(action), payload)
	g.metrics.RecordAuditAppend(err == nil)
	return err
}

// handleLogin creates an auth session for the already-authorized caller.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := authz.FromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	s, token := g.sessions.Create(id.Subject, id.Role)
	if err := g.journal(r, store.JournalCreateSession, "session", s.ID, nil); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}

	st := g.sessions.SnapshotStats()
	g.metrics.SetActiveSessions(st.Total, st.Elevated)

	g.sendJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		Subject:   s.Subject,
		Role:      s.Role,
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionTokenHeader)
	if token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session token required")
		return
	}
	g.sessions.Invalidate(token)

	st := g.sessions.SnapshotStats()
	g.metrics.SetActiveSessions(st.Total, st.Elevated)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogoutAll invalidates every session for a subject. Elevation-gated
// because it can evict other operators.
func (g *Gateway) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireElevated(w, r); !ok {
		return
	}
	var req struct {
		Subject string `json:"subject"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subject == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}

	removed := g.sessions.InvalidateAllForUser(req.Subject)
	if err := g.journal(r, store.JournalInvalidateSession, "session", req.Subject,
		map[string]any{"removed": removed}); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}

	st := g.sessions.SnapshotStats()
	g.metrics.SetActiveSessions(st.Total, st.Elevated)
	g.sendJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (g *Gateway) handleElevate(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionTokenHeader)
	if token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session token required")
		return
	}
	if !g.sessions.Elevate(token) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	if err := g.journal(r, store.JournalElevateSession, "session", actor(r), nil); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDropElevation(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionTokenHeader)
	if token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session token required")
		return
	}
	if !g.sessions.DropElevation(token) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	if err := g.journal(r, store.JournalDropElevation, "session", actor(r), nil); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	st := g.sessions.SnapshotStats()
	g.metrics.SetActiveSessions(st.Total, st.Elevated)
	g.sendJSON(w, http.StatusOK, SessionStatsResponse{Total: st.Total, Elevated: st.Elevated})
}

// handleIssueToken mints a scoped token. Requires an elevated session and,
// for scoped-token callers, the tokens.issue scope.
func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "tokens.issue") {
		return
	}
	if _, ok := g.requireElevated(w, r); !ok {
		return
	}
	if g.issuer == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "no signing key configured")
		return
	}

	var req IssueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subject == "" || req.Role == "" {
		g.sendJSONError(w, http.StatusBadRequest, "subject and role are required")
		return
	}

	token, err := g.issuer.Issue(scopedtoken.IssueRequest{
		Subject:    req.Subject,
		Role:       scopedtoken.Role(req.Role),
		Scopes:     req.Scopes,
		Methods:    req.Methods,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Re-verify the freshly minted token to recover its jti for the journal.
	result := g.issuer.Verify(token)
	jti := ""
	if result.Valid {
		jti = result.Payload.JTI
	}

	if err := g.journal(r, store.JournalIssueToken, "token", jti, map[string]any{
		"subject": req.Subject,
		"role":    req.Role,
		"scopes":  req.Scopes,
	}); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}
	g.metrics.RecordTokenIssued(req.Role)

	g.sendJSON(w, http.StatusOK, IssueTokenResponse{Token: token, JTI: jti})
}

func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "tokens.revoke") {
		return
	}
	if _, ok := g.requireElevated(w, r); !ok {
		return
	}
	if g.issuer == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "no signing key configured")
		return
	}

	var req struct {
		JTI string `json:"jti"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.JTI == "" {
		g.sendJSONError(w, http.StatusBadRequest, "jti is required")
		return
	}

	g.issuer.Revoke(req.JTI)
	if err := g.journal(r, store.JournalRevokeToken, "token", req.JTI, nil); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}
	g.metrics.RecordTokenRevoked()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleInspectToken(w http.ResponseWriter, r *http.Request) {
	if g.issuer == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "no signing key configured")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := g.issuer.Verify(req.Token)
	resp := InspectTokenResponse{Valid: result.Valid, Reason: string(result.Reason)}
	if result.Valid {
		resp.Payload = result.Payload
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleInitAgentSession(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "sessions.run") {
		return
	}
	var req InitAgentSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.Backend == "" {
		g.sendJSONError(w, http.StatusBadRequest, "key and backend are required")
		return
	}
	mode := acp.SessionMode(req.Mode)
	if mode == "" {
		mode = acp.ModePersistent
	}

	meta, err := g.acp.InitializeSession(r.Context(), acp.InitRequest{
		Key:     req.Key,
		Agent:   req.Agent,
		Backend: req.Backend,
		Mode:    mode,
	})
	if err != nil {
		g.sendJSONError(w, statusForRuntimeError(err), err.Error())
		return
	}

	if err := g.journal(r, store.JournalInitAgentSession, "agent_session", req.Key,
		map[string]any{"backend": req.Backend, "mode": string(mode)}); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{
		"key":        meta.Key,
		"session_id": meta.SessionID,
		"backend":    meta.Backend,
		"mode":       meta.Mode,
	})
}

// handleRunTurn executes one agent turn and streams its events as SSE.
func (g *Gateway) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "sessions.run") {
		return
	}
	var req TurnRequestBody
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "key and text are required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	start := time.Now()
	sink := func(ev acp.Event) {
		data := map[string]any{"type": string(ev.Type)}
		switch ev.Type {
		case acp.EventText:
			data["text"] = ev.Text
		case acp.EventToolCall, acp.EventToolResult:
			data["tool"] = ev.ToolName
		case acp.EventError:
			data["code"] = string(ev.Code)
			data["message"] = ev.Message
		}
		g.writeSSEEvent(w, string(ev.Type), data)
		flusher.Flush()
	}

	result, err := g.acp.RunTurn(r.Context(), acp.TurnRequest{
		Key:       req.Key,
		RequestID: req.RequestID,
		Text:      req.Text,
	}, sink)

	backend := "unknown"
	if _, meta, rerr := g.acp.Resolve(r.Context(), req.Key); rerr == nil && meta != nil {
		backend = meta.Backend
	}

	switch {
	case err != nil:
		g.metrics.RecordTurn(backend, false, time.Since(start))
		g.writeSSEEvent(w, "error", map[string]any{
			"code":    runtimeErrorCode(err),
			"message": err.Error(),
		})
	case result.Err != nil:
		g.metrics.RecordTurn(backend, false, time.Since(start))
		// The error event already reached the sink; close the stream with
		// a summary so non-streaming clients still see the outcome.
		g.writeSSEEvent(w, "summary", map[string]any{
			"request_id": result.RequestID,
			"events":     result.Events,
			"error":      result.Err.Message,
		})
	default:
		g.metrics.RecordTurn(backend, true, time.Since(start))
		g.writeSSEEvent(w, "summary", map[string]any{
			"request_id": result.RequestID,
			"events":     result.Events,
		})
	}
	flusher.Flush()
}

func (g *Gateway) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "sessions.run") {
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		g.sendJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := g.acp.Cancel(r.Context(), req.Key); err != nil {
		g.sendJSONError(w, statusForRuntimeError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleCloseAgentSession(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "sessions.run") {
		return
	}
	var req struct {
		Key       string `json:"key"`
		ClearMeta bool   `json:"clear_meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		g.sendJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := g.acp.CloseSession(r.Context(), acp.CloseRequest{Key: req.Key, ClearMeta: req.ClearMeta}); err != nil {
		g.sendJSONError(w, statusForRuntimeError(err), err.Error())
		return
	}
	if err := g.journal(r, store.JournalCloseAgentSession, "agent_session", req.Key,
		map[string]any{"clear_meta": req.ClearMeta}); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "audit write failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleAgentSessionStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		g.sendJSONError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}

	status, err := g.acp.Status(r.Context(), key)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := AgentSessionStatusResponse{
		Key:     status.Key,
		State:   string(status.State),
		Running: status.Running,
	}
	if status.LastError != nil {
		resp.LastError = &TurnErrorResponse{
			Code:    string(status.LastError.Code),
			Message: status.LastError.Message,
		}
	}
	if !status.LastActivity.IsZero() {
		resp.LastActivity = status.LastActivity.UTC().Format(time.RFC3339)
	}
	if status.Meta != nil {
		resp.Backend = status.Meta.Backend
		resp.Mode = status.Meta.Mode
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListJournal serves the filterable admin journal.
func (g *Gateway) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "journal.read") {
		return
	}

	filter, err := journalFilterFromQuery(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.store.ListJournal(r.Context(), filter)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]JournalEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, JournalEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
			Detail:     e.Detail,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// journalFilterFromQuery parses since/until/actor/action/target/limit
// query parameters.
func journalFilterFromQuery(r *http.Request) (store.JournalFilter, error) {
	var f store.JournalFilter
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since: %q", v)
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until: %q", v)
		}
		f.Until = &t
	}
	if v := q.Get("actor"); v != "" {
		f.Actor = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.JournalAction(v)
		f.Action = &action
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit: %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// handleVerifyAudit walks the tamper log chain and reports the first
// divergence, if any.
func (g *Gateway) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !g.requireScope(w, r, "audit.read") {
		return
	}

	result := tamperlog.Verify(g.config.Audit.Path)
	resp := AuditVerifyResponse{
		OK:       result.OK,
		Count:    result.Count,
		LastHash: result.LastHash,
		Line:     result.Line,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	g.sendJSON(w, status, resp)
}

// writeSSEEvent writes a single SSE frame.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// statusForRuntimeError maps runtime error codes onto HTTP statuses.
func statusForRuntimeError(err error) int {
	switch {
	case acp.IsCode(err, acp.CodeSessionInitFailed):
		return http.StatusConflict
	case acp.IsCode(err, acp.CodeBackendMissing):
		return http.StatusNotFound
	case acp.IsCode(err, acp.CodeBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// runtimeErrorCode extracts a runtime error code for wire responses.
func runtimeErrorCode(err error) string {
	var rerr *acp.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return string(acp.CodeTurnFailed)
}
