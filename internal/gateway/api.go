// ABOUTME: HTTP API handlers for agents, sessions, turns, cycle events and audio
// ABOUTME: Maps cycle failures to JSON errors naming the kind, stage and whether the user turn was recorded

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/cycle"
	"github.com/2389/parley-gateway/internal/speech"
	"github.com/2389/parley-gateway/internal/store"
)

const (
	// maxRequestBytes bounds JSON bodies, base64 audio included.
	maxRequestBytes = 32 << 20

	defaultTurnsLimit = 50
	maxTurnsLimit     = 500

	// sseKeepAlive is how often an idle event stream gets a comment line.
	sseKeepAlive = 15 * time.Second
)

// AgentRequest is the JSON body for POST and PATCH /api/agents.
// PATCH only changes fields that are present.
type AgentRequest struct {
	Name         *string `json:"name"`
	Instructions *string `json:"instructions"`
	Model        *string `json:"model"`
}

// AgentResponse is the JSON form of an agent.
type AgentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Model        string `json:"model,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// SessionRequest is the JSON body for session create and rename.
type SessionRequest struct {
	Name string `json:"name"`
}

// SessionResponse is the JSON form of a session.
type SessionResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TurnResponse is the JSON form of a turn.
type TurnResponse struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Modality  string `json:"modality"`
	Text      string `json:"text"`
	AudioID   string `json:"audio_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TurnsPageResponse is the JSON response for GET /api/sessions/{id}/turns.
// NextCursor is passed back as ?after= to fetch the following page.
type TurnsPageResponse struct {
	SessionID  string         `json:"session_id"`
	Turns      []TurnResponse `json:"turns"`
	NextCursor *int64         `json:"next_cursor"`
}

// SubmitTurnRequest is the JSON body for POST /api/sessions/{id}/turns.
// Audio is base64 in JSON.
type SubmitTurnRequest struct {
	RequestID        string `json:"request_id,omitempty"`
	Modality         string `json:"modality"`
	Text             string `json:"text,omitempty"`
	Audio            []byte `json:"audio,omitempty"`
	Format           string `json:"format,omitempty"`
	ResponseModality string `json:"response_modality,omitempty"`
	VoiceProfile     string `json:"voice_profile,omitempty"`
}

// SubmitTurnResponse is the JSON response for a delivered cycle.
type SubmitTurnResponse struct {
	RequestID        string       `json:"request_id"`
	UserTurn         TurnResponse `json:"user_turn"`
	AssistantTurn    TurnResponse `json:"assistant_turn"`
	AssistantText    string       `json:"assistant_text"`
	AssistantAudio   []byte       `json:"assistant_audio,omitempty"`
	AudioFormat      string       `json:"audio_format,omitempty"`
	AudioID          string       `json:"audio_id,omitempty"`
	AudioUnavailable bool         `json:"audio_unavailable"`
	Replayed         bool         `json:"replayed"`
}

// ErrorResponse is the JSON error body. Kind, Stage and UserTurnRecorded are
// set for cycle failures.
type ErrorResponse struct {
	Error            string `json:"error"`
	Kind             string `json:"kind,omitempty"`
	Stage            string `json:"stage,omitempty"`
	UserTurnRecorded bool   `json:"user_turn_recorded"`
}

// apiRoutes returns the /api/ handler tree.
func (g *Gateway) apiRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agents", g.handleCreateAgent)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", g.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", g.handleDeleteAgent)

	mux.HandleFunc("POST /api/agents/{id}/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/agents/{id}/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", g.handleRenameSession)
	mux.HandleFunc("POST /api/sessions/{id}/close", g.handleCloseSession)

	mux.HandleFunc("POST /api/sessions/{id}/turns", g.handleSubmitTurn)
	mux.HandleFunc("GET /api/sessions/{id}/turns", g.handleListTurns)
	mux.HandleFunc("GET /api/sessions/{id}/events", g.handleSessionEvents)

	// Agent-scoped aliases 404 when the session belongs to another agent.
	mux.HandleFunc("GET /api/agents/{agentID}/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("PATCH /api/agents/{agentID}/sessions/{id}", g.handleRenameSession)
	mux.HandleFunc("POST /api/agents/{agentID}/sessions/{id}/close", g.handleCloseSession)
	mux.HandleFunc("POST /api/agents/{agentID}/sessions/{id}/turns", g.handleSubmitTurn)
	mux.HandleFunc("GET /api/agents/{agentID}/sessions/{id}/turns", g.handleListTurns)
	mux.HandleFunc("GET /api/agents/{agentID}/sessions/{id}/events", g.handleSessionEvents)

	mux.HandleFunc("GET /api/audio/{id}", g.handleGetAudio)

	return mux
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		Instructions: a.Instructions,
		Model:        a.Model,
		CreatedAt:    formatTimestamp(a.CreatedAt),
		UpdatedAt:    formatTimestamp(a.UpdatedAt),
	}
}

func sessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		AgentID:   s.AgentID,
		Name:      s.Name,
		Status:    string(s.Status),
		CreatedAt: formatTimestamp(s.CreatedAt),
		UpdatedAt: formatTimestamp(s.UpdatedAt),
	}
}

func turnResponse(t *store.Turn) TurnResponse {
	return TurnResponse{
		ID:        t.ID,
		Seq:       t.Seq,
		Role:      string(t.Role),
		Modality:  string(t.Modality),
		Text:      t.Text,
		AudioID:   t.AudioID,
		RequestID: t.RequestID,
		CreatedAt: formatTimestamp(t.CreatedAt),
	}
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, ErrorResponse{Error: message})
}

// sendInternalError logs err and writes a generic 500.
func (g *Gateway) sendInternalError(w http.ResponseWriter, msg string, err error) {
	g.logger.Error(msg, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// cycleStatus maps a failure kind to its HTTP status.
func cycleStatus(kind cycle.Kind) int {
	switch kind {
	case cycle.KindValidation, cycle.KindUnsupportedFormat, cycle.KindEmptyInput:
		return http.StatusBadRequest
	case cycle.KindSessionNotFound:
		return http.StatusNotFound
	case cycle.KindSessionClosed, cycle.KindSessionBusy:
		return http.StatusConflict
	case cycle.KindContextTooLarge:
		return http.StatusRequestEntityTooLarge
	case cycle.KindModelRejected:
		return http.StatusUnprocessableEntity
	case cycle.KindTranscriptionFailed, cycle.KindSynthesisFailed:
		return http.StatusBadGateway
	case cycle.KindModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendCycleError writes a cycle failure.
func (g *Gateway) sendCycleError(w http.ResponseWriter, err error) {
	var ce *cycle.Error
	if !errors.As(err, &ce) {
		g.sendInternalError(w, "unclassified cycle error", err)
		return
	}

	status := cycleStatus(ce.Kind)
	if ce.Kind == cycle.KindModelUnavailable || ce.Kind == cycle.KindSessionBusy {
		w.Header().Set("Retry-After", "1")
	}

	msg := ce.Detail
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if msg == "" {
		msg = string(ce.Kind)
	}

	g.writeJSON(w, status, ErrorResponse{
		Error:            msg,
		Kind:             string(ce.Kind),
		Stage:            string(ce.Stage),
		UserTurnRecorded: ce.UserTurnRecorded,
	})
}

// decodeJSON decodes a bounded request body into v, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(*req.Name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Instructions != nil {
		agent.Instructions = *req.Instructions
	}
	if req.Model != nil {
		agent.Model = strings.TrimSpace(*req.Model)
	}

	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.sendInternalError(w, "failed to create agent", err)
		return
	}

	g.logger.Info("agent created", "agent_id", agent.ID, "name", agent.Name, "caller", auth.CallerID(r.Context()))
	g.writeJSON(w, http.StatusCreated, agentResponse(agent))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.sendInternalError(w, "failed to list agents", err)
		return
	}

	response := make([]AgentResponse, len(agents))
	for i, a := range agents {
		response[i] = agentResponse(a)
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.sendInternalError(w, "failed to get agent", err)
		return
	}
	g.writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			g.sendJSONError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		req.Name = &name
	}

	agent, err := g.store.UpdateAgent(r.Context(), r.PathValue("id"), store.AgentUpdate{
		Name:         req.Name,
		Instructions: req.Instructions,
		Model:        req.Model,
	})
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.sendInternalError(w, "failed to update agent", err)
		return
	}
	g.writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	err := g.store.DeleteAgent(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, store.ErrAgentHasSessions):
		g.sendJSONError(w, http.StatusConflict, "agent has sessions")
	case err != nil:
		g.sendInternalError(w, "failed to delete agent", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if r.ContentLength != 0 && !g.decodeJSON(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	session := &store.Session{
		ID:        uuid.New().String(),
		AgentID:   r.PathValue("id"),
		Name:      strings.TrimSpace(req.Name),
		Status:    store.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := g.store.CreateSession(r.Context(), session)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.sendInternalError(w, "failed to create session", err)
		return
	}

	g.logger.Info("session created", "session_id", session.ID, "agent_id", session.AgentID, "caller", auth.CallerID(r.Context()))
	g.writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := g.store.GetAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.sendInternalError(w, "failed to get agent", err)
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), agentID)
	if err != nil {
		g.sendInternalError(w, "failed to list sessions", err)
		return
	}

	response := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = sessionResponse(s)
	}
	g.writeJSON(w, http.StatusOK, response)
}

// writeSession writes a session lookup result.
func (g *Gateway) writeSession(w http.ResponseWriter, session *store.Session, err error) {
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.sendInternalError(w, "session query failed", err)
		return
	}
	g.writeJSON(w, http.StatusOK, sessionResponse(session))
}

// inAgentScope checks the {agentID} path value, when present, against the
// session's owner. It writes the 404 itself and reports whether to continue.
func (g *Gateway) inAgentScope(w http.ResponseWriter, r *http.Request) bool {
	agentID := r.PathValue("agentID")
	if agentID == "" {
		return true
	}
	session, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.sendInternalError(w, "failed to get session", err)
		return false
	}
	if err != nil || session.AgentID != agentID {
		g.writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "session not found",
			Kind:  string(cycle.KindSessionNotFound),
		})
		return false
	}
	return true
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	session, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	g.writeSession(w, session, err)
}

func (g *Gateway) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	var req SessionRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	session, err := g.store.RenameSession(r.Context(), r.PathValue("id"), name)
	g.writeSession(w, session, err)
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	session, err := g.store.CloseSession(r.Context(), r.PathValue("id"))
	if err == nil {
		g.logger.Info("session closed", "session_id", session.ID, "caller", auth.CallerID(r.Context()))
	}
	g.writeSession(w, session, err)
}

// handleSubmitTurn runs one conversation cycle and returns its result.
// The response is written only after the cycle is delivered or has failed.
func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	var req SubmitTurnRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	result, err := g.conversation.Submit(r.Context(), &conversation.SubmitRequest{
		SessionID:        r.PathValue("id"),
		RequestID:        req.RequestID,
		Modality:         store.Modality(req.Modality),
		Text:             req.Text,
		Audio:            req.Audio,
		Format:           req.Format,
		ResponseModality: store.Modality(req.ResponseModality),
		VoiceProfile:     req.VoiceProfile,
	})
	if err != nil {
		g.sendCycleError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	g.writeJSON(w, status, SubmitTurnResponse{
		RequestID:        result.RequestID,
		UserTurn:         turnResponse(result.UserTurn),
		AssistantTurn:    turnResponse(result.AssistantTurn),
		AssistantText:    result.AssistantText,
		AssistantAudio:   result.Audio,
		AudioFormat:      result.AudioFormat,
		AudioID:          result.AudioID,
		AudioUnavailable: result.AudioUnavailable,
		Replayed:         result.Replayed,
	})
}

// parseTurnsQuery reads ?after= and ?limit=.
func parseTurnsQuery(r *http.Request) (after int64, limit int, err error) {
	limit = defaultTurnsLimit
	if s := r.URL.Query().Get("after"); s != "" {
		after, err = strconv.ParseInt(s, 10, 64)
		if err != nil || after < 0 {
			return 0, 0, errors.New("after must be a non-negative integer")
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > maxTurnsLimit {
			limit = maxTurnsLimit
		}
	}
	return after, limit, nil
}

// handleListTurns returns one page of a session's history in order.
func (g *Gateway) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	sessionID := r.PathValue("id")
	after, limit, err := parseTurnsQuery(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.sendInternalError(w, "failed to get session", err)
		return
	}

	// One extra row tells us whether another page exists.
	turns, err := g.store.ReadTurns(r.Context(), sessionID, store.ReadOptions{AfterSeq: after, Limit: limit + 1})
	if err != nil {
		g.sendInternalError(w, "failed to read turns", err)
		return
	}

	response := TurnsPageResponse{SessionID: sessionID, Turns: []TurnResponse{}}
	if len(turns) > limit {
		turns = turns[:limit]
		next := turns[len(turns)-1].Seq
		response.NextCursor = &next
	}
	for _, t := range turns {
		response.Turns = append(response.Turns, turnResponse(t))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleSessionEvents streams cycle stage events for a session as SSE until
// the client disconnects or the gateway shuts down.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !g.inAgentScope(w, r) {
		return
	}
	sessionID := r.PathValue("id")
	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.sendInternalError(w, "failed to get session", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := g.events.Subscribe(r.Context(), sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"session_id": sessionID})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(event.Stage), event)
			flusher.Flush()
		}
	}
}

// handleGetAudio serves a stored audio artifact with its content type.
func (g *Gateway) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	artifact, err := g.store.GetAudio(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "audio not found")
		return
	}
	if err != nil {
		g.sendInternalError(w, "failed to get audio", err)
		return
	}

	w.Header().Set("Content-Type", speech.ContentType(artifact.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.%s"`, artifact.ID, artifact.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}
