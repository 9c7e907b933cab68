// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same turn log semantics

package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent         // keyed by agent ID
	sessions  map[string]*Session       // keyed by session ID
	turns     map[string][]*Turn        // keyed by session ID, ascending Seq
	audio     map[string]*AudioArtifact // keyed by artifact ID
	leases    map[string]*Lease         // keyed by session ID
	appendErr map[Role]error            // injected AppendTurn failures
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		sessions:  make(map[string]*Session),
		turns:     make(map[string][]*Turn),
		audio:     make(map[string]*AudioArtifact),
		leases:    make(map[string]*Lease),
		appendErr: make(map[Role]error),
	}
}

// FailAppend makes AppendTurn return err for turns with the given role.
// A nil err clears the injected failure.
func (m *MockStore) FailAppend(role Role, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.appendErr, role)
		return
	}
	m.appendErr[role] = err
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents, oldest first.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateAgent applies the non-nil fields of update.
func (m *MockStore) UpdateAgent(ctx context.Context, id string, update AgentUpdate) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.Name != nil {
		a.Name = *update.Name
	}
	if update.Instructions != nil {
		a.Instructions = *update.Instructions
	}
	if update.Model != nil {
		a.Model = *update.Model
	}
	a.UpdatedAt = time.Now().UTC()

	result := *a
	return &result, nil
}

// DeleteAgent removes an agent that has no sessions.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	for _, sess := range m.sessions {
		if sess.AgentID == id {
			return ErrAgentHasSessions
		}
	}
	delete(m.agents, id)
	return nil
}

// CreateSession stores a new session, naming it "Chat N" when Name is empty.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[session.AgentID]; !ok {
		return ErrAgentNotFound
	}
	if session.Name == "" {
		count := 0
		for _, sess := range m.sessions {
			if sess.AgentID == session.AgentID {
				count++
			}
		}
		session.Name = SessionName(count + 1)
	}
	if session.Status == "" {
		session.Status = SessionActive
	}

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns an agent's sessions, oldest first.
func (m *MockStore) ListSessions(ctx context.Context, agentID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.AgentID == agentID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// RenameSession sets a session's display name.
func (m *MockStore) RenameSession(ctx context.Context, id, name string) (*Session, error) {
	return m.updateSession(id, func(s *Session) { s.Name = name })
}

// CloseSession marks a session closed.
func (m *MockStore) CloseSession(ctx context.Context, id string) (*Session, error) {
	return m.updateSession(id, func(s *Session) { s.Status = SessionClosed })
}

func (m *MockStore) updateSession(id string, apply func(*Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	apply(s)
	s.UpdatedAt = time.Now().UTC()
	result := *s
	return &result, nil
}

// AppendTurn appends a turn with the next sequence number.
func (m *MockStore) AppendTurn(ctx context.Context, sessionID string, payload *TurnPayload) (*Turn, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.appendErr[payload.Role]; ok {
		return nil, err
	}

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != SessionActive {
		return nil, ErrSessionClosed
	}

	now := time.Now().UTC()
	turn := &Turn{
		ID:        newID(),
		SessionID: sessionID,
		Seq:       int64(len(m.turns[sessionID])) + 1,
		Role:      payload.Role,
		Modality:  payload.Modality,
		Text:      payload.Text,
		AudioID:   payload.AudioID,
		RequestID: payload.RequestID,
		CreatedAt: now,
	}
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	sess.UpdatedAt = now

	result := *turn
	return &result, nil
}

// ReadTurns returns a window of a session's turns in ascending order.
func (m *MockStore) ReadTurns(ctx context.Context, sessionID string, opts ReadOptions) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Turn
	for _, t := range m.turns[sessionID] {
		if t.Seq <= opts.AfterSeq {
			continue
		}
		if opts.UpToSeq > 0 && t.Seq > opts.UpToSeq {
			break
		}
		cp := *t
		result = append(result, &cp)
		if opts.Limit > 0 && len(result) == opts.Limit {
			break
		}
	}
	return result, nil
}

// Turns pages lazily through a session's turns.
func (m *MockStore) Turns(ctx context.Context, sessionID string, upTo int64, pageSize int) iter.Seq2[*Turn, error] {
	return Turns(ctx, m, sessionID, upTo, pageSize)
}

// FindTurnByRequest returns the earliest turn with the given role produced by requestID.
func (m *MockStore) FindTurnByRequest(ctx context.Context, sessionID, requestID string, role Role) (*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.turns[sessionID] {
		if t.RequestID == requestID && t.Role == role {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// SaveAudio stores an audio artifact.
func (m *MockStore) SaveAudio(ctx context.Context, artifact *AudioArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[artifact.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if artifact.ID == "" {
		artifact.ID = newID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	a := *artifact
	a.Data = append([]byte(nil), artifact.Data...)
	m.audio[a.ID] = &a
	return nil
}

// GetAudio retrieves an audio artifact by ID.
func (m *MockStore) GetAudio(ctx context.Context, id string) (*AudioArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.audio[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	result.Data = append([]byte(nil), a.Data...)
	return &result, nil
}

// FindAudioByTurn retrieves the most recent artifact pointing back at turnID.
func (m *MockStore) FindAudioByTurn(ctx context.Context, turnID string) (*AudioArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *AudioArtifact
	for _, a := range m.audio {
		if a.TurnID != turnID || turnID == "" {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	result.Data = append([]byte(nil), found.Data...)
	return &result, nil
}

// AcquireLease takes or renews the session lease for owner.
func (m *MockStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	now := time.Now()
	if l, ok := m.leases[sessionID]; ok && l.Owner != owner && l.ExpiresAt.After(now) {
		return nil, ErrLeaseHeld
	}
	l := &Lease{SessionID: sessionID, Owner: owner, ExpiresAt: now.Add(ttl)}
	m.leases[sessionID] = l
	result := *l
	return &result, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (m *MockStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[sessionID]; ok && l.Owner == owner {
		delete(m.leases, sessionID)
	}
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
