// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Agent, Session, Turn, AudioArtifact and Lease plus the ordered turn log contract

package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSessionNotFound is returned by turn operations on an unknown session.
// It matches ErrNotFound under errors.Is.
var ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)

// ErrAgentNotFound is returned when a session refers to an unknown agent.
// It matches ErrNotFound under errors.Is.
var ErrAgentNotFound = fmt.Errorf("agent %w", ErrNotFound)

// ErrSessionClosed is returned when appending to a closed session
var ErrSessionClosed = errors.New("session closed")

// ErrAgentHasSessions is returned when deleting an agent that still owns sessions
var ErrAgentHasSessions = errors.New("agent has sessions")

// ErrLeaseHeld is returned when a session lease is owned by someone else and has not expired
var ErrLeaseHeld = errors.New("session lease held")

// ErrInvalidTurn is returned when a turn payload fails validation
var ErrInvalidTurn = errors.New("invalid turn")

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Modality is the medium a turn arrived or was requested in
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
)

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Agent is a configured conversational persona.
// Model is empty when the gateway default should be used.
type Agent struct {
	ID           string
	Name         string
	Instructions string
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentUpdate carries a partial agent update; nil fields are left unchanged
type AgentUpdate struct {
	Name         *string
	Instructions *string
	Model        *string
}

// Session is one conversation with an agent
type Session struct {
	ID        string
	AgentID   string
	Name      string
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one immutable utterance in a session.
// Seq is assigned by the store and is contiguous from 1 within a session.
type Turn struct {
	ID        string
	SessionID string
	Seq       int64
	Role      Role
	Modality  Modality
	Text      string
	AudioID   string // optional reference to an AudioArtifact
	RequestID string // idempotency key of the cycle that produced the turn
	CreatedAt time.Time
}

// TurnPayload is what callers hand to AppendTurn; identity and Seq come from the store
type TurnPayload struct {
	Role      Role
	Modality  Modality
	Text      string
	AudioID   string
	RequestID string
}

// Validate checks role, modality and text.
func (p *TurnPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidTurn)
	}
	switch p.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, p.Role)
	}
	switch p.Modality {
	case ModalityText, ModalityVoice:
	default:
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidTurn, p.Modality)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidTurn)
	}
	return nil
}

// AudioArtifact is stored audio belonging to a voice turn.
// Inbound audio is referenced by Turn.AudioID; synthesized audio points back via TurnID.
type AudioArtifact struct {
	ID        string
	SessionID string
	TurnID    string
	Format    string
	Data      []byte
	CreatedAt time.Time
}

// Lease is the per-session exclusivity token held for the duration of a cycle
type Lease struct {
	SessionID string
	Owner     string
	ExpiresAt time.Time
}

// ReadOptions selects a window of a session's turns.
// Zero values mean no bound; results are always ascending by Seq.
type ReadOptions struct {
	AfterSeq int64
	UpToSeq  int64
	Limit    int
}

// TurnReader is the read side of the turn log
type TurnReader interface {
	ReadTurns(ctx context.Context, sessionID string, opts ReadOptions) ([]*Turn, error)
}

// Store defines the persistence interface for parley-gateway
type Store interface {
	TurnReader

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, id string, update AgentUpdate) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, agentID string) ([]*Session, error)
	RenameSession(ctx context.Context, id, name string) (*Session, error)
	CloseSession(ctx context.Context, id string) (*Session, error)

	// Turns
	AppendTurn(ctx context.Context, sessionID string, payload *TurnPayload) (*Turn, error)
	FindTurnByRequest(ctx context.Context, sessionID, requestID string, role Role) (*Turn, error)
	Turns(ctx context.Context, sessionID string, upTo int64, pageSize int) iter.Seq2[*Turn, error]

	// Audio
	SaveAudio(ctx context.Context, artifact *AudioArtifact) error
	GetAudio(ctx context.Context, id string) (*AudioArtifact, error)
	FindAudioByTurn(ctx context.Context, turnID string) (*AudioArtifact, error)

	// Leases
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error

	Close() error
}

// DefaultPageSize is used by Turns when pageSize is not positive
const DefaultPageSize = 100

// Turns returns a lazy, restartable sequence over a session's turns in ascending order,
// stopping after upTo when it is positive. Each range over the sequence starts from the
// beginning and pages through r.
func Turns(ctx context.Context, r TurnReader, sessionID string, upTo int64, pageSize int) iter.Seq2[*Turn, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(*Turn, error) bool) {
		var after int64
		for {
			page, err := r.ReadTurns(ctx, sessionID, ReadOptions{AfterSeq: after, UpToSeq: upTo, Limit: pageSize})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				after = t.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// SessionName returns the default name of an agent's n-th session.
func SessionName(n int) string {
	return fmt.Sprintf("Chat %d", n)
}

func newID() string {
	return uuid.New().String()
}
