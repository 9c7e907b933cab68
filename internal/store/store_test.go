// ABOUTME: Behavioural tests run against both SQLiteStore and MockStore
// ABOUTME: Covers turn ordering, closed sessions, leases, iteration and agent/session CRUD

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func seedSession(t *testing.T, s Store) (*Agent, *Session) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	agent := &Agent{
		ID:           uuid.New().String(),
		Name:         "helper",
		Instructions: "Be brief.",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	sess := &Session{ID: uuid.New().String(), AgentID: agent.ID, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))
	return agent, sess
}

func textTurn(role Role, text string) *TurnPayload {
	return &TurnPayload{Role: role, Modality: ModalityText, Text: text}
}

func TestStore_AppendTurnAssignsContiguousSeq(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		for i, text := range []string{"Hello", "Hi there", "What is 2+2?", "4"} {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			turn, err := s.AppendTurn(ctx, sess.ID, textTurn(role, text))
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), turn.Seq)
			assert.NotEmpty(t, turn.ID)
		}

		turns, err := s.ReadTurns(ctx, sess.ID, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, turns, 4)
		assert.Equal(t, "Hello", turns[0].Text)
		assert.Equal(t, RoleAssistant, turns[3].Role)
		assert.Equal(t, "4", turns[3].Text)
	})
}

func TestStore_ConcurrentAppendsStayGapless(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "msg"))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		turns, err := s.ReadTurns(ctx, sess.ID, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, turns, n)
		for i, turn := range turns {
			assert.Equal(t, int64(i+1), turn.Seq)
		}
	})
}

func TestStore_AppendToClosedSessionLeavesLogUnchanged(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "before close"))
		require.NoError(t, err)

		closed, err := s.CloseSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionClosed, closed.Status)

		_, err = s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "after close"))
		assert.ErrorIs(t, err, ErrSessionClosed)

		turns, err := s.ReadTurns(ctx, sess.ID, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, "before close", turns[0].Text)
	})
}

func TestStore_AppendToUnknownSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.AppendTurn(context.Background(), "missing", textTurn(RoleUser, "hi"))
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendRejectsInvalidPayload(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		tests := []struct {
			name    string
			payload *TurnPayload
		}{
			{"nil", nil},
			{"empty text", textTurn(RoleUser, "   ")},
			{"bad role", &TurnPayload{Role: "system", Modality: ModalityText, Text: "x"}},
			{"bad modality", &TurnPayload{Role: RoleUser, Modality: "video", Text: "x"}},
		}
		for _, tt := range tests {
			_, err := s.AppendTurn(ctx, sess.ID, tt.payload)
			assert.ErrorIs(t, err, ErrInvalidTurn, tt.name)
		}

		turns, err := s.ReadTurns(ctx, sess.ID, ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestStore_ReadTurnsWindow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)
		for i := 0; i < 6; i++ {
			_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "t"))
			require.NoError(t, err)
		}

		page, err := s.ReadTurns(ctx, sess.ID, ReadOptions{AfterSeq: 2, Limit: 3})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, int64(3), page[0].Seq)
		assert.Equal(t, int64(5), page[2].Seq)

		bounded, err := s.ReadTurns(ctx, sess.ID, ReadOptions{UpToSeq: 4})
		require.NoError(t, err)
		require.Len(t, bounded, 4)
		assert.Equal(t, int64(4), bounded[3].Seq)
	})
}

func TestStore_TurnsIteratorIsRestartable(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)
		for i := 0; i < 7; i++ {
			_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "t"))
			require.NoError(t, err)
		}

		seq := s.Turns(ctx, sess.ID, 0, 3)
		collect := func() []int64 {
			var out []int64
			for turn, err := range seq {
				require.NoError(t, err)
				out = append(out, turn.Seq)
			}
			return out
		}
		want := []int64{1, 2, 3, 4, 5, 6, 7}
		assert.Equal(t, want, collect())
		assert.Equal(t, want, collect())

		var upTo []int64
		for turn, err := range s.Turns(ctx, sess.ID, 5, 2) {
			require.NoError(t, err)
			upTo = append(upTo, turn.Seq)
		}
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, upTo)
	})
}

func TestStore_TurnsIteratorStopsEarly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)
		for i := 0; i < 5; i++ {
			_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "t"))
			require.NoError(t, err)
		}

		count := 0
		for range s.Turns(ctx, sess.ID, 0, 2) {
			count++
			if count == 3 {
				break
			}
		}
		assert.Equal(t, 3, count)
	})
}

type failingReader struct{}

func (failingReader) ReadTurns(context.Context, string, ReadOptions) ([]*Turn, error) {
	return nil, errors.New("disk gone")
}

func TestTurns_YieldsReadError(t *testing.T) {
	var got error
	for _, err := range Turns(context.Background(), failingReader{}, "s", 0, 0) {
		got = err
	}
	assert.EqualError(t, got, "disk gone")
}

func TestStore_FindTurnByRequest(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		user := textTurn(RoleUser, "hi")
		user.RequestID = "req-1"
		appended, err := s.AppendTurn(ctx, sess.ID, user)
		require.NoError(t, err)

		found, err := s.FindTurnByRequest(ctx, sess.ID, "req-1", RoleUser)
		require.NoError(t, err)
		assert.Equal(t, appended.ID, found.ID)
		assert.Equal(t, "req-1", found.RequestID)

		_, err = s.FindTurnByRequest(ctx, sess.ID, "req-1", RoleAssistant)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_LeaseExclusivity(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		lease, err := s.AcquireLease(ctx, sess.ID, "owner-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "owner-a", lease.Owner)

		_, err = s.AcquireLease(ctx, sess.ID, "owner-b", time.Minute)
		assert.ErrorIs(t, err, ErrLeaseHeld)

		// Renewal by the holder succeeds
		_, err = s.AcquireLease(ctx, sess.ID, "owner-a", time.Minute)
		require.NoError(t, err)

		// Release by a non-holder is ignored
		require.NoError(t, s.ReleaseLease(ctx, sess.ID, "owner-b"))
		_, err = s.AcquireLease(ctx, sess.ID, "owner-b", time.Minute)
		assert.ErrorIs(t, err, ErrLeaseHeld)

		require.NoError(t, s.ReleaseLease(ctx, sess.ID, "owner-a"))
		_, err = s.AcquireLease(ctx, sess.ID, "owner-b", time.Minute)
		require.NoError(t, err)
	})
}

func TestStore_ExpiredLeaseIsTakenOver(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		_, err := s.AcquireLease(ctx, sess.ID, "crashed-worker", time.Millisecond)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)

		lease, err := s.AcquireLease(ctx, sess.ID, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "owner-b", lease.Owner)
	})
}

func TestStore_LeaseUnknownSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.AcquireLease(context.Background(), "missing", "owner", time.Minute)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestStore_SessionNamingAndListing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		agent, first := seedSession(t, s)
		assert.Equal(t, "Chat 1", first.Name)

		now := time.Now().UTC().Add(time.Second)
		second := &Session{ID: uuid.New().String(), AgentID: agent.ID, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateSession(ctx, second))
		assert.Equal(t, "Chat 2", second.Name)
		assert.Equal(t, SessionActive, second.Status)

		named := &Session{ID: uuid.New().String(), AgentID: agent.ID, Name: "Planning", CreatedAt: now.Add(time.Second), UpdatedAt: now}
		require.NoError(t, s.CreateSession(ctx, named))

		sessions, err := s.ListSessions(ctx, agent.ID)
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, first.ID, sessions[0].ID)
		assert.Equal(t, "Planning", sessions[2].Name)

		renamed, err := s.RenameSession(ctx, first.ID, "Groceries")
		require.NoError(t, err)
		assert.Equal(t, "Groceries", renamed.Name)

		_, err = s.RenameSession(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CreateSessionUnknownAgent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		err := s.CreateSession(context.Background(), &Session{ID: "s1", AgentID: "nobody", CreatedAt: now, UpdatedAt: now})
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})
}

func TestStore_AgentCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		agent := &Agent{ID: "a1", Name: "Tutor", Instructions: "Teach.", Model: "gpt-4o-mini", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateAgent(ctx, agent))

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Tutor", got.Name)
		assert.Equal(t, "gpt-4o-mini", got.Model)

		newInstr := "Teach patiently."
		updated, err := s.UpdateAgent(ctx, "a1", AgentUpdate{Instructions: &newInstr})
		require.NoError(t, err)
		assert.Equal(t, "Tutor", updated.Name, "unset fields are preserved")
		assert.Equal(t, newInstr, updated.Instructions)

		_, err = s.UpdateAgent(ctx, "missing", AgentUpdate{Name: &newInstr})
		assert.ErrorIs(t, err, ErrNotFound)

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		assert.Len(t, agents, 1)

		require.NoError(t, s.DeleteAgent(ctx, "a1"))
		_, err = s.GetAgent(ctx, "a1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteAgent(ctx, "a1"), ErrNotFound)
	})
}

func TestStore_DeleteAgentWithSessionsRefused(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		agent, _ := seedSession(t, s)
		err := s.DeleteAgent(context.Background(), agent.ID)
		assert.ErrorIs(t, err, ErrAgentHasSessions)
	})
}

func TestStore_AudioRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, sess := seedSession(t, s)

		artifact := &AudioArtifact{SessionID: sess.ID, Format: "mp3", Data: []byte{0x49, 0x44, 0x33}}
		require.NoError(t, s.SaveAudio(ctx, artifact))
		require.NotEmpty(t, artifact.ID)

		got, err := s.GetAudio(ctx, artifact.ID)
		require.NoError(t, err)
		assert.Equal(t, "mp3", got.Format)
		assert.Equal(t, []byte{0x49, 0x44, 0x33}, got.Data)

		_, err = s.GetAudio(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		reply := &AudioArtifact{SessionID: sess.ID, TurnID: "turn-7", Format: "mp3", Data: []byte{7}}
		require.NoError(t, s.SaveAudio(ctx, reply))
		byTurn, err := s.FindAudioByTurn(ctx, "turn-7")
		require.NoError(t, err)
		assert.Equal(t, reply.ID, byTurn.ID)
		_, err = s.FindAudioByTurn(ctx, "turn-8")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.SaveAudio(ctx, &AudioArtifact{SessionID: "missing", Format: "mp3", Data: []byte{1}})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}
