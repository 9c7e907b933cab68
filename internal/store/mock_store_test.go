// ABOUTME: Unit tests for MockStore specifics not shared with SQLiteStore
// ABOUTME: Covers injected append failures and copy-on-read isolation

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FailAppend(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	_, sess := seedSession(t, s)

	boom := errors.New("disk full")
	s.FailAppend(RoleAssistant, boom)

	_, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "hi"))
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, sess.ID, textTurn(RoleAssistant, "hello"))
	assert.ErrorIs(t, err, boom)

	s.FailAppend(RoleAssistant, nil)
	turn, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleAssistant, "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), turn.Seq, "failed append must not consume a sequence number")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	_, sess := seedSession(t, s)

	turn, err := s.AppendTurn(ctx, sess.ID, textTurn(RoleUser, "original"))
	require.NoError(t, err)
	turn.Text = "mutated"

	turns, err := s.ReadTurns(ctx, sess.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "original", turns[0].Text)
}
