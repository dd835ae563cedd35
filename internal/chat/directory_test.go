package chat

import (
	"context"
	"testing"
	"time"

	"im-chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	self := uint(1)
	typingTo := self

	entries := Project(DirectoryInput{
		Self: self,
		Stats: []model.ConversationStat{
			{CounterpartID: 4, Unread: 0, LastActivity: now.Add(-time.Hour)},
			{CounterpartID: 3, Unread: 2, LastActivity: now},
			{CounterpartID: 2, Unread: 1, LastActivity: now},
			{CounterpartID: self, Unread: 9, LastActivity: now},
		},
		Presence: map[uint]model.Presence{
			2: {UserID: 2, Online: true, LastHeartbeat: now.Add(-10 * time.Second), TypingTo: &typingTo},
			3: {UserID: 3, Online: true, LastHeartbeat: now.Add(-2 * time.Minute)},
		},
		Blocked:    map[uint]struct{}{4: {}, 99: {}},
		Extra:      []uint{5, self},
		Now:        now,
		StaleAfter: time.Minute,
	})

	ids := make([]uint, len(entries))
	for i, e := range entries {
		ids[i] = e.CounterpartID
	}
	assert.Equal(t, []uint{2, 3, 4, 5, 99}, ids)

	assert.True(t, entries[0].Online)
	assert.True(t, entries[0].Typing)
	assert.Equal(t, 1, entries[0].Unread)
	assert.False(t, entries[1].Online, "stale heartbeat")
	assert.True(t, entries[2].Blocked)
	assert.Zero(t, entries[3].Unread)
	assert.True(t, entries[3].LastActivity.IsZero())
	assert.False(t, entries[3].Blocked)
	assert.True(t, entries[4].Blocked, "blocked without history still listed")
	assert.True(t, entries[4].LastActivity.IsZero())
}

func TestLoadDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.users["alice"], h.users["bob"], h.users["carol"]

	require.NoError(t, h.store.CreateMessage(ctx, bob, &model.Message{ReceiverID: alice, Body: "one"}))
	h.clock.Advance(time.Second)
	require.NoError(t, h.store.CreateMessage(ctx, bob, &model.Message{ReceiverID: alice, Body: "two"}))
	h.clock.Advance(time.Second)
	require.NoError(t, h.store.CreateMessage(ctx, alice, &model.Message{ReceiverID: carol, Body: "three"}))
	require.NoError(t, h.store.Block(ctx, alice, bob))

	entries, err := LoadDirectory(ctx, h.store, alice, h.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, carol, entries[0].CounterpartID)
	assert.Zero(t, entries[0].Unread)
	assert.Equal(t, bob, entries[1].CounterpartID)
	assert.Equal(t, 2, entries[1].Unread)
	assert.True(t, entries[1].Blocked)
}

func TestLoadDirectoryListsBlockedWithoutHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, bob, carol := h.users["alice"], h.users["bob"], h.users["carol"]

	require.NoError(t, h.store.CreateMessage(ctx, bob, &model.Message{ReceiverID: alice, Body: "hi"}))
	require.NoError(t, h.store.Block(ctx, alice, carol))

	entries, err := LoadDirectory(ctx, h.store, alice, h.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, bob, entries[0].CounterpartID)
	assert.False(t, entries[0].Blocked)
	assert.Equal(t, carol, entries[1].CounterpartID)
	assert.True(t, entries[1].Blocked)
	assert.Zero(t, entries[1].Unread)
	assert.True(t, entries[1].LastActivity.IsZero())

	s := h.session("alice", nil, nil)
	e, ok := directoryEntry(s, carol)
	require.True(t, ok)
	assert.True(t, e.Blocked)
}
