package service

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"im-chat/config"
	"im-chat/internal/chat"
	"im-chat/internal/model"
	"im-chat/internal/repository"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/db"
	"im-chat/pkg/jwt"
	"im-chat/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	users *UserService
	chat  *ChatService
	now   time.Time
	ids   map[string]uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orm, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, orm.AutoMigrate(model.All()...))
	t.Cleanup(func() {
		if sqlDB, err := orm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC), ids: map[string]uint{}}
	clock := func() time.Time { return f.now }
	store := repository.NewStore(orm, nil, repository.WithClock(clock))
	objects, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "objects"), "/objects")
	require.NoError(t, err)

	opts := chat.DefaultOptions()
	opts.Now = clock
	jwtSvc := jwt.NewJWTService(config.JWTConfig{Secret: "service-test-secret", ExpireTime: time.Hour, Issuer: "im-chat"})
	f.users = NewUserService(repository.NewUserRepository(orm), jwtSvc)
	f.chat = NewChatService(store, objects, opts)

	for _, name := range []string{"alice", "bob"} {
		u, token, err := f.users.Register(context.Background(), name, name+"@example.com", "secret-"+name)
		require.NoError(t, err)
		require.NotEmpty(t, token)
		f.ids[name] = u.ID
	}
	return f
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.users.Register(ctx, "alice", "other@example.com", "pw")
	assert.True(t, apperrors.IsValidation(err), "duplicate username")

	u, token, err := f.users.Login(ctx, "bob@example.com", "secret-bob")
	require.NoError(t, err)
	assert.Equal(t, f.ids["bob"], u.ID)
	assert.NotEmpty(t, token)

	_, _, err = f.users.Login(ctx, "bob", "wrong")
	assert.True(t, apperrors.IsDenied(err))
	_, _, err = f.users.Login(ctx, "nobody", "x")
	assert.True(t, apperrors.IsDenied(err))

	_, err = f.users.Profile(ctx, 999)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSendConversationAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	_, err := f.chat.Send(ctx, alice, SendInput{To: 999, Body: "hi"})
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.chat.Send(ctx, alice, SendInput{To: bob})
	assert.True(t, apperrors.IsValidation(err))

	msg, err := f.chat.Send(ctx, alice, SendInput{To: bob, Body: "hello"})
	require.NoError(t, err)

	dir, err := f.chat.Directory(ctx, bob)
	require.NoError(t, err)
	require.Len(t, dir, 1)
	assert.Equal(t, 1, dir[0].Unread)

	n, err := f.chat.MarkRead(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	views, err := f.chat.Conversation(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, msg.ID, views[0].ID)
	assert.True(t, views[0].IsRead)
}

func TestDisappearingMessageHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	data := []byte("%PDF-1.4 secret")
	msg, err := f.chat.Send(ctx, alice, SendInput{To: bob, TTL: time.Minute, Upload: &chat.Upload{Name: "a.pdf", Size: int64(len(data)), Reader: bytes.NewReader(data)}})
	require.NoError(t, err)

	_, rc, err := f.chat.OpenAttachment(ctx, bob, msg.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	f.now = f.now.Add(2 * time.Minute)
	views, err := f.chat.Conversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.Empty(t, views)
	_, _, err = f.chat.OpenAttachment(ctx, bob, msg.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestToggleReaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	msg, err := f.chat.Send(ctx, alice, SendInput{To: bob, Body: "vote"})
	require.NoError(t, err)

	sum, err := f.chat.ToggleReaction(ctx, bob, msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []chat.ReactionSummary{{Emoji: "👍", Count: 1, Mine: true}}, sum)

	sum, err = f.chat.ToggleReaction(ctx, alice, msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []chat.ReactionSummary{{Emoji: "👍", Count: 2, Mine: true}}, sum)

	sum, err = f.chat.ToggleReaction(ctx, bob, msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []chat.ReactionSummary{{Emoji: "👍", Count: 1, Mine: false}}, sum)
}

func TestBlockAndReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	require.NoError(t, f.chat.Block(ctx, bob, alice))
	_, err := f.chat.Send(ctx, alice, SendInput{To: bob, Body: "hi"})
	assert.True(t, apperrors.IsDenied(err))

	blocks, err := f.chat.Blocks(ctx, bob)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, alice, blocks[0].BlockedID)

	require.NoError(t, f.chat.Unblock(ctx, bob, alice))
	_, err = f.chat.Send(ctx, alice, SendInput{To: bob, Body: "hi again"})
	require.NoError(t, err)

	_, err = f.chat.Report(ctx, bob, alice, "bogus", "")
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.chat.Report(ctx, bob, alice, "harassment", "keeps messaging")
	require.NoError(t, err)
	reports, err := f.chat.Reports(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestDeleteRemovesAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	data := []byte("plain text file")
	msg, err := f.chat.Send(ctx, alice, SendInput{To: bob, Upload: &chat.Upload{Name: "notes.txt", Size: int64(len(data)), Reader: bytes.NewReader(data)}})
	require.NoError(t, err)

	assert.True(t, apperrors.IsDenied(f.chat.Delete(ctx, bob, msg.ID)))
	require.NoError(t, f.chat.Delete(ctx, alice, msg.ID))
	_, _, err = f.chat.OpenAttachment(ctx, alice, msg.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestHeartbeatPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.ids["alice"], f.ids["bob"]

	require.NoError(t, f.chat.Heartbeat(ctx, alice, bob))
	list, err := f.chat.Presence(ctx, bob, []uint{alice})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].OnlineAt(f.now, time.Minute))
	assert.True(t, list[0].TypingToAt(bob, f.now, time.Minute))
}
