package chat

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"im-chat/internal/feed"
	"im-chat/internal/model"
	"im-chat/internal/repository"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/db"
	"im-chat/pkg/storage"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// faultyStore 包装真实存储，统计写入并按需注入失败
type faultyStore struct {
	Store

	mu        sync.Mutex
	creates   int
	statCalls int
	failList  bool
	failBlock bool
	failReact bool
}

func (f *faultyStore) CreateMessage(ctx context.Context, actor uint, msg *model.Message) error {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return f.Store.CreateMessage(ctx, actor, msg)
}

func (f *faultyStore) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *faultyStore) ConversationStats(ctx context.Context, actor uint, now time.Time) ([]model.ConversationStat, error) {
	f.mu.Lock()
	f.statCalls++
	f.mu.Unlock()
	return f.Store.ConversationStats(ctx, actor, now)
}

func (f *faultyStore) statCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statCalls
}

func (f *faultyStore) setFailList(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failList = v
}

func (f *faultyStore) ListConversation(ctx context.Context, actor, other uint) ([]model.Message, error) {
	f.mu.Lock()
	fail := f.failList
	f.mu.Unlock()
	if fail {
		return nil, apperrors.Transient("list conversation", errors.New("connection reset"))
	}
	return f.Store.ListConversation(ctx, actor, other)
}

func (f *faultyStore) Block(ctx context.Context, actor, target uint) error {
	f.mu.Lock()
	fail := f.failBlock
	f.mu.Unlock()
	if fail {
		return apperrors.Transient("block user", errors.New("connection reset"))
	}
	return f.Store.Block(ctx, actor, target)
}

func (f *faultyStore) AddReaction(ctx context.Context, actor, messageID uint, emoji string) (*model.Reaction, error) {
	f.mu.Lock()
	fail := f.failReact
	f.mu.Unlock()
	if fail {
		return nil, apperrors.Transient("add reaction", errors.New("connection reset"))
	}
	return f.Store.AddReaction(ctx, actor, messageID, emoji)
}

// countingObjects 统计对象存储调用
type countingObjects struct {
	ObjectStore
	mu   sync.Mutex
	puts int
}

func (c *countingObjects) Put(ctx context.Context, owner uint, key string, r io.Reader, size int64, mime string) (string, error) {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.ObjectStore.Put(ctx, owner, key, r, size, mime)
}

func (c *countingObjects) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	store   *repository.Store
	bus     *feed.Bus
	objects *storage.LocalStore
	clock   *fakeClock
	users   map[string]uint
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	orm, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, orm.AutoMigrate(model.All()...))

	h := &harness{
		t:     t,
		db:    orm,
		bus:   feed.NewBus(256),
		clock: newFakeClock(),
		users: map[string]uint{},
	}
	h.store = repository.NewStore(orm, h.bus, repository.WithClock(h.clock.Now))
	h.objects, err = storage.NewLocalStore(filepath.Join(t.TempDir(), "objects"), "/objects")
	require.NoError(t, err)

	t.Cleanup(func() {
		h.bus.Close()
		if sqlDB, err := orm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	users := repository.NewUserRepository(orm)
	for _, name := range []string{"alice", "bob", "carol"} {
		u := &model.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
		require.NoError(t, users.Create(context.Background(), u))
		h.users[name] = u.ID
	}
	return h
}

func (h *harness) options() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.TypingIdle = 50 * time.Millisecond
	opts.BlobDir = filepath.Join(h.t.TempDir(), "blobs")
	opts.DocumentProxyURL = "https://docs.example.com/view?url="
	opts.OfficeProxyURL = "https://office.example.com/embed?src="
	opts.Now = h.clock.Now
	return opts
}

func (h *harness) session(name string, store Store, objects ObjectStore) *Session {
	h.t.Helper()
	if store == nil {
		store = h.store
	}
	if objects == nil {
		objects = h.objects
	}
	s := NewSession(h.users[name], store, h.bus, objects, h.options())
	require.NoError(h.t, s.Start(context.Background()))
	h.t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func transcriptIDs(s *Session) []uint {
	views := s.Transcript()
	ids := make([]uint, len(views))
	for i, v := range views {
		ids[i] = v.ID
	}
	return ids
}

func directoryEntry(s *Session, counterpart uint) (DirectoryEntry, bool) {
	for _, e := range s.Directory() {
		if e.CounterpartID == counterpart {
			return e, true
		}
	}
	return DirectoryEntry{}, false
}

func drainNotification(t *testing.T, s *Session) Notification {
	t.Helper()
	select {
	case n := <-s.Notifications():
		return n
	case <-time.After(waitFor):
		t.Fatal("no notification")
		return Notification{}
	}
}

// newSilentStore 共享同一数据库但不发布变更事件
func newSilentStore(h *harness) *repository.Store {
	return repository.NewStore(h.db, nil, repository.WithClock(h.clock.Now))
}
