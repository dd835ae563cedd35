package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"im-chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore 只记录在线状态写入
type recordingStore struct {
	Store
	mu     sync.Mutex
	writes []model.Presence
}

func (r *recordingStore) UpsertPresence(_ context.Context, _ uint, p *model.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, *p)
	return nil
}

func (r *recordingStore) last() (model.Presence, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return model.Presence{}, 0
	}
	return r.writes[len(r.writes)-1], len(r.writes)
}

func (r *recordingStore) sawTypingTo(target uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.writes {
		if typingTo(p, target) {
			return true
		}
	}
	return false
}

func presenceOptions() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.TypingIdle = 40 * time.Millisecond
	return opts
}

func typingTo(p model.Presence, target uint) bool {
	return p.TypingTo != nil && *p.TypingTo == target
}

func TestPresenceStartSendsHeartbeat(t *testing.T) {
	store := &recordingStore{}
	pm := NewPresenceManager(7, store, presenceOptions())
	pm.Start()
	defer pm.Stop(context.Background())

	require.Eventually(t, func() bool {
		p, n := store.last()
		return n >= 1 && p.Online && p.UserID == 7 && p.TypingTo == nil
	}, waitFor, tick)
}

func TestPresenceTypingDebounce(t *testing.T) {
	store := &recordingStore{}
	pm := NewPresenceManager(7, store, presenceOptions())
	pm.SetTarget(8)
	pm.Start()
	defer pm.Stop(context.Background())

	for i := 0; i < 5; i++ {
		pm.KeyPress()
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, pm.Typing())
	require.Eventually(t, func() bool { return store.sawTypingTo(8) }, waitFor, tick)

	// 停止按键后自动结束
	require.Eventually(t, func() bool {
		p, _ := store.last()
		return !pm.Typing() && p.Online && p.TypingTo == nil
	}, waitFor, tick)
}

func TestPresenceLateIdleCallbackIgnored(t *testing.T) {
	store := &recordingStore{}
	opts := presenceOptions()
	opts.TypingIdle = time.Hour
	pm := NewPresenceManager(7, store, opts)
	pm.SetTarget(8)

	pm.KeyPress()
	pm.mu.Lock()
	stale := pm.typingGen
	pm.mu.Unlock()
	pm.KeyPress()

	// 前一次按键的计时器在 Stop 之前已经触发
	pm.idleExpired(stale)
	assert.True(t, pm.Typing(), "fresh keypress keeps typing")

	pm.mu.Lock()
	current := pm.typingGen
	pm.mu.Unlock()
	pm.idleExpired(current)
	assert.False(t, pm.Typing())

	pm.KeyPress()
	pm.StopTyping()
	pm.idleExpired(current + 1)
	assert.False(t, pm.Typing())
	pm.Stop(context.Background())
}

func TestPresenceSetTargetEndsTyping(t *testing.T) {
	store := &recordingStore{}
	pm := NewPresenceManager(7, store, presenceOptions())
	pm.SetTarget(8)
	pm.Start()
	defer pm.Stop(context.Background())

	pm.KeyPress()
	require.Eventually(t, func() bool { return store.sawTypingTo(8) }, waitFor, tick)

	pm.SetTarget(9)
	assert.False(t, pm.Typing())
	require.Eventually(t, func() bool {
		p, _ := store.last()
		return p.TypingTo == nil
	}, waitFor, tick)
}

func TestPresenceStopSendsOffline(t *testing.T) {
	store := &recordingStore{}
	pm := NewPresenceManager(7, store, presenceOptions())
	pm.Start()
	require.Eventually(t, func() bool { _, n := store.last(); return n >= 1 }, waitFor, tick)

	pm.Stop(context.Background())
	p, n := store.last()
	assert.False(t, p.Online)

	pm.KeyPress()
	pm.Stop(context.Background())
	pm.Start()
	time.Sleep(20 * time.Millisecond)
	_, after := store.last()
	assert.Equal(t, n, after, "no writes after stop")
}

func TestPresenceStaleness(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	target := uint(2)
	p := model.Presence{UserID: 1, Online: true, LastHeartbeat: now, TypingTo: &target}

	assert.True(t, p.OnlineAt(now.Add(59*time.Second), time.Minute))
	assert.True(t, p.TypingToAt(2, now.Add(59*time.Second), time.Minute))
	assert.False(t, p.TypingToAt(3, now, time.Minute))
	assert.False(t, p.OnlineAt(now.Add(61*time.Second), time.Minute))
	assert.False(t, p.TypingToAt(2, now.Add(61*time.Second), time.Minute))
}
