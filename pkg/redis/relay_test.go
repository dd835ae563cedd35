package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"im-chat/config"
	"im-chat/internal/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []feed.Event
}

func (c *collector) listener() feed.Listener {
	return feed.Listener{OnEvent: func(ev feed.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
		return nil
	}}
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// unreachable 指向无人监听的端口
func unreachable() config.RedisConfig {
	return config.RedisConfig{Host: "127.0.0.1", Port: 1}
}

func TestRelaySkipsOwnNode(t *testing.T) {
	bus := feed.NewBus(16)
	defer bus.Close()
	c := &collector{}
	sub := bus.Subscribe(feed.TableMessage, c.listener())
	defer sub.Close()

	client := NewClient(unreachable())
	defer client.Close()
	relay := NewFeedRelay(client, "test", bus)
	other := NewFeedRelay(client, "test", bus)

	ev, err := feed.NewEvent(feed.TableMessage, feed.OpInsert, feed.MessageRef{ID: 1, SenderID: 2, ReceiverID: 3})
	require.NoError(t, err)

	own, err := relay.encode(ev)
	require.NoError(t, err)
	delivered, err := relay.handle(context.Background(), string(own))
	require.NoError(t, err)
	assert.False(t, delivered)

	foreign, err := other.encode(ev)
	require.NoError(t, err)
	delivered, err = relay.handle(context.Background(), string(foreign))
	require.NoError(t, err)
	assert.True(t, delivered)
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	_, err = relay.handle(context.Background(), "not json")
	assert.Error(t, err)
}

func TestRelayPublishDeliversLocallyWhenRedisDown(t *testing.T) {
	bus := feed.NewBus(16)
	defer bus.Close()
	c := &collector{}
	sub := bus.Subscribe(feed.TableBlock, c.listener())
	defer sub.Close()

	client := NewClient(unreachable())
	defer client.Close()
	relay := NewFeedRelay(client, "test", bus)

	ev, err := feed.NewEvent(feed.TableBlock, feed.OpInsert, map[string]uint{"blocker_id": 1, "blocked_id": 2})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, relay.Publish(ctx, ev))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayRunStopsWithContext(t *testing.T) {
	bus := feed.NewBus(16)
	defer bus.Close()
	client := NewClient(unreachable())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewFeedRelay(client, "test", bus).Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not stop")
	}
}
