package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"im-chat/internal/feed"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope 频道中传输的事件，node 用于跳过本实例发出的消息
type envelope struct {
	Node  string     `json:"node"`
	Event feed.Event `json:"event"`
}

// FeedRelay 通过 Redis 频道在多个实例之间转发变更事件
// 本实例的事件先投递给本地总线，再广播给其他实例
type FeedRelay struct {
	client  *redis.Client
	channel string
	bus     *feed.Bus
	node    string
}

// NewFeedRelay 创建转发器
func NewFeedRelay(client *redis.Client, channel string, bus *feed.Bus) *FeedRelay {
	return &FeedRelay{client: client, channel: channel, bus: bus, node: uuid.NewString()}
}

// Node 本实例标识
func (r *FeedRelay) Node() string { return r.node }

// Publish 投递到本地总线并广播，广播失败时返回错误，本地订阅者不受影响
func (r *FeedRelay) Publish(ctx context.Context, ev feed.Event) error {
	if err := r.bus.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := r.encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.FeedEventsDropped.WithLabelValues(ev.Table).Inc()
		return fmt.Errorf("redis publish %s: %w", ev.Table, err)
	}
	return nil
}

func (r *FeedRelay) encode(ev feed.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Node: r.node, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}
	return data, nil
}

// handle 处理频道消息，返回是否投递到本地总线
func (r *FeedRelay) handle(ctx context.Context, payload string) (bool, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return false, fmt.Errorf("decode relay envelope: %w", err)
	}
	if env.Node == r.node || env.Event.Table == "" {
		return false, nil
	}
	if err := r.bus.Publish(ctx, env.Event); err != nil {
		return false, err
	}
	return true, nil
}

// Run 订阅频道直到 ctx 结束
// 连接断开期间其他实例的事件会丢失，重新订阅成功后通知本地订阅者全量同步
func (r *FeedRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	confirmed := 0
	backoff := 100 * time.Millisecond
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Redis 订阅接收失败", zap.String("channel", r.channel), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			confirmed++
			if confirmed > 1 {
				logger.Info("Redis 订阅已恢复，通知全量同步", zap.String("channel", r.channel))
				r.bus.Reconnected()
			}
		case *redis.Message:
			if _, err := r.handle(ctx, m.Payload); err != nil {
				logger.Warn("转发变更事件失败", zap.String("channel", r.channel), zap.Error(err))
			}
		}
	}
}
