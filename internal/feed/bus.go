package feed

import (
	"context"
	"errors"
	"sync"

	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"go.uber.org/zap"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("feed bus closed")

// Bus 进程内变更总线
// 每个订阅拥有独立缓冲区和投递协程，发布方永不阻塞；缓冲区满时丢弃事件并通知该订阅重连
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus 创建总线，buffer 为每个订阅的缓冲事件数
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe 订阅指定表的变更
func (b *Bus) Subscribe(table string, l Listener) *Subscription {
	s := &Subscription{
		bus:    b,
		table:  table,
		l:      l,
		events: make(chan Event, b.buffer),
		gap:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		return s
	}
	if b.subs[table] == nil {
		b.subs[table] = make(map[*Subscription]struct{})
	}
	b.subs[table][s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish 将事件分发给该表的所有订阅
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	metrics.FeedEventsPublished.WithLabelValues(ev.Table, string(ev.Op)).Inc()
	for s := range b.subs[ev.Table] {
		select {
		case s.events <- ev:
		default:
			metrics.FeedEventsDropped.WithLabelValues(ev.Table).Inc()
			logger.Warn("订阅缓冲区已满，丢弃事件并触发重新同步",
				zap.String("table", ev.Table), zap.String("op", string(ev.Op)))
			s.signalGap()
		}
	}
	return nil
}

// Reconnected 通知所有订阅上游连接发生过中断
func (b *Bus) Reconnected() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, set := range b.subs {
		for s := range set {
			s.signalGap()
		}
	}
}

// Close 关闭总线及全部订阅
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.table]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.table)
		}
	}
}

// Subscription 一个订阅句柄
type Subscription struct {
	bus    *Bus
	table  string
	l      Listener
	events chan Event
	gap    chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Table 订阅的表名
func (s *Subscription) Table() string { return s.table }

// Close 取消订阅，可重复调用
func (s *Subscription) Close() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) signalGap() {
	select {
	case s.gap <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.gap:
			if s.l.OnReconnect != nil {
				s.dispatch("reconnect", func() error {
					s.l.OnReconnect()
					return nil
				})
			}
		case ev := <-s.events:
			if s.l.OnEvent != nil {
				s.dispatch(string(ev.Op), func() error { return s.l.OnEvent(ev) })
			}
		}
	}
}

// dispatch 执行回调，错误和 panic 只记录，订阅继续处理后续事件
func (s *Subscription) dispatch(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FeedHandlerErrors.WithLabelValues(s.table).Inc()
			logger.Error("变更事件处理发生panic",
				zap.String("table", s.table), zap.String("kind", kind), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		metrics.FeedHandlerErrors.WithLabelValues(s.table).Inc()
		logger.Warn("变更事件处理失败",
			zap.String("table", s.table), zap.String("kind", kind), zap.Error(err))
	}
}
