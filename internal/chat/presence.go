package chat

import (
	"context"
	"sync"
	"time"

	"im-chat/internal/model"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"go.uber.org/zap"
)

// PresenceManager 发布本人的在线/输入状态
// 所有写入由单个发送协程完成，每次写入都读取最新状态，因此最后一次写入总是最新状态
type PresenceManager struct {
	self     uint
	store    Store
	interval time.Duration
	idle     time.Duration
	now      func() time.Time

	mu        sync.Mutex
	target    uint // 当前会话对象
	typing    bool
	typingGen uint64 // 每次按键或结束输入递增，过期的空闲回调据此失效
	idleTimer *time.Timer
	running   bool
	stopped   bool

	kick   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPresenceManager 创建在线状态管理器
func NewPresenceManager(self uint, store Store, opts Options) *PresenceManager {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceManager{
		self:     self,
		store:    store,
		interval: opts.HeartbeatInterval,
		idle:     opts.TypingIdle,
		now:      opts.Now,
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动心跳，立即发送一次
func (p *PresenceManager) Start() {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run()
	p.trigger()
}

// KeyPress 记录一次按键：进入输入状态并重新计时
func (p *PresenceManager) KeyPress() {
	p.mu.Lock()
	started := !p.typing
	p.typing = true
	p.typingGen++
	gen := p.typingGen
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.idle, func() { p.idleExpired(gen) })
	p.mu.Unlock()

	if started {
		p.trigger()
	}
}

// StopTyping 结束输入状态
func (p *PresenceManager) StopTyping() {
	p.mu.Lock()
	was := p.typing
	p.endTypingLocked()
	p.mu.Unlock()

	if was {
		p.trigger()
	}
}

// idleExpired 空闲计时到期；期间有新的按键时 gen 已过期，什么都不做
// Timer.Stop 无法撤回已经开始执行的回调，所以需要比较 gen
func (p *PresenceManager) idleExpired(gen uint64) {
	p.mu.Lock()
	if gen != p.typingGen || !p.typing {
		p.mu.Unlock()
		return
	}
	p.endTypingLocked()
	p.mu.Unlock()

	p.trigger()
}

func (p *PresenceManager) endTypingLocked() {
	p.typing = false
	p.typingGen++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// SetTarget 切换会话对象，结束输入状态并立即发送
func (p *PresenceManager) SetTarget(target uint) {
	p.mu.Lock()
	p.target = target
	p.endTypingLocked()
	p.mu.Unlock()

	p.trigger()
}

// Typing 当前是否处于输入状态
func (p *PresenceManager) Typing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Stop 停止心跳并尽力发送一次离线状态，不保证送达
func (p *PresenceManager) Stop(ctx context.Context) {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.stopped = true
	p.endTypingLocked()
	p.mu.Unlock()

	if !wasRunning {
		p.cancel()
		return
	}
	close(p.quit)
	p.cancel()
	<-p.done

	offline := model.Presence{UserID: p.self, Online: false, LastHeartbeat: p.now()}
	if err := p.store.UpsertPresence(ctx, p.self, &offline); err != nil {
		logger.Debug("离线状态发送失败", zap.Uint("user_id", p.self), zap.Error(err))
	}
}

// current 当前应写入的状态
func (p *PresenceManager) current() model.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := model.Presence{UserID: p.self, Online: true, LastHeartbeat: p.now()}
	if p.typing && p.target != 0 {
		target := p.target
		st.TypingTo = &target
	}
	return st
}

func (p *PresenceManager) trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *PresenceManager) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.emit()
		case <-p.kick:
			p.emit()
		}
	}
}

// emit 写入一次心跳，失败只记录，下一次心跳照常进行
func (p *PresenceManager) emit() {
	st := p.current()
	if err := p.store.UpsertPresence(p.ctx, p.self, &st); err != nil {
		metrics.HeartbeatFailures.Inc()
		logger.Warn("在线心跳写入失败", zap.Uint("user_id", p.self), zap.Error(err))
	}
}
