package chat

import (
	"context"
	"errors"
	"sync"
)

// errLoopStopped 会话已关闭
var errLoopStopped = errors.New("chat session closed")

// updateLoop 单协程顺序执行的本地更新路径
type updateLoop struct {
	actions chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newUpdateLoop(buffer int) *updateLoop {
	l := &updateLoop{
		actions: make(chan func(), buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *updateLoop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.actions:
			fn()
		}
	}
}

// post 排队执行 fn，不等待结果；会话关闭后返回 false
func (l *updateLoop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.actions <- fn:
		return true
	case <-l.done:
		return false
	}
}

// do 排队执行 fn 并等待其返回
// 不能在更新协程内部调用
func (l *updateLoop) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.post(func() { result <- fn() }) {
		return errLoopStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return errLoopStopped
	}
}

// stop 停止更新协程并等待当前动作结束，可重复调用
func (l *updateLoop) stop() {
	l.once.Do(func() { close(l.done) })
	<-l.stopped
}
