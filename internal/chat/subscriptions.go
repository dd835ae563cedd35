package chat

import (
	"io"
	"sort"
	"sync"
)

// Subscriptions 持有命名的变更订阅句柄
// 同名替换会先关闭旧句柄；全部关闭按名称顺序执行
type Subscriptions struct {
	mu       sync.Mutex
	handles  map[string]io.Closer
	shutdown bool
}

// NewSubscriptions 创建订阅管理器
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{handles: make(map[string]io.Closer)}
}

// Replace 以 name 登记句柄，旧句柄被关闭；管理器已关闭时立即关闭 c
func (s *Subscriptions) Replace(name string, c io.Closer) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	old := s.handles[name]
	s.handles[name] = c
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Close 关闭单个句柄
func (s *Subscriptions) Close(name string) {
	s.mu.Lock()
	c := s.handles[name]
	delete(s.handles, name)
	s.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// CloseAll 关闭全部句柄，之后仍可重新登记
func (s *Subscriptions) CloseAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]io.Closer)
	s.mu.Unlock()

	names := make([]string, 0, len(handles))
	for name := range handles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_ = handles[name].Close()
	}
}

// Shutdown 关闭全部句柄并拒绝之后的登记，可重复调用
func (s *Subscriptions) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.CloseAll()
}

// Names 当前持有的句柄名称（已排序）
func (s *Subscriptions) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
