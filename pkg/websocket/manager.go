package websocket

import (
	"sort"
	"sync"

	"im-chat/pkg/metrics"

	"github.com/gorilla/websocket"
)

// Client 代表一个WebSocket连接
// 同一用户可以有多个连接（多端登录），每个连接持有独立的聊天会话
type Client struct {
	ID     string
	UserID uint
	Conn   *websocket.Conn
	Send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, userID uint, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Push 非阻塞推送，缓冲已满或连接已关闭时返回 false
func (c *Client) Push(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close 通知写协程退出，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done 连接关闭信号
func (c *Client) Done() <-chan struct{} { return c.done }

// Manager 管理所有在线连接，并发安全
type Manager struct {
	clients map[uint]map[string]*Client
	lock    sync.RWMutex
}

// NewManager 创建连接管理器
func NewManager() *Manager {
	return &Manager{clients: make(map[uint]map[string]*Client)}
}

// AddClient 添加新连接
func (m *Manager) AddClient(client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	conns, ok := m.clients[client.UserID]
	if !ok {
		conns = make(map[string]*Client)
		m.clients[client.UserID] = conns
	}
	conns[client.ID] = client
	metrics.WebsocketConnections.Inc()
}

// RemoveClient 移除连接
func (m *Manager) RemoveClient(client *Client) {
	m.lock.Lock()
	defer m.lock.Unlock()
	conns, ok := m.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client.ID]; !ok {
		return
	}
	delete(conns, client.ID)
	if len(conns) == 0 {
		delete(m.clients, client.UserID)
	}
	client.Close()
	metrics.WebsocketConnections.Dec()
}

// SendToUser 推送给用户的全部连接，返回成功推送的连接数
func (m *Manager) SendToUser(userID uint, msg []byte) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	n := 0
	for _, c := range m.clients[userID] {
		if c.Push(msg) {
			n++
		}
	}
	return n
}

// IsConnected 用户在本实例是否有连接
func (m *Manager) IsConnected(userID uint) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.clients[userID]) > 0
}

// ConnectionCount 用户在本实例的连接数
func (m *Manager) ConnectionCount(userID uint) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.clients[userID])
}

// ConnectedUsers 本实例有连接的用户（升序）
func (m *Manager) ConnectedUsers() []uint {
	m.lock.RLock()
	ids := make([]uint, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.lock.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll 关闭全部连接，服务关闭时调用
func (m *Manager) CloseAll() {
	m.lock.RLock()
	var all []*Client
	for _, conns := range m.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	m.lock.RUnlock()
	for _, c := range all {
		c.Close()
	}
}
