// Package feed 按表推送的行级变更通知
//
// 投递语义为至少一次且不保证无缺口：订阅者收到重连通知后必须全量重新同步。
package feed

import (
	"context"
	"encoding/json"
	"fmt"
)

// 表名，与 gorm 模型的 TableName 一致
const (
	TableMessage  = "message"
	TableReaction = "message_reaction"
	TableBlock    = "block_relation"
	TablePresence = "presence"
)

// Op 变更类型
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event 一条行级变更
// 消息的 insert/delete 只携带 id 与双方 id，订阅者需要回查完整行
type Event struct {
	Table string          `json:"table"`
	Op    Op              `json:"op"`
	Row   json.RawMessage `json:"row"`
}

// NewEvent 构造事件，row 序列化为 JSON
func NewEvent(table string, op Op, row interface{}) (Event, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s %s row: %w", table, op, err)
	}
	return Event{Table: table, Op: op, Row: data}, nil
}

// Decode 将行数据解码到 v
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Row, v); err != nil {
		return fmt.Errorf("decode %s %s row: %w", e.Table, e.Op, err)
	}
	return nil
}

// Publisher 变更事件发布者，存储层在写入成功后调用
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Listener 订阅回调
// OnEvent 返回的错误只记录日志，不会终止订阅
type Listener struct {
	OnEvent     func(Event) error
	OnReconnect func()
}

// Subscriber 可订阅的事件源
type Subscriber interface {
	Subscribe(table string, l Listener) *Subscription
}

// MessageRef 消息 insert/delete 事件携带的部分行
type MessageRef struct {
	ID         uint `json:"id"`
	SenderID   uint `json:"sender_id"`
	ReceiverID uint `json:"receiver_id"`
}
