package websocket

import (
	"context"
	"encoding/json"
	"time"

	"im-chat/internal/chat"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/logger"
	"im-chat/pkg/response"

	"go.uber.org/zap"
)

// command 客户端指令
//
//	{"type":"select","user_id":2}
//	{"type":"send","user_id":2,"body":"hi","ttl_seconds":60}
//	{"type":"react","message_id":9,"emoji":"👍"}
//	{"type":"delete","message_id":9}
//	{"type":"block","user_id":2} / {"type":"unblock","user_id":2}
//	{"type":"report","user_id":2,"reason":"spam","detail":"..."}
//	{"type":"typing"} / {"type":"stop_typing"} / {"type":"heartbeat"}
type command struct {
	Type       string `json:"type"`
	Ref        string `json:"ref,omitempty"` // 客户端自定义，原样出现在 ack 中
	UserID     uint   `json:"user_id,omitempty"`
	MessageID  uint   `json:"message_id,omitempty"`
	Body       string `json:"body,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	Emoji      string `json:"emoji,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type frame map[string]interface{}

func encodeFrame(f frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("编码推送消息失败", zap.Error(err))
		return []byte(`{"type":"error","kind":"internal"}`)
	}
	return data
}

func errorFrame(err error) frame {
	return frame{"type": "error", "kind": apperrors.KindOf(err), "message": err.Error()}
}

// dispatch 执行指令；失败时会话已经推送了错误通知
func (h *Handler) dispatch(ctx context.Context, s *chat.Session, cmd command) (interface{}, error) {
	switch cmd.Type {
	case "select":
		return nil, s.Select(ctx, cmd.UserID)
	case "send":
		var opts []chat.SendOption
		if cmd.TTLSeconds > 0 {
			opts = append(opts, chat.WithTTL(time.Duration(cmd.TTLSeconds)*time.Second))
		}
		msg, err := s.Send(ctx, cmd.UserID, cmd.Body, opts...)
		if err != nil {
			return nil, err
		}
		return response.FilterMessageInfo(msg, nil), nil
	case "react":
		if err := s.React(ctx, cmd.MessageID, cmd.Emoji); err != nil {
			return nil, err
		}
		return s.Reactions(cmd.MessageID), nil
	case "delete":
		return nil, s.Delete(ctx, cmd.MessageID)
	case "block":
		return nil, s.Block(ctx, cmd.UserID)
	case "unblock":
		return nil, s.Unblock(ctx, cmd.UserID)
	case "report":
		return s.Report(ctx, cmd.UserID, cmd.Reason, cmd.Detail)
	case "typing":
		s.KeyPress()
		return nil, nil
	case "stop_typing":
		s.StopTyping()
		return nil, nil
	case "heartbeat":
		s.Heartbeat()
		return nil, nil
	}
	return nil, apperrors.Validation("unknown command %q", cmd.Type)
}

var allKinds = []chat.UpdateKind{
	chat.UpdateTranscript,
	chat.UpdateReactions,
	chat.UpdateDirectory,
	chat.UpdatePresence,
	chat.UpdateBlocks,
}

// snapshot 按变化类别生成推送快照；表情变化合并到消息快照
func snapshot(s *chat.Session, kind chat.UpdateKind) frame {
	switch kind {
	case chat.UpdateTranscript:
		state := s.State()
		views := s.Transcript()
		msgs := make([]*response.MessageResponse, 0, len(views))
		for i := range views {
			msgs = append(msgs, response.FilterMessageInfo(&views[i].Message, views[i].Reactions))
		}
		f := frame{"type": "transcript", "counterpart": state.Counterpart, "synced": state.Synced, "messages": msgs}
		if state.LoadError != "" {
			f["load_error"] = state.LoadError
		}
		return f
	case chat.UpdateReactions:
		return snapshot(s, chat.UpdateTranscript)
	case chat.UpdateDirectory, chat.UpdatePresence:
		return frame{"type": "directory", "conversations": response.FilterConversations(s.Directory())}
	case chat.UpdateBlocks:
		return frame{"type": "blocks", "blocked": s.Blocked()}
	}
	return nil
}
