package response

import (
	"errors"
	"net/http"
	"time"

	"im-chat/internal/chat"
	"im-chat/internal/model"
	"im-chat/pkg/apperrors"

	"github.com/gin-gonic/gin"
)

const timeLayout = "2006-01-02 15:04:05"

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`            // 状态码：0表示成功，其他表示错误
	Message string      `json:"message"`         // 响应消息
	Kind    string      `json:"kind,omitempty"`  // 错误类别
	Data    interface{} `json:"data,omitempty"`  // 响应数据
	Error   string      `json:"error,omitempty"` // 错误详情（仅在开发环境显示）
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// 错误类别到业务码的映射
var kindCodes = map[apperrors.Kind]int{
	apperrors.KindValidation: 400,
	apperrors.KindDenied:     403,
	apperrors.KindNotFound:   404,
	apperrors.KindConflict:   409,
	apperrors.KindTransient:  503,
}

// CodeOf 错误对应的业务码，未分类错误为 500
func CodeOf(err error) int {
	if code, ok := kindCodes[apperrors.KindOf(err)]; ok {
		return code
	}
	return 500
}

// FromError 按错误类别响应；未分类错误只返回通用提示，详情仅在开发环境显示
func FromError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	resp := Response{Code: CodeOf(err), Kind: string(kind)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && kind != apperrors.KindTransient {
		resp.Message = appErr.Error()
	} else {
		resp.Message = "服务暂时不可用，请稍后重试"
	}
	if gin.Mode() == gin.DebugMode && err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	Error(c, 400, message)
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, message)
}

// Forbidden 403错误
func Forbidden(c *gin.Context, message string) {
	Error(c, 403, message)
}

// NotFound 404错误
func NotFound(c *gin.Context, message string) {
	Error(c, 404, message)
}

// InternalError 500错误
func InternalError(c *gin.Context, message string) {
	Error(c, 500, message)
}

// UserInfo 用户信息（隐藏敏感字段）
type UserInfo struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	CreatedAt string `json:"created_at"`
}

// FilterUserInfo 过滤用户信息，隐藏敏感字段
func FilterUserInfo(user *model.User) *UserInfo {
	if user == nil {
		return nil
	}
	return &UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Nickname:  user.Nickname,
		Avatar:    user.Avatar,
		CreatedAt: user.CreatedAt.Format(timeLayout),
	}
}

// LoginResponse 登录/注册响应
type LoginResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}

// AttachmentInfo 附件元数据
type AttachmentInfo struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Kind string `json:"kind"`
}

// MessageResponse 消息响应
type MessageResponse struct {
	ID         uint                   `json:"id"`
	SenderID   uint                   `json:"sender_id"`
	ReceiverID uint                   `json:"receiver_id"`
	Body       string                 `json:"body"`
	Attachment *AttachmentInfo        `json:"attachment,omitempty"`
	IsRead     bool                   `json:"is_read"`
	ExpiresAt  string                 `json:"expires_at,omitempty"`
	Reactions  []chat.ReactionSummary `json:"reactions,omitempty"`
	CreatedAt  string                 `json:"created_at"`
}

// FilterMessageInfo 转换消息，reactions 可为空
func FilterMessageInfo(message *model.Message, reactions []chat.ReactionSummary) *MessageResponse {
	if message == nil {
		return nil
	}
	resp := &MessageResponse{
		ID:         message.ID,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Body:       message.Body,
		IsRead:     message.IsRead,
		Reactions:  reactions,
		CreatedAt:  message.CreatedAt.Format(timeLayout),
	}
	if message.ExpiresAt != nil {
		resp.ExpiresAt = message.ExpiresAt.Format(timeLayout)
	}
	if att := message.Attachment(); att != nil {
		resp.Attachment = &AttachmentInfo{
			URL:  att.URL,
			Name: att.Name,
			Mime: att.Mime,
			Size: att.Size,
			Kind: string(chat.Classify(att)),
		}
	}
	return resp
}

// ConversationResponse 会话目录项
type ConversationResponse struct {
	CounterpartID uint   `json:"counterpart_id"`
	Unread        int    `json:"unread"`
	LastActivity  string `json:"last_activity,omitempty"`
	LastMessageID uint   `json:"last_message_id,omitempty"`
	Online        bool   `json:"online"`
	Typing        bool   `json:"typing"`
	Blocked       bool   `json:"blocked"`
}

// FilterConversations 转换会话目录
func FilterConversations(entries []chat.DirectoryEntry) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(entries))
	for _, e := range entries {
		item := ConversationResponse{
			CounterpartID: e.CounterpartID,
			Unread:        e.Unread,
			LastMessageID: e.LastMessageID,
			Online:        e.Online,
			Typing:        e.Typing,
			Blocked:       e.Blocked,
		}
		if !e.LastActivity.IsZero() {
			item.LastActivity = e.LastActivity.Format(timeLayout)
		}
		out = append(out, item)
	}
	return out
}

// PresenceResponse 在线状态
type PresenceResponse struct {
	UserID        uint   `json:"user_id"`
	Online        bool   `json:"online"`
	TypingToMe    bool   `json:"typing_to_me"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
}

// FilterPresence 按查看者和当前时间投影在线状态
func FilterPresence(p model.Presence, viewer uint, now time.Time, staleAfter time.Duration) PresenceResponse {
	resp := PresenceResponse{
		UserID:     p.UserID,
		Online:     p.OnlineAt(now, staleAfter),
		TypingToMe: p.TypingToAt(viewer, now, staleAfter),
	}
	if !p.LastHeartbeat.IsZero() {
		resp.LastHeartbeat = p.LastHeartbeat.Format(timeLayout)
	}
	return resp
}
