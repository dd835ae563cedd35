package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"im-chat/internal/chat"
	"im-chat/internal/service"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/jwt"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"
	"im-chat/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageHandler 消息、表情与附件接口
type MessageHandler struct {
	service *service.ChatService
}

// NewMessageHandler 创建MessageHandler实例
func NewMessageHandler(s *service.ChatService) *MessageHandler {
	return &MessageHandler{service: s}
}

// uintParam 解析路径参数中的ID
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

// multipartOverhead 表单字段与分隔符允许占用的额外字节
const multipartOverhead = 1 << 20

// SendMessage 发送消息
// JSON: {"receiver_id":2,"body":"hi","ttl_seconds":60}
// multipart: receiver_id, body, ttl_seconds, file
// multipart 请求体在解析前按附件上限截断
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID := jwt.GetUserID(c)
	multipartBody := strings.HasPrefix(c.ContentType(), "multipart/")
	if multipartBody {
		limit := h.service.MaxAttachmentSize() + multipartOverhead
		if c.Request.ContentLength > limit {
			rejectTooLarge(c, h.service.MaxAttachmentSize())
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	} else {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, multipartOverhead)
	}

	type req struct {
		ReceiverID uint   `json:"receiver_id" form:"receiver_id" binding:"required"`
		Body       string `json:"body" form:"body"`
		TTLSeconds int    `json:"ttl_seconds" form:"ttl_seconds"`
	}
	var r req
	if err := c.ShouldBind(&r); err != nil {
		var tooLarge *http.MaxBytesError
		if multipartBody && errors.As(err, &tooLarge) {
			rejectTooLarge(c, h.service.MaxAttachmentSize())
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	in := service.SendInput{To: r.ReceiverID, Body: r.Body, TTL: time.Duration(r.TTLSeconds) * time.Second}

	if multipartBody {
		fh, err := c.FormFile("file")
		if err != nil && err != http.ErrMissingFile {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				rejectTooLarge(c, h.service.MaxAttachmentSize())
				return
			}
			response.BadRequest(c, err.Error())
			return
		}
		if fh != nil {
			f, err := fh.Open()
			if err != nil {
				response.BadRequest(c, "无法读取上传文件")
				return
			}
			defer f.Close()
			in.Upload = &chat.Upload{Name: fh.Filename, Size: fh.Size, Reader: f}
		}
	}

	msg, err := h.service.Send(c.Request.Context(), userID, in)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息发送成功", response.FilterMessageInfo(msg, nil))
}

func rejectTooLarge(c *gin.Context, limit int64) {
	metrics.SendRejected.WithLabelValues("attachment_too_large").Inc()
	response.FromError(c, apperrors.Validation("attachment exceeds %d bytes", limit))
}

// GetConversation 获取与某用户的消息历史
func (h *MessageHandler) GetConversation(c *gin.Context) {
	other, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	views, err := h.service.Conversation(c.Request.Context(), jwt.GetUserID(c), other)
	if err != nil {
		response.FromError(c, err)
		return
	}
	list := make([]*response.MessageResponse, 0, len(views))
	for i := range views {
		list = append(list, response.FilterMessageInfo(&views[i].Message, views[i].Reactions))
	}
	response.Success(c, gin.H{"messages": list, "count": len(list)})
}

// MarkConversationRead 将某用户发来的消息标记为已读
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	other, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	n, err := h.service.MarkRead(c.Request.Context(), jwt.GetUserID(c), other)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"marked": n})
}

// GetConversations 会话目录：按最近活动排序，附带未读数与在线状态
func (h *MessageHandler) GetConversations(c *gin.Context) {
	entries, err := h.service.Directory(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, response.FilterConversations(entries))
}

// DeleteMessage 删除本人发送的消息
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, ok := uintParam(c, "message_id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), jwt.GetUserID(c), id); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息已删除", nil)
}

// ToggleReaction 切换表情回应
func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	id, ok := uintParam(c, "message_id")
	if !ok {
		return
	}
	type req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	summaries, err := h.service.ToggleReaction(c.Request.Context(), jwt.GetUserID(c), id, r.Emoji)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, summaries)
}

// DownloadAttachment 下载附件，总是以附件方式返回，不在浏览器中直接打开
func (h *MessageHandler) DownloadAttachment(c *gin.Context) {
	id, ok := uintParam(c, "message_id")
	if !ok {
		return
	}
	att, rc, err := h.service.OpenAttachment(c.Request.Context(), jwt.GetUserID(c), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer rc.Close()

	contentType := att.Mime
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	c.Header("X-Content-Type-Options", "nosniff")
	if att.Size > 0 {
		c.Header("Content-Length", fmt.Sprintf("%d", att.Size))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logger.Warn("附件下载中断", zap.Uint("message_id", id), zap.Error(err))
	}
}

// GetPresence 批量查询在线状态 ?ids=1,2,3
func (h *MessageHandler) GetPresence(c *gin.Context) {
	var ids []uint
	for _, part := range strings.Split(c.Query("ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid ids")
			return
		}
		ids = append(ids, uint(v))
	}
	userID := jwt.GetUserID(c)
	list, err := h.service.Presence(c.Request.Context(), userID, ids)
	if err != nil {
		response.FromError(c, err)
		return
	}
	now, stale := h.service.Clock()
	out := make([]response.PresenceResponse, 0, len(list))
	for _, p := range list {
		out = append(out, response.FilterPresence(p, userID, now, stale))
	}
	response.Success(c, out)
}

// Heartbeat HTTP 心跳，没有 WebSocket 的客户端使用
func (h *MessageHandler) Heartbeat(c *gin.Context) {
	type req struct {
		TypingTo uint `json:"typing_to"`
	}
	var r req
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&r); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	if err := h.service.Heartbeat(c.Request.Context(), jwt.GetUserID(c), r.TypingTo); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, nil)
}
