package handler

import (
	"im-chat/internal/service"
	"im-chat/pkg/jwt"
	"im-chat/pkg/response"

	"github.com/gin-gonic/gin"
)

// ModerationHandler 拉黑与举报
type ModerationHandler struct {
	service *service.ChatService
}

func NewModerationHandler(s *service.ChatService) *ModerationHandler {
	return &ModerationHandler{service: s}
}

// ListBlocks 拉黑列表
func (h *ModerationHandler) ListBlocks(c *gin.Context) {
	blocks, err := h.service.Blocks(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	ids := make([]uint, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.BlockedID)
	}
	response.Success(c, gin.H{"blocked": ids})
}

// Block 拉黑用户，重复拉黑视为成功
func (h *ModerationHandler) Block(c *gin.Context) {
	target, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	if err := h.service.Block(c.Request.Context(), jwt.GetUserID(c), target); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "已拉黑", nil)
}

// Unblock 解除拉黑
func (h *ModerationHandler) Unblock(c *gin.Context) {
	target, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	if err := h.service.Unblock(c.Request.Context(), jwt.GetUserID(c), target); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "已解除拉黑", nil)
}

// Report 举报用户
func (h *ModerationHandler) Report(c *gin.Context) {
	type req struct {
		ReportedID uint   `json:"reported_id" binding:"required"`
		Reason     string `json:"reason" binding:"required"`
		Detail     string `json:"detail"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	report, err := h.service.Report(c.Request.Context(), jwt.GetUserID(c), r.ReportedID, r.Reason, r.Detail)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "举报已提交", report)
}

// ListReports 本人提交的举报
func (h *ModerationHandler) ListReports(c *gin.Context) {
	reports, err := h.service.Reports(c.Request.Context(), jwt.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, reports)
}
