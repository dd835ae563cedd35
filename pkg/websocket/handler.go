package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"im-chat/config"
	"im-chat/internal/chat"
	"im-chat/internal/feed"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/jwt"
	"im-chat/pkg/logger"
	"im-chat/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// Handler 为每个连接创建一个聊天会话，把本地状态变化以快照形式推送给客户端
type Handler struct {
	jwt     *jwt.JWTService
	store   chat.Store
	feed    feed.Subscriber
	objects chat.ObjectStore
	opts    chat.Options
	cfg     config.WebSocketConfig
	manager *Manager
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(jwtSvc *jwt.JWTService, store chat.Store, sub feed.Subscriber, objects chat.ObjectStore,
	opts chat.Options, cfg config.WebSocketConfig, manager *Manager) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 20
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 40
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = chat.DefaultOptions().UpdateBuffer
	}
	return &Handler{jwt: jwtSvc, store: store, feed: sub, objects: objects, opts: opts, cfg: cfg, manager: manager}
}

// ServeWS Gin路由处理函数，token 通过 Authorization 头或 token 查询参数传递
func (h *Handler) ServeWS(c *gin.Context) {
	token := jwt.TokenFromRequest(c)
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "token无效或已过期")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		response.Unauthorized(c, "token无效")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket升级失败", zap.Uint("user_id", userID), zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), userID, conn, 256)
	h.manager.AddClient(client)
	log := logger.ForSession(userID, client.ID)
	log.Info("WebSocket连接建立")

	session := chat.NewSession(userID, h.store, h.feed, h.objects, h.opts)
	defer func() {
		h.manager.RemoveClient(client)
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_ = session.Close(ctx)
		cancel()
		_ = conn.Close()
		log.Info("WebSocket连接关闭")
	}()

	go h.writePump(client)
	go h.pushPump(client, session)

	client.Push(encodeFrame(frame{"type": "ready", "user_id": userID, "connection_id": client.ID}))
	if err := session.Start(c.Request.Context()); err != nil {
		log.Warn("聊天会话启动失败", zap.Error(err))
	}
	h.readPump(client, session)
}

// writePump 唯一的写协程：推送消息并定时发送 ping
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	conn := client.Conn
	for {
		select {
		case <-client.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				client.Close()
				_ = conn.Close()
				return
			}
		}
	}
}

// readPump 读取客户端指令，超时未收到任何数据（含 pong）则断开
func (h *Handler) readPump(client *Client, session *chat.Session) {
	conn := client.Conn
	limiter := rate.NewLimiter(rate.Limit(h.cfg.CommandRate), h.cfg.CommandBurst)

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Type == "" {
			client.Push(encodeFrame(errorFrame(apperrors.Validation("malformed command"))))
			continue
		}
		if !limiter.Allow() {
			client.Push(encodeFrame(frame{"type": "ack", "ref": cmd.Ref, "ok": false, "kind": "rate_limited"}))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		data, err := h.dispatch(ctx, session, cmd)
		cancel()

		ack := frame{"type": "ack", "ref": cmd.Ref, "command": cmd.Type, "ok": err == nil}
		if err != nil {
			ack["kind"] = string(apperrors.KindOf(err))
		} else if data != nil {
			ack["data"] = data
		}
		client.Push(encodeFrame(ack))
	}
}

// pushPump 把会话的状态变化和错误通知推送给客户端
// 状态变化通道溢出时可能丢失提示，此时推送全部快照
func (h *Handler) pushPump(client *Client, session *chat.Session) {
	for {
		select {
		case <-client.Done():
			return
		case n := <-session.Notifications():
			client.Push(encodeFrame(frame{"type": "error", "kind": n.Kind, "message": n.Message, "at": n.At}))
		case u := <-session.Updates():
			dirty := map[chat.UpdateKind]bool{u.Kind: true}
			drained := 1
		drain:
			for {
				select {
				case u := <-session.Updates():
					dirty[u.Kind] = true
					drained++
				default:
					break drain
				}
			}
			if drained >= h.opts.UpdateBuffer {
				for _, k := range allKinds {
					dirty[k] = true
				}
			}
			// 消息快照已包含表情，目录快照已包含在线状态
			if dirty[chat.UpdateTranscript] {
				delete(dirty, chat.UpdateReactions)
			}
			if dirty[chat.UpdateDirectory] {
				delete(dirty, chat.UpdatePresence)
			}
			for _, k := range allKinds {
				if dirty[k] {
					if f := snapshot(session, k); f != nil {
						client.Push(encodeFrame(f))
					}
				}
			}
		}
	}
}
