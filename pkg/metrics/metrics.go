// Package metrics 聊天服务的 Prometheus 指标
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedEventsPublished 已发布的变更事件
	FeedEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imchat_feed_events_published_total",
			Help: "Change feed events published, by table and operation.",
		},
		[]string{"table", "op"},
	)

	// FeedEventsDropped 订阅者缓冲区已满而丢弃的事件，丢弃后订阅者会重新同步
	FeedEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imchat_feed_events_dropped_total",
			Help: "Change feed events dropped because a subscriber buffer was full.",
		},
		[]string{"table"},
	)

	// FeedHandlerErrors 事件处理失败次数（监听器不会因此退出）
	FeedHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imchat_feed_handler_errors_total",
			Help: "Change feed listener errors and recovered panics.",
		},
		[]string{"table"},
	)

	// SendRejected 发送前被拒绝的消息
	SendRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imchat_send_rejected_total",
			Help: "Messages rejected before reaching the store, by reason.",
		},
		[]string{"reason"},
	)

	// HeartbeatFailures 在线心跳写入失败次数
	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imchat_presence_heartbeat_failures_total",
			Help: "Presence heartbeat upserts that failed.",
		},
	)

	// ReaperPurged 清理的过期消息数
	ReaperPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imchat_reaper_purged_messages_total",
			Help: "Expired messages removed by the reaper.",
		},
	)

	// WebsocketConnections 当前 WebSocket 连接数
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imchat_websocket_connections",
			Help: "Currently open websocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FeedEventsPublished,
		FeedEventsDropped,
		FeedHandlerErrors,
		SendRejected,
		HeartbeatFailures,
		ReaperPurged,
		WebsocketConnections,
	)
}

// Handler gin 格式的 /metrics 处理函数
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
