// Package reaper 定时物理删除已过期的阅后即焚消息及其附件
//
// 过期消息在读取时已被过滤，这里只负责回收存储空间。
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"im-chat/config"
	"im-chat/internal/model"
	"im-chat/pkg/logger"
	"im-chat/pkg/metrics"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Purger 批量删除已过期消息，返回被删除的行
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
}

// ObjectDeleter 删除附件对象
type ObjectDeleter interface {
	Delete(ctx context.Context, owner uint, key string) error
}

// Reaper 按 cron 表达式运行清理任务，同一时间只运行一个任务
type Reaper struct {
	cron      string
	batchSize int
	store     Purger
	objects   ObjectDeleter
	now       func() time.Time
	log       *zap.Logger

	mu      sync.Mutex
	running bool
}

// New 创建清理器，cron 表达式非法时返回错误
func New(cfg config.ReaperConfig, store Purger, objects ObjectDeleter) (*Reaper, error) {
	if !gronx.New().IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid reaper cron %q", cfg.Cron)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Reaper{
		cron:      cfg.Cron,
		batchSize: batch,
		store:     store,
		objects:   objects,
		now:       time.Now,
		log:       logger.Named("reaper"),
	}, nil
}

// Run 调度循环，阻塞直到 ctx 结束
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("过期消息清理已启用", zap.String("cron", r.cron))
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now(), false)
		if err != nil {
			r.log.Error("计算下次清理时间失败", zap.String("cron", r.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			r.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) runJob(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error("过期消息清理失败", zap.Error(err))
	}
}

// RunOnce 清理全部已过期消息，返回删除条数
// 附件对象删除失败只记录日志，消息行已删除后不会重试
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	total := 0
	for {
		batch, err := r.store.PurgeExpired(ctx, now, r.batchSize)
		if err != nil {
			return total, err
		}
		for i := range batch {
			r.removeAttachment(ctx, &batch[i])
		}
		total += len(batch)
		metrics.ReaperPurged.Add(float64(len(batch)))
		if len(batch) < r.batchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		r.log.Info("过期消息清理完成", zap.Int("purged", total))
	}
	return total, nil
}

func (r *Reaper) removeAttachment(ctx context.Context, msg *model.Message) {
	att := msg.Attachment()
	if att == nil || att.Key == "" || r.objects == nil {
		return
	}
	if err := r.objects.Delete(ctx, msg.SenderID, att.Key); err != nil {
		r.log.Warn("删除过期附件失败", zap.Uint("message_id", msg.ID), zap.String("key", att.Key), zap.Error(err))
	}
}
