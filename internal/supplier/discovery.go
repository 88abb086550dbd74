package supplier

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/observability/metrics"
)

// discover 是生产者循环：按轮询间隔探测数据源并把新文件放入队列。
// 瞬时故障在下一周期重试，其余错误结束会话。
func (c *Controller) discover(ctx context.Context, sess *session) error {
	log := c.logger.With(slog.String("session_id", sess.info.SessionID), slog.String("loop", "discovery"))
	emit := c.emitter(sess)

	var wake <-chan struct{}
	if w, ok := sess.pipeline.Source.(Waker); ok {
		wake = w.Wake()
	}

	faulted := false
	for {
		if err := sess.gate.Wait(ctx); err != nil {
			return nil
		}

		err := sess.pipeline.Source.Poll(ctx, emit)
		switch {
		case err == nil:
			if faulted {
				log.Info("数据源已恢复")
				faulted = false
			}
		case ctx.Err() != nil:
			return nil
		case xerrors.RetryableError(err):
			c.faults.Add(1)
			metrics.DiscoveryFault(sess.info.ID)
			if !faulted {
				log.Warn("探测数据源出现瞬时故障，将在下一周期重试", slog.Any("error", err))
				faulted = true
			} else {
				log.Debug("数据源仍不可用", slog.Any("error", err))
			}
		default:
			log.Error("探测数据源失败", slog.Any("error", err))
			return err
		}

		timer := time.NewTimer(sess.pipeline.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// emitter 返回交给 Source 的 EmitFunc：等待暂停闸门、去重后入队。
func (c *Controller) emitter(sess *session) EmitFunc {
	return func(ctx context.Context, file File) error {
		if err := sess.gate.Wait(ctx); err != nil {
			return err
		}
		key := file.DedupKey()
		claimed, err := c.ledger.Claim(ctx, key)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入去重账本失败")
		}
		if !claimed {
			return nil
		}
		if err := c.queue.Publish(ctx, file); err != nil {
			if relErr := c.ledger.Release(context.WithoutCancel(ctx), key); relErr != nil {
				c.logger.Warn("回滚去重记录失败", slog.Any("error", relErr), slog.String("path", file.Path))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "文件入队失败")
		}
		c.discovered.Add(1)
		metrics.FileDiscovered(sess.info.ID)
		c.logger.Debug("发现文件", slog.String("path", file.Path), slog.String("session_id", sess.info.SessionID))
		return nil
	}
}
