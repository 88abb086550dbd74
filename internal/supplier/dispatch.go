package supplier

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/observability/metrics"
)

const (
	queueRetryDelay = time.Second
	requeueTimeout  = 5 * time.Second
)

// dispatch 是消费者循环。ctx 在停止时取消；receiveCtx 在进入排空阶段时
// 先行取消，此后只取队列中已有的文件。
func (c *Controller) dispatch(ctx, receiveCtx context.Context, sess *session, worker int) error {
	log := c.logger.With(
		slog.String("session_id", sess.info.SessionID),
		slog.String("loop", "dispatch"),
		slog.Int("worker", worker),
	)

	var fetcher Fetcher
	if sess.pipeline.NewFetcher != nil {
		f, err := sess.pipeline.NewFetcher()
		if err != nil {
			return xerrors.Wrap(CodeInitFailure, err, fmt.Sprintf("创建 worker %d 的取回器失败", worker))
		}
		fetcher = f
		defer func() {
			if err := fetcher.Close(); err != nil {
				log.Warn("关闭取回器失败", slog.Any("error", err))
			}
		}()
	}

	for {
		if err := c.waitGate(ctx, sess, fetcher, log); err != nil {
			return nil
		}
		file, ok, err := c.next(ctx, receiveCtx, sess, log)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// 等待期间可能已被暂停，暂停必须在下一次派发前生效。
		if err := c.waitGate(ctx, sess, fetcher, log); err != nil {
			c.requeue(file, log)
			return nil
		}
		if err := c.deliver(ctx, sess, fetcher, file, log); err != nil {
			return err
		}
	}
}

func (c *Controller) waitGate(ctx context.Context, sess *session, fetcher Fetcher, log *slog.Logger) error {
	if !sess.gate.Paused() {
		return ctx.Err()
	}
	if fetcher != nil {
		if err := fetcher.Release(); err != nil {
			log.Debug("暂停前释放连接失败", slog.Any("error", err))
		}
	}
	return sess.gate.Wait(ctx)
}

// next 取下一个文件。ok 为 false 表示应退出循环。
func (c *Controller) next(ctx, receiveCtx context.Context, sess *session, log *slog.Logger) (File, bool, error) {
	for {
		if !sess.isDraining() {
			file, err := c.queue.Receive(receiveCtx)
			if err == nil {
				return file, true, nil
			}
			if stdErrors.Is(err, ErrQueueClosed) {
				return File{}, false, nil
			}
			if receiveCtx.Err() == nil {
				if xerrors.RetryableError(err) {
					log.Warn("读取工作队列失败，稍后重试", slog.Any("error", err))
					sleepCtx(receiveCtx, queueRetryDelay)
					continue
				}
				return File{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取工作队列失败")
			}
			if ctx.Err() != nil || !sess.isDraining() {
				return File{}, false, nil
			}
		}

		file, ok, err := c.queue.TryReceive(ctx)
		if err != nil {
			if ctx.Err() != nil || stdErrors.Is(err, ErrQueueClosed) {
				return File{}, false, nil
			}
			return File{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "排空工作队列失败")
		}
		return file, ok, nil
	}
}

// deliver 取回文件并交给目标。取回失败只影响该文件；目标失败结束会话。
func (c *Controller) deliver(ctx context.Context, sess *session, fetcher Fetcher, file File, log *slog.Logger) error {
	started := time.Now()
	path := file.Path
	if fetcher != nil {
		local, err := fetcher.Fetch(ctx, file)
		if err != nil {
			return c.fetchFailed(ctx, sess, fetcher, file, err, log)
		}
		path = local
	}
	if ctx.Err() != nil {
		c.requeue(file, log)
		return nil
	}

	record, err := sess.target.NotifyFileAdded(ctx, path, sess.info)
	if err != nil {
		if ctx.Err() != nil {
			c.requeue(file, log)
			return nil
		}
		return xerrors.Wrap(CodeTargetFailure, err, fmt.Sprintf("目标登记文件 %s 失败", path))
	}

	c.delivered.Add(1)
	metrics.FileDelivered(sess.info.ID, time.Since(started))
	log.Debug("文件已交付", slog.String("path", path), slog.String("record_id", record.ID))

	if fetcher != nil {
		if err := fetcher.Complete(ctx, file); err != nil {
			// 远端文件仍在原处，保留去重记录，否则下一轮探测会再次交付。
			c.incomplete.Add(1)
			log.Error("执行取回后的远端动作失败，保留去重记录",
				slog.Any("error", err),
				slog.String("path", file.Path),
			)
			c.emitAlert(ctx, sess.info, CodeFetchFailure, err, file.Path, "complete")
			return nil
		}
	}
	if sess.pipeline.ForgetDelivered {
		if err := c.ledger.Release(context.WithoutCancel(ctx), file.DedupKey()); err != nil {
			log.Warn("释放去重记录失败", slog.Any("error", err), slog.String("path", file.Path))
		}
	}
	return nil
}

func (c *Controller) fetchFailed(ctx context.Context, sess *session, fetcher Fetcher, file File, cause error, log *slog.Logger) error {
	if ctx.Err() != nil {
		c.requeue(file, log)
		return nil
	}
	if xerrors.RetryableError(cause) && file.Retries < c.maxRetries {
		file.Retries++
		c.faults.Add(1)
		// 下一次取回重新建立连接。
		if err := fetcher.Release(); err != nil {
			log.Debug("释放故障连接失败", slog.Any("error", err))
		}
		if err := c.queue.Publish(ctx, file); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("文件 %s 重新入队失败", file.Path))
		}
		log.Warn("取回文件失败，已重新排队",
			slog.Any("error", cause),
			slog.String("path", file.Path),
			slog.Int("retries", file.Retries),
		)
		return nil
	}

	c.dropped.Add(1)
	metrics.FileDropped(sess.info.ID, string(xerrors.CodeOf(cause)))
	if err := c.ledger.Release(ctx, file.DedupKey()); err != nil {
		log.Warn("释放去重记录失败", slog.Any("error", err), slog.String("path", file.Path))
	}
	log.Error("取回文件失败，已跳过",
		slog.Any("error", cause),
		slog.String("path", file.Path),
		slog.Int("retries", file.Retries),
	)
	c.emitAlert(ctx, sess.info, CodeFetchFailure, cause, file.Path, "drop")
	return nil
}

// requeue 把停止时中断的文件放回队列，留给后续会话。
func (c *Controller) requeue(file File, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := c.queue.Publish(ctx, file); err != nil {
		log.Warn("停止时回收文件失败", slog.Any("error", err), slog.String("path", file.Path))
		if relErr := c.ledger.Release(ctx, file.DedupKey()); relErr != nil {
			log.Warn("释放去重记录失败", slog.Any("error", relErr), slog.String("path", file.Path))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
