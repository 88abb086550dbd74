package supplier

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/observability/alerting"
	"OpenFAM-Supply/internal/observability/metrics"
	"OpenFAM-Supply/pkg/logger"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 30 * time.Second
	defaultMaxRetries   = 3
)

// Controller 管理一个供应器的会话生命周期：Start / Stop / Pause / Resume。
// 同一时刻最多只有一个会话。
type Controller struct {
	supplier    Supplier
	queue       Queue
	ledger      Ledger
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	stopTimeout time.Duration
	drainOnStop bool
	maxRetries  int

	// lifecycle 串行化 Start 与 Stop；mu 保护状态字段。
	lifecycle sync.Mutex
	mu        sync.Mutex
	state     State
	session   *session
	startedAt time.Time

	discovered atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	faults     atomic.Int64
	incomplete atomic.Int64
}

// Option 定义可选配置。
type Option func(*Controller)

// WithQueue 指定工作队列。队列跨会话复用，未派发的文件留给下一次会话。
func WithQueue(queue Queue) Option {
	return func(c *Controller) {
		if queue != nil {
			c.queue = queue
		}
	}
}

// WithLedger 指定去重账本。
func WithLedger(ledger Ledger) Option {
	return func(c *Controller) {
		if ledger != nil {
			c.ledger = ledger
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(c *Controller) {
		c.alerter = dispatcher
	}
}

// WithStopTimeout 设置 Stop 的最长等待时间。
func WithStopTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.stopTimeout = timeout
		}
	}
}

// WithDrainOnStop 为 true 时 Stop 会先停止发现，再把队列中剩余文件派发完。
func WithDrainOnStop(drain bool) Option {
	return func(c *Controller) {
		c.drainOnStop = drain
	}
}

// WithMaxRetries 设置单个文件瞬时取回失败的重试次数。
func WithMaxRetries(retries int) Option {
	return func(c *Controller) {
		if retries >= 0 {
			c.maxRetries = retries
		}
	}
}

// NewController 构造 Controller。
func NewController(s Supplier, opts ...Option) *Controller {
	c := &Controller{
		supplier:    s,
		stopTimeout: defaultStopTimeout,
		maxRetries:  defaultMaxRetries,
		state:       StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.queue == nil {
		c.queue = NewMemoryQueue(0)
	}
	if c.ledger == nil {
		c.ledger = NewMemoryLedger()
	}
	if c.logger == nil {
		c.logger = logger.Named("supplier")
	}
	if s != nil {
		info := s.Info()
		c.logger = c.logger.With(slog.String("supplier_id", info.ID), slog.String("kind", info.Kind))
	}
	return c
}

// Info 返回供应器描述，运行中包含当前会话 ID。
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.info
	}
	return c.supplier.Info()
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start 打开供应器并启动发现、派发与监督协程。ctx 只用于初始化阶段。
// 初始化失败时目标会收到一次 NotifyFileSupplyingFailed。
func (c *Controller) Start(ctx context.Context, target Target) error {
	if c.supplier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置供应器")
	}
	if target == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.mu.Unlock()

	info := c.supplier.Info()
	info.SessionID = uuid.NewString()

	pipeline, err := c.supplier.Open(ctx)
	if err == nil && (pipeline == nil || pipeline.Source == nil) {
		err = stdErrors.New("供应器未提供数据源")
	}
	if err != nil {
		wrapped := xerrors.Wrap(CodeInitFailure, err, "供应器初始化失败")
		c.logger.Error("供应器初始化失败", slog.Any("error", err), slog.String("session_id", info.SessionID))
		if notifyErr := target.NotifyFileSupplyingFailed(ctx, info, wrapped.Error()); notifyErr != nil {
			c.logger.Error("通知目标初始化失败出错", slog.Any("error", notifyErr))
		}
		c.emitAlert(ctx, info, CodeInitFailure, wrapped, "", "init")
		return wrapped
	}
	if pipeline.Workers <= 0 {
		pipeline.Workers = 1
	}
	if pipeline.PollInterval <= 0 {
		pipeline.PollInterval = defaultPollInterval
	}

	sess := newSession(info, target, pipeline, c.drainOnStop)

	c.mu.Lock()
	c.state = StateRunning
	c.session = sess
	c.startedAt = time.Now()
	c.mu.Unlock()

	metrics.SessionStarted(info.ID)
	logger.Audit().Info("supply_session_started",
		slog.String("supplier_id", info.ID),
		slog.String("session_id", info.SessionID),
		slog.Int("workers", pipeline.Workers),
	)

	go c.supervise(sess)
	return nil
}

// Stop 请求停止并等待发现与派发两侧退出、目标收到通知后返回。
// Idle 时为空操作；超过停止超时会强制取消并返回 TIMEOUT 错误。
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	paused := c.state == StatePaused
	c.state = StateStopping
	c.mu.Unlock()

	// 暂停期间不允许派发，因此暂停中的会话不做排空。
	sess.requestStop(paused)

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()

	select {
	case <-sess.done:
		return sess.err
	case <-timer.C:
	case <-ctx.Done():
	}

	sess.forceStop()
	c.logger.Error("供应器停止超时，已强制取消",
		slog.String("session_id", sess.info.SessionID),
		slog.Duration("timeout", c.stopTimeout),
	)
	return xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("供应器 %s 未能在 %s 内停止", sess.info.ID, c.stopTimeout))
}

// Pause 暂停发现与派发。已暂停时为空操作。
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePaused:
		return nil
	case StateRunning:
		c.session.gate.Pause()
		c.state = StatePaused
		c.logger.Info("供应器已暂停", slog.String("session_id", c.session.info.SessionID))
		return nil
	default:
		return xerrors.Wrap(CodeInvalidState, ErrInvalidState, fmt.Sprintf("状态 %s 下不能暂停", c.state))
	}
}

// Resume 恢复暂停的会话。运行中时为空操作。
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return nil
	case StatePaused:
		c.session.gate.Resume()
		c.state = StateRunning
		c.logger.Info("供应器已恢复", slog.String("session_id", c.session.info.SessionID))
		return nil
	default:
		return xerrors.Wrap(CodeInvalidState, ErrInvalidState, fmt.Sprintf("状态 %s 下不能恢复", c.state))
	}
}

// Close 停止会话并释放队列与账本。
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	return stdErrors.Join(err, c.queue.Close(), c.ledger.Close())
}

// supervise 等待两侧循环退出，关闭数据源并向目标恰好通知一次。
func (c *Controller) supervise(sess *session) {
	g, gctx := errgroup.WithContext(sess.root)
	discoveryCtx, stopDiscovery := context.WithCancel(gctx)
	dispatchCtx, stopDispatch := context.WithCancel(gctx)
	receiveCtx, stopReceive := context.WithCancel(dispatchCtx)
	sess.bind(stopDiscovery, stopReceive, stopDispatch)

	var (
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) error {
		if err == nil || isCanceled(err) {
			return nil
		}
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		return err
	}

	g.Go(func() error {
		return record(c.discover(discoveryCtx, sess))
	})
	for i := 0; i < sess.pipeline.Workers; i++ {
		worker := i
		g.Go(func() error {
			return record(c.dispatch(dispatchCtx, receiveCtx, sess, worker))
		})
	}
	_ = g.Wait()
	stopDiscovery()
	stopReceive()
	stopDispatch()

	if err := sess.pipeline.Source.Close(); err != nil {
		c.logger.Warn("关闭数据源失败", slog.Any("error", err))
	}

	sessionErr := stdErrors.Join(errs...)
	notifyCtx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	outcome := "done"
	if sessionErr == nil {
		if err := sess.target.NotifyFileSupplyingDone(notifyCtx, sess.info); err != nil {
			c.logger.Error("通知目标供应结束失败", slog.Any("error", err))
		}
	} else {
		outcome = "failed"
		c.logger.Error("供应会话异常终止", slog.Any("error", sessionErr), slog.String("session_id", sess.info.SessionID))
		if err := sess.target.NotifyFileSupplyingFailed(notifyCtx, sess.info, sessionErr.Error()); err != nil {
			c.logger.Error("通知目标供应失败出错", slog.Any("error", err))
		}
		c.emitAlert(notifyCtx, sess.info, CodeSessionFailure, sessionErr, "", "session")
		sessionErr = xerrors.Wrap(CodeSessionFailure, sessionErr, "供应会话失败")
	}

	if n, err := c.queue.Len(notifyCtx); err == nil && n > 0 {
		c.logger.Info("会话结束时仍有文件排队，留待下次会话", slog.Int("pending", n))
	}
	metrics.SessionEnded(sess.info.ID, outcome)
	logger.Audit().Info("supply_session_ended",
		slog.String("supplier_id", sess.info.ID),
		slog.String("session_id", sess.info.SessionID),
		slog.String("outcome", outcome),
	)

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
		c.state = StateIdle
	}
	c.mu.Unlock()

	sess.finish(sessionErr)
}

func (c *Controller) emitAlert(ctx context.Context, info Info, code xerrors.Code, cause error, path, stage string) {
	if c.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		SupplierID: info.ID,
		SessionID:  info.SessionID,
		Path:       path,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		c.logger.Error("告警通知失败", slog.Any("error", err), slog.String("stage", stage))
	}
}

func isCanceled(err error) bool {
	return stdErrors.Is(err, context.Canceled) || xerrors.CodeOf(err) == xerrors.CodeCanceled
}
