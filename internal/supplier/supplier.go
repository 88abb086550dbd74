package supplier

import (
	"context"
	"net/http"
	"time"

	xerrors "OpenFAM-Supply/internal/errors"
)

// State 表示供应器在生命周期中的状态。
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// Info 描述一个供应器实例，随每次通知一起交给目标。
type Info struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// File 是发现侧产出、派发侧消费的一个待供应文件。
// Path 为本地路径或远端路径，取决于供应器类型。
type File struct {
	Path      string    `json:"path"`
	Key       string    `json:"key,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	RemoteDir string    `json:"remote_dir,omitempty"`
	Size      int64     `json:"size,omitempty"`
	ModTime   time.Time `json:"mod_time,omitempty"`
	Retries   int       `json:"retries,omitempty"`
}

// DedupKey 返回去重账本使用的键。
func (f File) DedupKey() string {
	if f.Key != "" {
		return f.Key
	}
	return f.Path
}

// Record 是目标登记一个文件后返回的回执。
type Record struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	SupplierID string    `json:"supplier_id"`
	SessionID  string    `json:"session_id"`
	AddedAt    time.Time `json:"added_at"`
}

// Target 接收供应的文件。NotifyFileAdded 可能被多个 worker 并发调用。
type Target interface {
	NotifyFileAdded(ctx context.Context, path string, supplier Info) (Record, error)
	NotifyFileSupplyingDone(ctx context.Context, supplier Info) error
	NotifyFileSupplyingFailed(ctx context.Context, supplier Info, diagnostic string) error
}

// EmitFunc 由发现循环提供给 Source，用于把文件放入工作队列。
type EmitFunc func(ctx context.Context, file File) error

// Source 执行一次探测周期。连接的建立与重连由实现自行负责，
// 瞬时故障应以 CONNECTION_FAULT 返回。
type Source interface {
	Poll(ctx context.Context, emit EmitFunc) error
	Close() error
}

// Waker 由推送型数据源实现，用于在轮询间隔内提前唤醒发现循环。
type Waker interface {
	Wake() <-chan struct{}
}

// Fetcher 在派发前把远端文件取到本地。每个 worker 独占一个实例。
type Fetcher interface {
	// Fetch 返回交给目标的本地路径。失败时不得留下部分文件。
	Fetch(ctx context.Context, file File) (string, error)
	// Complete 在目标登记成功后执行远端的后续动作。
	Complete(ctx context.Context, file File) error
	// Release 断开当前连接，worker 在暂停阻塞前调用。
	Release() error
	Close() error
}

// Pipeline 是供应器打开后交给控制器运行的组件。
type Pipeline struct {
	Source       Source
	NewFetcher   func() (Fetcher, error)
	Workers      int
	PollInterval time.Duration
	// ForgetDelivered 为 true 时文件派发成功后释放去重记录，
	// 适用于派发后文件会从源头消失或允许重复选择的供应器。
	ForgetDelivered bool
}

// Supplier 是一种具体的文件来源（FTP、邮件、右键菜单中继等）。
type Supplier interface {
	Info() Info
	Open(ctx context.Context) (*Pipeline, error)
}

var (
	// ErrAlreadyRunning 表示会话已在运行，不能再次启动。
	ErrAlreadyRunning = xerrors.New(CodeAlreadyRunning, "supplier already running")
	// ErrInvalidState 表示当前状态不允许该操作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "invalid supplier state")
)

const (
	CodeAlreadyRunning xerrors.Code = "SUPPLIER_ALREADY_RUNNING"
	CodeInvalidState   xerrors.Code = "SUPPLIER_INVALID_STATE"
	CodeInitFailure    xerrors.Code = "SUPPLIER_INIT_FAILURE"
	CodeFetchFailure   xerrors.Code = "FETCH_FAILURE"
	CodeTargetFailure  xerrors.Code = "TARGET_FAILURE"
	CodeSessionFailure xerrors.Code = "SESSION_FAILURE"
)

func init() {
	xerrors.Register(CodeAlreadyRunning, xerrors.Attributes{
		Message:    "supplier already running",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:    "invalid supplier state",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInitFailure, xerrors.Attributes{
		Message:    "supplier initialization failed",
		Severity:   xerrors.SeverityCritical,
		Retryable:  false,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeFetchFailure, xerrors.Attributes{
		Message:    "file fetch failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeTargetFailure, xerrors.Attributes{
		Message:    "target rejected file",
		Severity:   xerrors.SeverityCritical,
		Retryable:  false,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeSessionFailure, xerrors.Attributes{
		Message:    "supply session failed",
		Severity:   xerrors.SeverityCritical,
		Retryable:  false,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
