// Package email 实现邮件供应器：轮询 IMAP 文件夹中的未读邮件，
// 把每封邮件保存为 .eml 文件交给目标，交付后移动或标记已读。
package email

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/pkg/logger"
)

// Kind 是邮件供应器在注册表中的类型名。
const Kind = "email"

// Config 描述一个邮件供应器。
type Config struct {
	ID                 string        `yaml:"id" json:"id" msgpack:"id"`
	Description        string        `yaml:"description" json:"description" msgpack:"description"`
	Address            string        `yaml:"address" json:"address" msgpack:"address"`
	TLS                bool          `yaml:"tls" json:"tls" msgpack:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify" msgpack:"insecure_skip_verify"`
	User               string        `yaml:"user" json:"user" msgpack:"user"`
	Password           string        `yaml:"password" json:"password" msgpack:"password"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout" msgpack:"dial_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout" json:"command_timeout" msgpack:"command_timeout"`
	InputFolder        string        `yaml:"input_folder" json:"input_folder" msgpack:"input_folder"`
	ProcessedFolder    string        `yaml:"processed_folder" json:"processed_folder" msgpack:"processed_folder"`
	StagingDir         string        `yaml:"staging_dir" json:"staging_dir" msgpack:"staging_dir"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval" msgpack:"poll_interval"`
	Workers            int           `yaml:"workers" json:"workers" msgpack:"workers"`
}

// ApplyDefaults 补齐未设置的字段。
func (c *Config) ApplyDefaults() {
	if c.InputFolder == "" {
		c.InputFolder = "INBOX"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

// Validate 检查必填项。
func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("email: 供应器 ID 不能为空")
	case c.Address == "":
		return fmt.Errorf("email: %s 未配置 address", c.ID)
	case c.User == "":
		return fmt.Errorf("email: %s 未配置 user", c.ID)
	case c.StagingDir == "":
		return fmt.Errorf("email: %s 未配置 staging_dir", c.ID)
	case c.ProcessedFolder != "" && c.ProcessedFolder == c.InputFolder:
		return fmt.Errorf("email: %s 的 processed_folder 不能与 input_folder 相同", c.ID)
	}
	return nil
}

// Supplier 轮询 IMAP 邮箱。
type Supplier struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Supplier)

// WithDialer 替换连接方式。
func WithDialer(dial Dialer) Option {
	return func(s *Supplier) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supplier) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 校验配置并创建邮件供应器。
func New(cfg Config, opts ...Option) (*Supplier, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "邮件供应器配置无效")
	}
	s := &Supplier{cfg: cfg, dial: Dial}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("email")
	}
	s.logger = s.logger.With(slog.String("supplier_id", cfg.ID))
	return s, nil
}

// Info 实现 supplier.Supplier。
func (s *Supplier) Info() supplier.Info {
	desc := s.cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("imap://%s@%s/%s", s.cfg.User, s.cfg.Address, s.cfg.InputFolder)
	}
	return supplier.Info{ID: s.cfg.ID, Kind: Kind, Description: desc}
}

// Open 登录邮箱并准备暂存目录。
func (s *Supplier) Open(ctx context.Context) (*supplier.Pipeline, error) {
	if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建暂存目录失败: %w", err)
	}
	mb, err := s.dial(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	return &supplier.Pipeline{
		Source: &source{s: s, mb: mb},
		NewFetcher: func() (supplier.Fetcher, error) {
			return &fetcher{s: s}, nil
		},
		Workers:         s.cfg.Workers,
		PollInterval:    s.cfg.PollInterval,
		ForgetDelivered: true,
	}, nil
}

type source struct {
	s  *Supplier
	mu sync.Mutex
	mb Mailbox
}

func (src *source) Poll(ctx context.Context, emit supplier.EmitFunc) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	cfg := src.s.cfg
	if src.mb == nil {
		mb, err := src.s.dial(ctx, cfg)
		if err != nil {
			return err
		}
		src.s.logger.Info("IMAP 连接已重新建立")
		src.mb = mb
	}
	validity, uids, err := src.mb.Unseen(cfg.InputFolder)
	if err != nil {
		err = classify(err, fmt.Sprintf("查询 %s 的未读邮件失败", cfg.InputFolder))
		if xerrors.RetryableError(err) {
			_ = src.mb.Logout()
			src.mb = nil
		}
		return err
	}
	for _, uid := range uids {
		file := supplier.File{
			Path:      path.Join(cfg.InputFolder, strconv.FormatUint(uint64(uid), 10)),
			Key:       uidKey(cfg.Address, cfg.InputFolder, validity, uid),
			Origin:    "imap://" + cfg.Address,
			RemoteDir: cfg.InputFolder,
		}
		if err := emit(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (src *source) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.mb == nil {
		return nil
	}
	err := src.mb.Logout()
	src.mb = nil
	return err
}

type fetcher struct {
	s  *Supplier
	mb Mailbox
}

func (f *fetcher) connect(ctx context.Context) (Mailbox, error) {
	if f.mb != nil {
		return f.mb, nil
	}
	mb, err := f.s.dial(ctx, f.s.cfg)
	if err != nil {
		return nil, err
	}
	f.mb = mb
	return mb, nil
}

func parseUID(file supplier.File) (uint32, error) {
	n, err := strconv.ParseUint(path.Base(file.Path), 10, 32)
	if err != nil {
		return 0, xerrors.Wrap(supplier.CodeFetchFailure, err, fmt.Sprintf("无效的邮件标识 %s", file.Path))
	}
	return uint32(n), nil
}

// Fetch 把邮件保存为 <staging>/<uid>.eml，写入过程使用 .partial 临时文件。
func (f *fetcher) Fetch(ctx context.Context, file supplier.File) (string, error) {
	uid, err := parseUID(file)
	if err != nil {
		return "", err
	}
	mb, err := f.connect(ctx)
	if err != nil {
		return "", err
	}
	local := filepath.Join(f.s.cfg.StagingDir, fmt.Sprintf("%d.eml", uid))
	partial := local + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return "", xerrors.Wrap(supplier.CodeFetchFailure, err, "创建本地文件失败")
	}
	fetchErr := mb.FetchRaw(file.RemoteDir, uid, out)
	closeErr := out.Close()
	if fetchErr == nil && closeErr != nil {
		fetchErr = xerrors.Wrap(supplier.CodeFetchFailure, closeErr, "写入本地文件失败")
	}
	if fetchErr != nil {
		if rmErr := os.Remove(partial); rmErr == nil {
			f.s.logger.Info("已删除未完成的下载", slog.String("path", partial))
		}
		return "", classifyAs(fetchErr, supplier.CodeFetchFailure, fmt.Sprintf("下载邮件 %d 失败", uid))
	}
	if err := os.Rename(partial, local); err != nil {
		_ = os.Remove(partial)
		return "", xerrors.Wrap(supplier.CodeFetchFailure, err, "重命名下载文件失败")
	}
	return local, nil
}

// Complete 把已交付的邮件移入已处理文件夹，未配置时标记为已读。
func (f *fetcher) Complete(ctx context.Context, file supplier.File) error {
	uid, err := parseUID(file)
	if err != nil {
		return err
	}
	mb, err := f.connect(ctx)
	if err != nil {
		return err
	}
	if dest := f.s.cfg.ProcessedFolder; dest != "" {
		err = mb.Move(file.RemoteDir, uid, dest)
	} else {
		err = mb.MarkSeen(file.RemoteDir, uid)
	}
	return classify(err, fmt.Sprintf("处理邮件 %d 失败", uid))
}

func (f *fetcher) Release() error {
	if f.mb == nil {
		return nil
	}
	err := f.mb.Logout()
	f.mb = nil
	return err
}

func (f *fetcher) Close() error {
	return f.Release()
}

var (
	_ supplier.Supplier = (*Supplier)(nil)
	_ supplier.Fetcher  = (*fetcher)(nil)
)
