package ftp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	goftp "github.com/jlaffaye/ftp"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/pkg/logger"
)

const partialSuffix = ".partial"

// Supplier 轮询 FTP 目录，把新文件下载到暂存目录后交给目标。
type Supplier struct {
	cfg    Config
	filter *supplier.Filter
	dial   Dialer
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Supplier)

// WithDialer 替换连接方式，测试中注入内存实现。
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

// New 校验配置并创建 FTP 供应器。
func New(cfg Config, opts ...Option) (*Supplier, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "FTP 供应器配置无效")
	}
	filter, err := supplier.NewFilter(cfg.Filter)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "FTP 过滤条件无效")
	}
	s := &Supplier{cfg: cfg, filter: filter, dial: Dial}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("ftp")
	}
	s.logger = s.logger.With(slog.String("supplier_id", cfg.ID))
	return s, nil
}

// Config 返回补齐默认值后的配置。
func (s *Supplier) Config() Config {
	return s.cfg
}

// Info 实现 supplier.Supplier。
func (s *Supplier) Info() supplier.Info {
	desc := s.cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("ftp://%s%s", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)), s.cfg.Root)
	}
	return supplier.Info{ID: s.cfg.ID, Kind: Kind, Description: desc}
}

// Open 建立发现用的连接并准备暂存目录。连接失败即初始化失败。
func (s *Supplier) Open(ctx context.Context) (*supplier.Pipeline, error) {
	if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建暂存目录失败: %w", err)
	}
	conn, err := s.dial(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	src := &source{s: s, conn: conn}
	return &supplier.Pipeline{
		Source: src,
		NewFetcher: func() (supplier.Fetcher, error) {
			return &fetcher{s: s}, nil
		},
		Workers:         s.cfg.Connections,
		PollInterval:    s.cfg.PollInterval,
		ForgetDelivered: s.cfg.PostAction != PostNone,
	}, nil
}

func (s *Supplier) origin() string {
	return "ftp://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// skip 过滤正在上传的文件以及已被重命名处理过的文件。
func (s *Supplier) skip(name string) bool {
	lower := strings.ToLower(name)
	if s.cfg.InProgressSuffix != "" && strings.HasSuffix(lower, strings.ToLower(s.cfg.InProgressSuffix)) {
		return true
	}
	if s.cfg.PostAction == PostRename && strings.HasSuffix(lower, strings.ToLower(s.cfg.RenameExtension)) {
		return true
	}
	return false
}

func (s *Supplier) relative(remote string) string {
	return strings.TrimPrefix(strings.TrimPrefix(remote, path.Clean(s.cfg.Root)), "/")
}

// source 是发现侧，持有一个连接，出现故障后在下一周期重连。
type source struct {
	s    *Supplier
	mu   sync.Mutex
	conn Conn
}

func (src *source) Poll(ctx context.Context, emit supplier.EmitFunc) error {
	src.mu.Lock()
	defer src.mu.Unlock()

	if src.conn == nil {
		conn, err := src.s.dial(ctx, src.s.cfg)
		if err != nil {
			return err
		}
		src.s.logger.Info("FTP 连接已重新建立")
		src.conn = conn
	}
	err := src.walk(ctx, path.Clean(src.s.cfg.Root), emit)
	if err != nil && xerrors.RetryableError(err) {
		_ = src.conn.Quit()
		src.conn = nil
	}
	return err
}

func (src *source) walk(ctx context.Context, dir string, emit supplier.EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := src.conn.List(dir)
	if err != nil {
		return classify(err, xerrors.CodeProtocolFailure, fmt.Sprintf("列出目录 %s 失败", dir))
	}
	var subdirs []string
	for _, entry := range entries {
		if entry == nil || entry.Name == "." || entry.Name == ".." {
			continue
		}
		full := path.Join(dir, entry.Name)
		switch entry.Type {
		case goftp.EntryTypeFolder:
			if src.s.cfg.Recursive {
				subdirs = append(subdirs, full)
			}
		case goftp.EntryTypeFile:
			if src.s.skip(entry.Name) || !src.s.filter.Match(src.s.relative(full)) {
				continue
			}
			file := supplier.File{
				Path:      full,
				Key:       src.s.origin() + full,
				Origin:    src.s.origin(),
				RemoteDir: dir,
				Size:      int64(entry.Size),
				ModTime:   entry.Time,
			}
			if err := emit(ctx, file); err != nil {
				return err
			}
		}
	}
	for _, sub := range subdirs {
		if err := src.walk(ctx, sub, emit); err != nil {
			return err
		}
	}
	return nil
}

func (src *source) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.conn == nil {
		return nil
	}
	err := src.conn.Quit()
	src.conn = nil
	return err
}

// fetcher 是一个下载 worker 的专属连接，按需拨号。
type fetcher struct {
	s    *Supplier
	conn Conn
}

func (f *fetcher) connect(ctx context.Context) (Conn, error) {
	if f.conn != nil {
		return f.conn, nil
	}
	conn, err := f.s.dial(ctx, f.s.cfg)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	return conn, nil
}

// Fetch 把远端文件下载到暂存目录。先写入 .partial 文件，成功后再改名，
// 失败时删除部分文件，目标永远不会看到不完整的文件。
func (f *fetcher) Fetch(ctx context.Context, file supplier.File) (string, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return "", err
	}
	local := f.localPath(file)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", xerrors.Wrap(supplier.CodeFetchFailure, err, "创建本地目录失败")
	}
	partial := local + partialSuffix
	if err := f.download(ctx, conn, file.Path, partial); err != nil {
		switch rmErr := os.Remove(partial); {
		case rmErr == nil:
			f.s.logger.Info("已删除未完成的下载", slog.String("path", partial))
		case !os.IsNotExist(rmErr):
			f.s.logger.Warn("删除未完成的下载失败", slog.Any("error", rmErr), slog.String("path", partial))
		}
		return "", err
	}
	if err := os.Rename(partial, local); err != nil {
		_ = os.Remove(partial)
		return "", xerrors.Wrap(supplier.CodeFetchFailure, err, "重命名下载文件失败")
	}
	return local, nil
}

func (f *fetcher) download(ctx context.Context, conn Conn, remote, partial string) error {
	resp, err := conn.Retr(remote)
	if err != nil {
		return classify(err, supplier.CodeFetchFailure, fmt.Sprintf("下载 %s 失败", remote))
	}
	out, err := os.Create(partial)
	if err != nil {
		_ = resp.Close()
		return xerrors.Wrap(supplier.CodeFetchFailure, err, "创建本地文件失败")
	}
	_, copyErr := io.Copy(out, ctxReader{ctx: ctx, r: resp})
	closeErr := resp.Close()
	syncErr := out.Close()
	switch {
	case copyErr != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(copyErr, supplier.CodeFetchFailure, fmt.Sprintf("下载 %s 中断", remote))
	case closeErr != nil:
		return classify(closeErr, supplier.CodeFetchFailure, fmt.Sprintf("下载 %s 未正常结束", remote))
	case syncErr != nil:
		return xerrors.Wrap(supplier.CodeFetchFailure, syncErr, "写入本地文件失败")
	}
	return nil
}

// localPath 计算暂存路径。不保留目录结构时，子目录中的文件名加上目录的
// 哈希前缀，避免不同目录下的同名文件落到同一个暂存文件。
func (f *fetcher) localPath(file supplier.File) string {
	rel := f.s.relative(file.Path)
	if rel == "" {
		rel = path.Base(file.Path)
	}
	if !f.s.cfg.KeepStructure {
		dir, base := path.Split(rel)
		if dir != "" {
			base = fmt.Sprintf("%08x_%s", uint32(xxhash.Sum64String(path.Clean(dir))), base)
		}
		rel = base
	}
	return filepath.Join(f.s.cfg.StagingDir, filepath.FromSlash(rel))
}

// Complete 在交付后执行远端动作：删除或追加扩展名。
func (f *fetcher) Complete(ctx context.Context, file supplier.File) error {
	if f.s.cfg.PostAction == PostNone {
		return nil
	}
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	switch f.s.cfg.PostAction {
	case PostDelete:
		err = conn.Delete(file.Path)
	case PostRename:
		err = conn.Rename(file.Path, file.Path+f.s.cfg.RenameExtension)
	}
	if err != nil {
		return classify(err, xerrors.CodeProtocolFailure, fmt.Sprintf("处理远端文件 %s 失败", file.Path))
	}
	return nil
}

func (f *fetcher) Release() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Quit()
	f.conn = nil
	return err
}

func (f *fetcher) Close() error {
	return f.Release()
}

// ctxReader 让长时间的下载能响应取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var (
	_ supplier.Supplier = (*Supplier)(nil)
	_ supplier.Fetcher  = (*fetcher)(nil)
)
