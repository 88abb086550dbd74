// Package relay 实现右键菜单供应器：外壳扩展把用户选中的路径
// 通过本机 HTTP 接口转交给守护进程，再由控制器派发。
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/pkg/logger"
)

// Kind 是右键菜单供应器在注册表中的类型名。
const Kind = "relay"

const (
	selectionsPath  = "/selections"
	tokenHeader     = "X-Relay-Token"
	maxRequestBytes = 1 << 20
)

// Config 描述右键菜单供应器。
type Config struct {
	ID             string                `yaml:"id" json:"id" msgpack:"id"`
	Description    string                `yaml:"description" json:"description" msgpack:"description"`
	Listen         string                `yaml:"listen" json:"listen" msgpack:"listen"`
	Token          string                `yaml:"token" json:"token" msgpack:"token"`
	IncludeFolders bool                  `yaml:"include_folders" json:"include_folders" msgpack:"include_folders"`
	Recursive      *bool                 `yaml:"recursive" json:"recursive" msgpack:"recursive"`
	Filter         supplier.FilterConfig `yaml:"filter" json:"filter" msgpack:"filter"`
	PollInterval   time.Duration         `yaml:"poll_interval" json:"poll_interval" msgpack:"poll_interval"`
	// RateLimit 限制每秒接受的选择次数，Burst 为允许的突发量。
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" msgpack:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst" msgpack:"burst"`
}

// ApplyDefaults 补齐未设置的字段。
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7465"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
}

// recursive 在 Recursive 未设置时返回 true：展开文件夹即递归展开，
// 显式设为 false 时只取第一层文件。
func (c Config) recursive() bool {
	return c.Recursive == nil || *c.Recursive
}

// Selection 是一次右键菜单操作。
type Selection struct {
	Paths []string `json:"paths"`
}

// Supplier 在会话期间监听本机端口，接收选择并展开为文件。
type Supplier struct {
	cfg    Config
	filter *supplier.Filter
	logger *slog.Logger

	mu   sync.Mutex
	addr string
}

// New 校验配置并创建供应器。
func New(cfg Config, log *slog.Logger) (*Supplier, error) {
	cfg.ApplyDefaults()
	if cfg.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "relay: 供应器 ID 不能为空")
	}
	host, _, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "relay: listen 地址无效")
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("relay: 只允许监听本机地址，当前为 %s", cfg.Listen))
	}
	filter, err := supplier.NewFilter(cfg.Filter)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "relay: 过滤条件无效")
	}
	if log == nil {
		log = logger.Named("relay")
	}
	return &Supplier{cfg: cfg, filter: filter, logger: log.With(slog.String("supplier_id", cfg.ID))}, nil
}

// Info 实现 supplier.Supplier。
func (s *Supplier) Info() supplier.Info {
	desc := s.cfg.Description
	if desc == "" {
		desc = "context menu relay on " + s.cfg.Listen
	}
	return supplier.Info{ID: s.cfg.ID, Kind: Kind, Description: desc}
}

// Addr 返回当前会话实际监听的地址，未运行时为空。
func (s *Supplier) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Open 开始监听。端口被占用等错误即初始化失败。
func (s *Supplier) Open(context.Context) (*supplier.Pipeline, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "relay: 监听失败")
	}
	src := &source{
		s:       s,
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(selectionsPath, src.handleSelections)
	src.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := src.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay 监听异常退出", slog.Any("error", err))
		}
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("右键菜单中继已启动", slog.String("addr", ln.Addr().String()))

	return &supplier.Pipeline{
		Source:          src,
		Workers:         1,
		PollInterval:    s.cfg.PollInterval,
		ForgetDelivered: true,
	}, nil
}

type source struct {
	s       *Supplier
	server  *http.Server
	wake    chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	pending [][]string
}

func (src *source) handleSelections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if token := src.s.cfg.Token; token != "" && r.Header.Get(tokenHeader) != token {
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}
	if !src.limiter.Allow() {
		http.Error(w, "请求过于频繁", http.StatusTooManyRequests)
		return
	}
	var sel Selection
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&sel); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(sel.Paths) == 0 {
		http.Error(w, "paths 不能为空", http.StatusBadRequest)
		return
	}
	src.mu.Lock()
	src.pending = append(src.pending, sel.Paths)
	src.mu.Unlock()
	select {
	case src.wake <- struct{}{}:
	default:
	}
	w.WriteHeader(http.StatusAccepted)
}

// Poll 展开自上次探测以来收到的所有选择。
func (src *source) Poll(ctx context.Context, emit supplier.EmitFunc) error {
	src.mu.Lock()
	batches := src.pending
	src.pending = nil
	src.mu.Unlock()

	opts := supplier.ExpandOptions{
		IncludeFolders: src.s.cfg.IncludeFolders,
		Recursive:      src.s.cfg.recursive(),
		Filter:         src.s.filter,
	}
	for i, paths := range batches {
		files, skipped, err := supplier.ExpandPaths(ctx, paths, opts)
		if err != nil {
			src.requeue(batches[i:])
			return err
		}
		for _, p := range skipped {
			src.s.logger.Warn("选中的路径不存在，已跳过", slog.String("path", p))
		}
		for j, f := range files {
			if err := emit(ctx, f); err != nil {
				// 只放回尚未交出的文件，已入队的文件可能已交付并释放了去重记录。
				rest := make([]string, 0, len(files)-j)
				for _, left := range files[j:] {
					rest = append(rest, left.Path)
				}
				src.requeue(append([][]string{rest}, batches[i+1:]...))
				return err
			}
		}
	}
	return nil
}

// requeue 把未处理完的选择放回队首。
func (src *source) requeue(batches [][]string) {
	src.mu.Lock()
	src.pending = append(append([][]string{}, batches...), src.pending...)
	src.mu.Unlock()
}

func (src *source) Wake() <-chan struct{} {
	return src.wake
}

func (src *source) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src.s.mu.Lock()
	src.s.addr = ""
	src.s.mu.Unlock()
	return src.server.Shutdown(ctx)
}

// Send 把一次选择转交给正在运行的中继，供外壳扩展或命令行使用。
func Send(ctx context.Context, addr, token string, paths []string) error {
	body, err := json.Marshal(Selection{Paths: paths})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+selectionsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFault, err, "relay: 连接中继失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeProtocolFailure, fmt.Sprintf("relay: 中继拒绝请求 (%d): %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}
	return nil
}

var (
	_ supplier.Supplier = (*Supplier)(nil)
	_ supplier.Waker    = (*source)(nil)
)
