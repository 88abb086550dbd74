package ftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goftp "github.com/jlaffaye/ftp"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
)

// memServer 是内存中的 FTP 文件树，目录由文件路径隐式给出。
type memServer struct {
	mu        sync.Mutex
	files     map[string][]byte
	dials     atomic.Int32
	dialErr   error
	listErr   error
	breakRetr map[string]bool
}

func newMemServer(files map[string]string) *memServer {
	s := &memServer{files: make(map[string][]byte), breakRetr: make(map[string]bool)}
	for p, body := range files {
		s.files[p] = []byte(body)
	}
	return s
}

func (s *memServer) dial(context.Context, Config) (Conn, error) {
	s.dials.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return &memConn{srv: s}, nil
}

func (s *memServer) exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[p]
	return ok
}

type memConn struct {
	srv    *memServer
	closed bool
}

func (c *memConn) List(dir string) ([]*goftp.Entry, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.listErr != nil {
		err := c.srv.listErr
		c.srv.listErr = nil
		return nil, err
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := make(map[string]*goftp.Entry)
	for p, body := range c.srv.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[name] = &goftp.Entry{Name: name, Type: goftp.EntryTypeFolder}
			continue
		}
		seen[name] = &goftp.Entry{Name: name, Type: goftp.EntryTypeFile, Size: uint64(len(body)), Time: time.Unix(1700000000, 0)}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := []*goftp.Entry{{Name: ".", Type: goftp.EntryTypeFolder}}
	for _, name := range names {
		entries = append(entries, seen[name])
	}
	return entries, nil
}

func (c *memConn) Retr(p string) (io.ReadCloser, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	body, ok := c.srv.files[p]
	if !ok {
		return nil, &textproto.Error{Code: 550, Msg: "No such file"}
	}
	if c.srv.breakRetr[p] {
		return io.NopCloser(io.MultiReader(bytes.NewReader(body[:len(body)/2]), errReader{})), nil
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (c *memConn) Delete(p string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.files[p]; !ok {
		return &textproto.Error{Code: 550, Msg: "No such file"}
	}
	delete(c.srv.files, p)
	return nil
}

func (c *memConn) Rename(from, to string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	body, ok := c.srv.files[from]
	if !ok {
		return &textproto.Error{Code: 550, Msg: "No such file"}
	}
	delete(c.srv.files, from)
	c.srv.files[to] = body
	return nil
}

func (c *memConn) Quit() error {
	c.closed = true
	return nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func newTestSupplier(t *testing.T, srv *memServer, mutate func(*Config)) *Supplier {
	t.Helper()
	cfg := Config{
		ID:         "ftp-test",
		Host:       "ftp.example.com",
		Root:       "/in",
		Recursive:  true,
		StagingDir: t.TempDir(),
		Filter:     supplier.FilterConfig{Patterns: "*.pdf"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, WithDialer(srv.dial))
	if err != nil {
		t.Fatalf("创建供应器失败: %v", err)
	}
	return s
}

func collect(t *testing.T, src supplier.Source) []supplier.File {
	t.Helper()
	var files []supplier.File
	err := src.Poll(context.Background(), func(_ context.Context, f supplier.File) error {
		files = append(files, f)
		return nil
	})
	if err != nil {
		t.Fatalf("探测失败: %v", err)
	}
	return files
}

func TestPollListsMatchingFiles(t *testing.T) {
	srv := newMemServer(map[string]string{
		"/in/a.pdf":           "a",
		"/in/notes.txt":       "n",
		"/in/sub/b.pdf":       "bb",
		"/in/sub/c.pdf.part":  "partial",
		"/in/sub/deep/d.PDF":  "ddd",
		"/out/ignored.pdf":    "x",
		"/in/sub/e.pdf.done":  "done",
		"/in/sub/deep/f.tiff": "f",
	})
	s := newTestSupplier(t, srv, func(c *Config) {
		c.InProgressSuffix = ".part"
		c.PostAction = PostRename
	})
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	defer pipeline.Source.Close()

	files := collect(t, pipeline.Source)
	var got []string
	for _, f := range files {
		got = append(got, f.Path)
	}
	want := []string{"/in/a.pdf", "/in/sub/b.pdf", "/in/sub/deep/d.PDF"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected listing: %v", got)
	}
	if files[1].RemoteDir != "/in/sub" || files[1].Size != 2 {
		t.Fatalf("unexpected metadata: %+v", files[1])
	}
	if !strings.HasPrefix(files[0].Key, "ftp://ftp.example.com:21/") {
		t.Fatalf("dedup key should include the server: %s", files[0].Key)
	}
	if !pipeline.ForgetDelivered {
		t.Fatalf("rename post action should forget delivered files")
	}
}

func TestPollNonRecursiveSkipsFolders(t *testing.T) {
	srv := newMemServer(map[string]string{"/in/a.pdf": "a", "/in/sub/b.pdf": "b"})
	s := newTestSupplier(t, srv, func(c *Config) { c.Recursive = false })
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	if files := collect(t, pipeline.Source); len(files) != 1 {
		t.Fatalf("expected only top-level files, got %d", len(files))
	}
}

func TestPollReconnectsAfterFault(t *testing.T) {
	srv := newMemServer(map[string]string{"/in/a.pdf": "a"})
	s := newTestSupplier(t, srv, nil)
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}

	srv.listErr = &textproto.Error{Code: 421, Msg: "Service not available"}
	err = pipeline.Source.Poll(context.Background(), func(context.Context, supplier.File) error { return nil })
	if !xerrors.RetryableError(err) || xerrors.CodeOf(err) != xerrors.CodeConnectionFault {
		t.Fatalf("421 should be a transient connection fault, got %v", err)
	}
	dials := srv.dials.Load()
	if files := collect(t, pipeline.Source); len(files) != 1 {
		t.Fatalf("expected recovery after reconnect, got %d files", len(files))
	}
	if srv.dials.Load() != dials+1 {
		t.Fatalf("source should redial after a fault")
	}

	srv.listErr = &textproto.Error{Code: 550, Msg: "Permission denied"}
	err = pipeline.Source.Poll(context.Background(), func(context.Context, supplier.File) error { return nil })
	if xerrors.RetryableError(err) || xerrors.CodeOf(err) != xerrors.CodeProtocolFailure {
		t.Fatalf("550 should be a permanent protocol failure, got %v", err)
	}
}

func TestOpenFailsWhenServerUnreachable(t *testing.T) {
	srv := newMemServer(nil)
	srv.dialErr = errors.New("dial tcp: connection refused")
	s := newTestSupplier(t, srv, nil)
	if _, err := s.Open(context.Background()); err == nil {
		t.Fatalf("open should fail when the server cannot be reached")
	}
}

func TestFetchDownloadsAndCompletes(t *testing.T) {
	srv := newMemServer(map[string]string{"/in/sub/b.pdf": "payload"})
	s := newTestSupplier(t, srv, func(c *Config) { c.KeepStructure = true })
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	f, err := pipeline.NewFetcher()
	if err != nil {
		t.Fatalf("创建取回器失败: %v", err)
	}
	defer f.Close()

	file := supplier.File{Path: "/in/sub/b.pdf"}
	local, err := f.Fetch(context.Background(), file)
	if err != nil {
		t.Fatalf("下载失败: %v", err)
	}
	if local != filepath.Join(s.Config().StagingDir, "sub", "b.pdf") {
		t.Fatalf("unexpected local path: %s", local)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected content %q: %v", data, err)
	}
	if err := f.Complete(context.Background(), file); err != nil {
		t.Fatalf("远端动作失败: %v", err)
	}
	if srv.exists("/in/sub/b.pdf") {
		t.Fatalf("delete post action should remove the remote file")
	}
}

func TestFetchRemovesPartialDownload(t *testing.T) {
	srv := newMemServer(map[string]string{"/in/big.pdf": strings.Repeat("x", 4096)})
	srv.breakRetr["/in/big.pdf"] = true
	s := newTestSupplier(t, srv, nil)
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	f, _ := pipeline.NewFetcher()
	defer f.Close()

	_, err = f.Fetch(context.Background(), supplier.File{Path: "/in/big.pdf"})
	if !xerrors.RetryableError(err) {
		t.Fatalf("interrupted transfer should be retryable, got %v", err)
	}
	entries, _ := os.ReadDir(s.Config().StagingDir)
	if len(entries) != 0 {
		t.Fatalf("partial download must be removed, found %v", entries)
	}

	_, err = f.Fetch(context.Background(), supplier.File{Path: "/in/missing.pdf"})
	if xerrors.CodeOf(err) != supplier.CodeFetchFailure || xerrors.RetryableError(err) {
		t.Fatalf("missing file should be a permanent fetch failure, got %v", err)
	}
}

func TestCompleteRenameAndNone(t *testing.T) {
	srv := newMemServer(map[string]string{"/in/a.pdf": "a", "/in/b.pdf": "b"})
	renamer := newTestSupplier(t, srv, func(c *Config) { c.PostAction = PostRename; c.RenameExtension = "bak" })
	pipeline, _ := renamer.Open(context.Background())
	f, _ := pipeline.NewFetcher()
	if err := f.Complete(context.Background(), supplier.File{Path: "/in/a.pdf"}); err != nil {
		t.Fatalf("重命名失败: %v", err)
	}
	if !srv.exists("/in/a.pdf.bak") || srv.exists("/in/a.pdf") {
		t.Fatalf("rename post action should append the extension")
	}

	keeper := newTestSupplier(t, srv, func(c *Config) { c.PostAction = PostNone })
	pipeline, _ = keeper.Open(context.Background())
	if pipeline.ForgetDelivered {
		t.Fatalf("files left on the server must stay in the ledger")
	}
	f, _ = pipeline.NewFetcher()
	if err := f.Complete(context.Background(), supplier.File{Path: "/in/b.pdf"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !srv.exists("/in/b.pdf") {
		t.Fatalf("none post action must leave the file")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{ID: "x", StagingDir: "/tmp"}); err == nil {
		t.Fatalf("missing host should be rejected")
	}
	if _, err := New(Config{ID: "x", Host: "h", StagingDir: "/tmp", PostAction: "archive"}); err == nil {
		t.Fatalf("unknown post action should be rejected")
	}
	cfg := Config{ID: "x", Host: "h"}
	cfg.ApplyDefaults()
	if cfg.Port != 21 || cfg.User != "anonymous" || cfg.PostAction != PostDelete || cfg.Connections != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

type recordingTarget struct {
	mu    sync.Mutex
	paths []string
	done  atomic.Int32
}

func (r *recordingTarget) NotifyFileAdded(_ context.Context, p string, info supplier.Info) (supplier.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, p)
	return supplier.Record{ID: path.Base(p), Path: p, SupplierID: info.ID}, nil
}

func (r *recordingTarget) NotifyFileSupplyingDone(context.Context, supplier.Info) error {
	r.done.Add(1)
	return nil
}

func (r *recordingTarget) NotifyFileSupplyingFailed(context.Context, supplier.Info, string) error {
	return nil
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestControllerDeliversWithParallelConnections(t *testing.T) {
	files := make(map[string]string)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files["/in/"+name+".pdf"] = name
	}
	srv := newMemServer(files)
	s := newTestSupplier(t, srv, func(c *Config) {
		c.Connections = 3
		c.PollInterval = 10 * time.Millisecond
	})
	target := &recordingTarget{}
	c := supplier.NewController(s)
	if err := c.Start(context.Background(), target); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for target.count() < len(files) {
		select {
		case <-deadline:
			t.Fatalf("文件未能及时交付，已交付 %d", target.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if target.count() != len(files) || target.done.Load() != 1 {
		t.Fatalf("expected %d deliveries and one done, got %d/%d", len(files), target.count(), target.done.Load())
	}
	for p := range files {
		if srv.exists(p) {
			t.Fatalf("%s should be deleted after delivery", p)
		}
	}
}

func TestFlatStagingKeepsSameNamedFilesApart(t *testing.T) {
	srv := newMemServer(map[string]string{
		"/in/x.pdf":   "root",
		"/in/a/x.pdf": "from a",
		"/in/b/x.pdf": "from b",
	})
	s := newTestSupplier(t, srv, func(c *Config) { c.Connections = 3 })
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}

	remotes := []string{"/in/x.pdf", "/in/a/x.pdf", "/in/b/x.pdf"}
	locals := make([]string, len(remotes))
	errs := make([]error, len(remotes))
	var wg sync.WaitGroup
	for i, remote := range remotes {
		f, err := pipeline.NewFetcher()
		if err != nil {
			t.Fatalf("创建取回器失败: %v", err)
		}
		defer f.Close()
		wg.Add(1)
		go func(i int, remote string, f supplier.Fetcher) {
			defer wg.Done()
			locals[i], errs[i] = f.Fetch(context.Background(), supplier.File{Path: remote})
		}(i, remote, f)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, remote := range remotes {
		if errs[i] != nil {
			t.Fatalf("下载 %s 失败: %v", remote, errs[i])
		}
		if seen[locals[i]] {
			t.Fatalf("同名文件落到了同一个暂存路径: %s", locals[i])
		}
		seen[locals[i]] = true
		if filepath.Dir(locals[i]) != s.Config().StagingDir {
			t.Fatalf("不保留结构时应直接写入暂存目录，实际 %s", locals[i])
		}
		data, err := os.ReadFile(locals[i])
		if err != nil {
			t.Fatalf("读取暂存文件失败: %v", err)
		}
		want := srv.files[remote]
		if string(data) != string(want) {
			t.Fatalf("%s 的暂存内容 %q 与远端 %q 不一致", remote, data, want)
		}
	}
	if locals[0] != filepath.Join(s.Config().StagingDir, "x.pdf") {
		t.Fatalf("根目录下的文件应保留原名，实际 %s", locals[0])
	}
}
