package email

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
)

type memMessage struct {
	body   string
	seen   bool
	folder string
}

type memMailbox struct {
	mu       sync.Mutex
	messages map[uint32]*memMessage
	faults   int
	dials    atomic.Int32
	broken   map[uint32]bool
}

func newMemMailbox(bodies map[uint32]string) *memMailbox {
	m := &memMailbox{messages: make(map[uint32]*memMessage), broken: make(map[uint32]bool)}
	for uid, body := range bodies {
		m.messages[uid] = &memMessage{body: body, folder: "INBOX"}
	}
	return m
}

func (m *memMailbox) dial(context.Context, Config) (Mailbox, error) {
	m.dials.Add(1)
	return &memConn{m: m}, nil
}

type memConn struct{ m *memMailbox }

func (c *memConn) Unseen(folder string) (uint32, []uint32, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.faults > 0 {
		c.m.faults--
		return 0, nil, io.EOF
	}
	var uids []uint32
	for uid, msg := range c.m.messages {
		if msg.folder == folder && !msg.seen {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return 7, uids, nil
}

func (c *memConn) FetchRaw(folder string, uid uint32, w io.Writer) error {
	c.m.mu.Lock()
	msg, ok := c.m.messages[uid]
	broken := c.m.broken[uid]
	c.m.mu.Unlock()
	if !ok || msg.folder != folder {
		return errMessageGone
	}
	if broken {
		_, _ = io.WriteString(w, msg.body[:len(msg.body)/2])
		return io.ErrUnexpectedEOF
	}
	_, err := io.WriteString(w, msg.body)
	return err
}

func (c *memConn) Move(folder string, uid uint32, dest string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	msg, ok := c.m.messages[uid]
	if !ok || msg.folder != folder {
		return errors.New("NO no such message")
	}
	msg.folder = dest
	return nil
}

func (c *memConn) MarkSeen(folder string, uid uint32) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if msg, ok := c.m.messages[uid]; ok && msg.folder == folder {
		msg.seen = true
	}
	return nil
}

func (c *memConn) Logout() error { return nil }

func (m *memMailbox) folderOf(uid uint32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[uid]
	return msg.folder, msg.seen
}

type recordingTarget struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingTarget) NotifyFileAdded(_ context.Context, p string, info supplier.Info) (supplier.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, p)
	return supplier.Record{Path: p, SupplierID: info.ID}, nil
}

func (r *recordingTarget) NotifyFileSupplyingDone(context.Context, supplier.Info) error { return nil }

func (r *recordingTarget) NotifyFileSupplyingFailed(context.Context, supplier.Info, string) error {
	return nil
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func newTestSupplier(t *testing.T, mb *memMailbox, processed string) *Supplier {
	t.Helper()
	s, err := New(Config{
		ID:              "mail-test",
		Address:         "imap.example.com:993",
		User:            "scanner",
		StagingDir:      t.TempDir(),
		ProcessedFolder: processed,
		PollInterval:    10 * time.Millisecond,
	}, WithDialer(mb.dial))
	if err != nil {
		t.Fatalf("创建供应器失败: %v", err)
	}
	return s
}

func TestPollEmitsUnseenMessages(t *testing.T) {
	mb := newMemMailbox(map[uint32]string{3: "c", 1: "a", 2: "b"})
	mb.messages[2].seen = true
	s := newTestSupplier(t, mb, "")
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	var files []supplier.File
	err = pipeline.Source.Poll(context.Background(), func(_ context.Context, f supplier.File) error {
		files = append(files, f)
		return nil
	})
	if err != nil {
		t.Fatalf("探测失败: %v", err)
	}
	if len(files) != 2 || files[0].Path != "INBOX/1" || files[1].Path != "INBOX/3" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if !strings.Contains(files[0].Key, "UIDVALIDITY=7") {
		t.Fatalf("dedup key should carry the uid validity: %s", files[0].Key)
	}
}

func TestPollFaultReconnects(t *testing.T) {
	mb := newMemMailbox(map[uint32]string{1: "a"})
	mb.faults = 1
	s := newTestSupplier(t, mb, "")
	pipeline, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	noop := func(context.Context, supplier.File) error { return nil }
	if err := pipeline.Source.Poll(context.Background(), noop); xerrors.CodeOf(err) != xerrors.CodeConnectionFault {
		t.Fatalf("EOF should be a connection fault, got %v", err)
	}
	if err := pipeline.Source.Poll(context.Background(), noop); err != nil {
		t.Fatalf("poll should recover after reconnect: %v", err)
	}
	if mb.dials.Load() != 2 {
		t.Fatalf("expected a redial, got %d dials", mb.dials.Load())
	}
}

func TestFetchWritesEmlAndRemovesPartial(t *testing.T) {
	mb := newMemMailbox(map[uint32]string{1: "Subject: hi\r\n\r\nbody", 2: "Subject: broken\r\n\r\nxxxxxxxx"})
	mb.broken[2] = true
	s := newTestSupplier(t, mb, "")
	pipeline, _ := s.Open(context.Background())
	f, _ := pipeline.NewFetcher()
	defer f.Close()

	local, err := f.Fetch(context.Background(), supplier.File{Path: "INBOX/1", RemoteDir: "INBOX"})
	if err != nil {
		t.Fatalf("下载失败: %v", err)
	}
	if filepath.Base(local) != "1.eml" {
		t.Fatalf("unexpected local name: %s", local)
	}
	if data, _ := os.ReadFile(local); !strings.HasPrefix(string(data), "Subject: hi") {
		t.Fatalf("unexpected content: %q", data)
	}

	_, err = f.Fetch(context.Background(), supplier.File{Path: "INBOX/2", RemoteDir: "INBOX"})
	if !xerrors.RetryableError(err) {
		t.Fatalf("interrupted fetch should be retryable, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(local), "2.eml.partial")); !os.IsNotExist(statErr) {
		t.Fatalf("partial file must be removed")
	}

	_, err = f.Fetch(context.Background(), supplier.File{Path: "INBOX/99", RemoteDir: "INBOX"})
	if xerrors.CodeOf(err) != supplier.CodeFetchFailure || xerrors.RetryableError(err) {
		t.Fatalf("missing message should be a permanent fetch failure, got %v", err)
	}
}

func TestControllerMovesDeliveredMessages(t *testing.T) {
	mb := newMemMailbox(map[uint32]string{1: "a", 2: "b", 3: "c"})
	s := newTestSupplier(t, mb, "Processed")
	target := &recordingTarget{}
	c := supplier.NewController(s)
	if err := c.Start(context.Background(), target); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for target.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("邮件未能及时交付，已交付 %d", target.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if target.count() != 3 {
		t.Fatalf("each message should be delivered once, got %d", target.count())
	}
	for uid := uint32(1); uid <= 3; uid++ {
		if folder, _ := mb.folderOf(uid); folder != "Processed" {
			t.Fatalf("message %d should be moved, still in %s", uid, folder)
		}
	}
}

func TestCompleteMarksSeenWithoutProcessedFolder(t *testing.T) {
	mb := newMemMailbox(map[uint32]string{5: "e"})
	s := newTestSupplier(t, mb, "")
	pipeline, _ := s.Open(context.Background())
	f, _ := pipeline.NewFetcher()
	if err := f.Complete(context.Background(), supplier.File{Path: "INBOX/5", RemoteDir: "INBOX"}); err != nil {
		t.Fatalf("标记已读失败: %v", err)
	}
	if folder, seen := mb.folderOf(5); folder != "INBOX" || !seen {
		t.Fatalf("message should stay in INBOX and be seen")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{ID: "m", Address: "a:993", User: "u", StagingDir: "/tmp", ProcessedFolder: "INBOX"}); err == nil {
		t.Fatalf("processed folder equal to input folder should be rejected")
	}
	if _, err := New(Config{ID: "m", User: "u", StagingDir: "/tmp"}); err == nil {
		t.Fatalf("missing address should be rejected")
	}
}
