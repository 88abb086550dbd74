package email

import (
	"context"
	"crypto/tls"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	xerrors "OpenFAM-Supply/internal/errors"
)

// Mailbox 是供应器使用的 IMAP 操作子集，每个连接只由一个协程使用。
type Mailbox interface {
	// Unseen 返回文件夹的 UIDVALIDITY 与所有未读邮件的 UID。
	Unseen(folder string) (uint32, []uint32, error)
	// FetchRaw 把完整的 RFC 822 报文写入 w，不改变已读标记。
	FetchRaw(folder string, uid uint32, w io.Writer) error
	Move(folder string, uid uint32, dest string) error
	MarkSeen(folder string, uid uint32) error
	Logout() error
}

// Dialer 建立并登录一个 IMAP 连接。
type Dialer func(ctx context.Context, cfg Config) (Mailbox, error)

// Dial 使用 github.com/emersion/go-imap 客户端连接邮箱。
func Dial(ctx context.Context, cfg Config) (Mailbox, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(dialer, cfg.Address, &tls.Config{
			ServerName:         hostOf(cfg.Address),
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	} else {
		c, err = client.DialWithDialer(dialer, cfg.Address)
	}
	if err != nil {
		return nil, classify(err, "连接 IMAP 服务器失败")
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}
	if err := c.Login(cfg.User, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, classify(err, "IMAP 登录失败")
	}
	c.Timeout = cfg.CommandTimeout
	return &imapMailbox{c: c}, nil
}

type imapMailbox struct {
	c        *client.Client
	selected string
}

func (m *imapMailbox) selectFolder(folder string) (*imap.MailboxStatus, error) {
	status, err := m.c.Select(folder, false)
	if err != nil {
		m.selected = ""
		return nil, err
	}
	m.selected = folder
	return status, nil
}

func (m *imapMailbox) ensure(folder string) error {
	if m.selected == folder {
		return nil
	}
	_, err := m.selectFolder(folder)
	return err
}

func (m *imapMailbox) Unseen(folder string) (uint32, []uint32, error) {
	// 每次重新 SELECT，以便获取最新的 UIDVALIDITY 与新到邮件。
	status, err := m.selectFolder(folder)
	if err != nil {
		return 0, nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag, imap.DeletedFlag}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return 0, nil, err
	}
	return status.UidValidity, uids, nil
}

func (m *imapMailbox) FetchRaw(folder string, uid uint32, w io.Writer) error {
	if err := m.ensure(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var (
		found   bool
		copyErr error
	)
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil || found {
			continue
		}
		found = true
		_, copyErr = io.Copy(w, body)
	}
	if err := <-done; err != nil {
		return err
	}
	if copyErr != nil {
		return copyErr
	}
	if !found {
		return errMessageGone
	}
	return nil
}

func (m *imapMailbox) Move(folder string, uid uint32, dest string) error {
	if err := m.ensure(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return m.c.UidMove(seqset, dest)
}

func (m *imapMailbox) MarkSeen(folder string, uid uint32) error {
	if err := m.ensure(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return m.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func (m *imapMailbox) Logout() error {
	return m.c.Logout()
}

var errMessageGone = stdErrors.New("邮件已不存在")

// classify 把网络层错误标记为瞬时故障，IMAP 的 NO/BAD 回复等视为永久错误。
func classify(err error, message string) error {
	return classifyAs(err, xerrors.CodeProtocolFailure, message)
}

func classifyAs(err error, permanent xerrors.Code, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) ||
		stdErrors.Is(err, io.EOF) ||
		stdErrors.Is(err, io.ErrUnexpectedEOF) ||
		stdErrors.Is(err, net.ErrClosed) ||
		stdErrors.Is(err, syscall.ECONNRESET) ||
		stdErrors.Is(err, syscall.ECONNREFUSED) ||
		stdErrors.Is(err, client.ErrNotLoggedIn) ||
		stdErrors.Is(err, client.ErrAlreadyLoggedOut) {
		return xerrors.Wrap(xerrors.CodeConnectionFault, err, message)
	}
	return xerrors.Wrap(permanent, err, message)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func uidKey(address, folder string, validity, uid uint32) string {
	return fmt.Sprintf("imap://%s/%s;UIDVALIDITY=%d/;UID=%d", address, folder, validity, uid)
}
