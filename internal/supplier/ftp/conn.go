package ftp

import (
	"context"
	"crypto/tls"
	stdErrors "errors"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"syscall"

	goftp "github.com/jlaffaye/ftp"

	xerrors "OpenFAM-Supply/internal/errors"
)

// Conn 是供应器使用的 FTP 操作子集，每个连接只由一个协程使用。
type Conn interface {
	List(path string) ([]*goftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	Delete(path string) error
	Rename(from, to string) error
	Quit() error
}

// Dialer 建立并登录一个 FTP 连接。
type Dialer func(ctx context.Context, cfg Config) (Conn, error)

type serverConn struct {
	*goftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

// Dial 使用 github.com/jlaffaye/ftp 连接服务器，TLS 为显式 FTPS。
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	opts := []goftp.DialOption{
		goftp.DialWithContext(ctx),
		goftp.DialWithTimeout(cfg.DialTimeout),
	}
	if cfg.TLS {
		opts = append(opts, goftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}))
	}
	conn, err := goftp.Dial(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), opts...)
	if err != nil {
		return nil, classify(err, xerrors.CodeProtocolFailure, "连接 FTP 服务器失败")
	}
	if err := conn.Login(cfg.User, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, classify(err, xerrors.CodeProtocolFailure, "FTP 登录失败")
	}
	return serverConn{conn}, nil
}

// classify 把 FTP 错误映射为错误码：网络错误与 4xx 回复视为瞬时故障，
// 5xx 等永久错误使用 permanent。
func classify(err error, permanent xerrors.Code, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	var reply *textproto.Error
	if stdErrors.As(err, &reply) {
		if reply.Code >= 400 && reply.Code < 500 {
			return xerrors.Wrap(xerrors.CodeConnectionFault, err, message,
				xerrors.WithMetadata("reply", strconv.Itoa(reply.Code)))
		}
		return xerrors.Wrap(permanent, err, message,
			xerrors.WithMetadata("reply", strconv.Itoa(reply.Code)))
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) ||
		stdErrors.Is(err, io.EOF) ||
		stdErrors.Is(err, io.ErrUnexpectedEOF) ||
		stdErrors.Is(err, net.ErrClosed) ||
		stdErrors.Is(err, syscall.ECONNRESET) ||
		stdErrors.Is(err, syscall.ECONNREFUSED) ||
		stdErrors.Is(err, syscall.EPIPE) ||
		stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeConnectionFault, err, message)
	}
	return xerrors.Wrap(permanent, err, message)
}
