//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/session.go -package=mocks . Session

package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// ReplyTransferComplete is the FTP "closing data connection, requested file
// action successful" reply. It is the only reply that counts as delivered.
const ReplyTransferComplete = ftp.StatusClosingDataConnection

// Session is one authenticated-capable FTP control connection.
type Session interface {
	Login(user, password string) error
	// Store uploads r as path and returns the server's completion reply code.
	// A non-nil error may still carry a code (for example 550).
	Store(path string, r io.Reader) (int, error)
	Quit() error
}

// Dialer opens a Session to addr within timeout.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (Session, error)

// DialFTP is the production Dialer backed by github.com/jlaffaye/ftp.
//
// timeout bounds the TCP dial and every later read or write on the control
// and data connections, so a server that stops answering fails the session
// instead of blocking it.
func DialFTP(ctx context.Context, addr string, timeout time.Duration) (Session, error) {
	dialer := &net.Dialer{Timeout: timeout}
	replies := &replyLog{}
	dials := 0
	dial := func(network, address string) (net.Conn, error) {
		// ctx covers the control connection only; data connections are
		// opened later and rely on the dialer timeout.
		dialCtx := ctx
		if dials > 0 {
			dialCtx = context.Background()
		}
		conn, err := dialer.DialContext(dialCtx, network, address)
		if err != nil {
			return nil, err
		}
		dc := &deadlineConn{Conn: conn, timeout: timeout}
		// The first connection is the control connection.
		if dials == 0 {
			dc.replies = replies
		}
		dials++
		return dc, nil
	}

	conn, err := ftp.Dial(withDefaultPort(addr),
		ftp.DialWithDialFunc(dial),
		ftp.DialWithShutTimeout(timeout),
	)
	if err != nil {
		return nil, err
	}
	return &ftpSession{conn: conn, replies: replies}, nil
}

type ftpSession struct {
	conn    *ftp.ServerConn
	replies *replyLog
}

func (s *ftpSession) Login(user, password string) error {
	return s.conn.Login(user, password)
}

// Store checks the last reply read on the control connection itself:
// ftp.ServerConn.Stor in v0.2.0 drops the error from the completion reply.
func (s *ftpSession) Store(path string, r io.Reader) (int, error) {
	if err := s.conn.Stor(path, r); err != nil {
		return ReplyCode(err), err
	}
	code, text := s.replies.last()
	if code != ReplyTransferComplete {
		return code, &textproto.Error{Code: code, Msg: text}
	}
	return code, nil
}

func (s *ftpSession) Quit() error {
	return s.conn.Quit()
}

// deadlineConn pushes the connection deadline forward before each I/O call.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
	replies *replyLog
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(b)
	if c.replies != nil {
		c.replies.observe(b[:n])
	}
	return n, err
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// replyLog remembers the last final reply line ("NNN text") seen on the
// control connection. Continuation lines ("NNN-text") are ignored.
type replyLog struct {
	partial []byte
	code    int
	text    string
}

func (l *replyLog) observe(p []byte) {
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimRight(string(l.partial[:i]), "\r")
		l.partial = l.partial[i+1:]

		if len(line) < 4 || line[3] != ' ' {
			continue
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			continue
		}
		l.code, l.text = code, line[4:]
	}
}

func (l *replyLog) last() (int, string) {
	return l.code, l.text
}

// ReplyText returns the server's reply message carried by err, if any.
func ReplyText(err error) string {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Msg
	}
	return ""
}

// ReplyCode extracts the FTP reply code carried by err, or 0 if there is none.
func ReplyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "21")
}
