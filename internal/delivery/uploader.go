// Package delivery stores output documents on an FTP destination and
// verifies the transfer completed.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/noiseuploader/internal/logging"
	"github.com/tejusbharadwaj/noiseuploader/internal/models"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultFilename = "device_data.csv"
)

// State is a step of the delivery session lifecycle:
// Disconnected -> Connected -> Authenticated -> Transferring -> Closed.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateTransferring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateTransferring:
		return "transferring"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Destination is the FTP host that receives the output file.
type Destination struct {
	Host string
}

// Credentials authenticate the delivery session.
type Credentials struct {
	Username string
	Password string
}

// Result describes a successful delivery.
type Result struct {
	Filename string
	Bytes    int
	Code     int
	State    State
}

// FTPUploader delivers one document per call over a fresh session.
type FTPUploader struct {
	dial    Dialer
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewFTPUploader returns an uploader using dial to open sessions. A nil dial
// uses DialFTP; a non-positive timeout uses DefaultTimeout.
func NewFTPUploader(dial Dialer, timeout time.Duration, logger logrus.FieldLogger) *FTPUploader {
	if dial == nil {
		dial = DialFTP
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FTPUploader{dial: dial, timeout: timeout, logger: logger}
}

// Deliver stores doc as filename on dest. It succeeds only if the server's
// completion reply is exactly 226. The session is closed before Deliver
// returns, whatever the outcome. An existing file of the same name is
// overwritten.
func (u *FTPUploader) Deliver(
	ctx context.Context,
	doc *models.OutputDocument,
	filename string,
	dest Destination,
	creds Credentials,
) (Result, error) {
	logger := logging.FromContext(ctx, u.logger).WithFields(logrus.Fields{
		"host":     dest.Host,
		"username": creds.Username,
		"filename": filename,
	})

	if doc == nil {
		return Result{}, &DeliveryError{Host: dest.Host, State: StateDisconnected, Err: ErrNoDocument}
	}
	if filename == "" {
		return Result{}, &DeliveryError{Host: dest.Host, State: StateDisconnected, Err: ErrNoFilename}
	}

	logger.Info("Connecting to FTP")
	dialCtx, cancel := context.WithTimeout(ctx, u.timeout)
	session, err := u.dial(dialCtx, dest.Host, u.timeout)
	cancel()
	if err != nil {
		derr := &DeliveryError{Host: dest.Host, State: StateDisconnected, Code: ReplyCode(err), Reply: ReplyText(err), Err: fmt.Errorf("%w: %v", ErrConnect, err)}
		logger.WithError(err).Error("FTP connect failed")
		return Result{}, derr
	}

	state := StateConnected
	result, derr := u.transfer(session, &state, doc.Bytes(), filename, creds)

	if qerr := session.Quit(); qerr != nil {
		logger.WithError(qerr).Warn("Failed to close FTP session cleanly")
	}
	state = StateClosed
	result.State = state

	if derr != nil {
		derr.Host = dest.Host
		logger.WithFields(logrus.Fields{
			"state":      derr.State.String(),
			"reply":      derr.Code,
			"reply_text": derr.Reply,
		}).WithError(derr.Err).Error("FTP delivery failed")
		return result, derr
	}

	logger.WithFields(logrus.Fields{
		"reply": result.Code,
		"bytes": result.Bytes,
	}).Info("FTP delivery finished")
	return result, nil
}

// transfer walks the session from Connected to the end of the transfer,
// advancing *state as each step succeeds.
func (u *FTPUploader) transfer(session Session, state *State, data []byte, filename string, creds Credentials) (Result, *DeliveryError) {
	result := Result{Filename: filename}

	if err := session.Login(creds.Username, creds.Password); err != nil {
		return result, &DeliveryError{State: *state, Code: ReplyCode(err), Reply: ReplyText(err), Err: fmt.Errorf("%w: %v", ErrLogin, err)}
	}
	*state = StateAuthenticated

	*state = StateTransferring
	code, err := session.Store(filename, bytes.NewReader(data))
	result.Code = code
	if err != nil {
		return result, &DeliveryError{State: *state, Code: code, Reply: ReplyText(err), Err: fmt.Errorf("%w: %v", ErrTransfer, err)}
	}
	if code != ReplyTransferComplete {
		return result, &DeliveryError{State: *state, Code: code, Err: fmt.Errorf("%w: got %d, want %d", ErrUnexpectedEnd, code, ReplyTransferComplete)}
	}

	result.Bytes = len(data)
	return result, nil
}
