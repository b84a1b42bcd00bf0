package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrConnect       = errors.New("ftp connect failed")
	ErrLogin         = errors.New("ftp login failed")
	ErrTransfer      = errors.New("ftp transfer failed")
	ErrUnexpectedEnd = errors.New("unexpected completion reply")
	ErrNoDocument    = errors.New("nothing to deliver")
	ErrNoFilename    = errors.New("missing destination filename")
)

// DeliveryError reports a failed delivery session. State is the last state the
// session reached before failing; Code and Reply are the FTP reply code and
// message, if any.
type DeliveryError struct {
	Host  string
	State State
	Code  int
	Reply string
	Err   error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("deliver to %s (state %s, reply %d): %v", e.Host, e.State, e.Code, e.Err)
	}
	return fmt.Sprintf("deliver to %s (state %s): %v", e.Host, e.State, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
