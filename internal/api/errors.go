package api

import (
	"errors"
	"fmt"
)

var (
	ErrRequest        = errors.New("error making vendor request")
	ErrStatus         = errors.New("error status from vendor API")
	ErrDecode         = errors.New("error decoding vendor response")
	ErrMissingDataURL = errors.New("search response has no data_url")
	ErrInvalidSearch  = errors.New("invalid search request")
)

// RetrievalError reports a failed search or fetch against the vendor API.
// A RetrievalError always aborts the run.
type RetrievalError struct {
	Op         string // "search" or "fetch"
	URL        string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
