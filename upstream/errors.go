package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnectionFailed ErrorKind = "connection_failed"
	KindHTTPError        ErrorKind = "http_error"
	KindNotFound         ErrorKind = "not_found"
	KindCanceled         ErrorKind = "canceled"
)

// FetchError is the only error type Fetch returns for upstream failures.
type FetchError struct {
	Kind   ErrorKind
	Path   string
	Status int // set for KindHTTPError and KindNotFound
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPError:
		return fmt.Sprintf("upstream %s: status %d", e.Path, e.Status)
	case KindNotFound:
		return fmt.Sprintf("upstream %s: not found", e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.Path, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnectionFailed
}

// IsKind reports whether err is a FetchError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == k
}

// classify turns a transport or body read error into a FetchError.
func classify(path string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindConnectionFailed
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err), errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, Path: path, Err: err}
}
