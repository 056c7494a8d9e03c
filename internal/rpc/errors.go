package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("channel closed")
	ErrCallTimeout   = errors.New("rpc call timed out")
	ErrCallCanceled  = errors.New("rpc call canceled")
	ErrNoPendingCall = errors.New("rpc reply with no pending call")
	ErrUnknownOpcode = errors.New("unknown message")
)

// ConnectionError reports that the channel could not be established.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
