package tftpserver

import (
	"errors"
	"time"
)

const (
	defaultAckTimeout   = 2 * time.Second
	defaultMaxRetries   = 5
	defaultPollInterval = 500 * time.Millisecond
	defaultReadBuffer   = 64 * 1024
)

var (
	ErrNegotiationFailed = errors.New("option negotiation failed")
	ErrTransferAborted   = errors.New("transfer aborted")
	ErrPeerRejected      = errors.New("peer sent error")
	ErrRetriesExhausted  = errors.New("retries exhausted")
)
