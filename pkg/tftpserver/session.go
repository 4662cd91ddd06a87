package tftpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/t2hproxy/backend/pool"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/metrics"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
)

// Request is the read request as received by the listener. Raw is a private
// copy; the listener reuses its buffer for the next datagram.
type Request struct {
	Peer *net.UDPAddr
	// Local is the address the request was sent to, nil when unknown.
	Local    net.IP
	Raw      []byte
	Received time.Time
}

// packetBuffers backs the send and receive buffers of every session.
var packetBuffers = pool.NewBufferPool(tftpwire.MTU)

// session owns one client interaction. Nothing in it is shared with the
// listener or with other sessions.
type session struct {
	id   uuid.UUID
	cfg  *Config
	req  Request
	conn packetConn

	filename  string
	mode      string
	options   map[string]string
	blockSize int

	sendBuf []byte
	recvBuf []byte

	blocksSent uint64
	bytesSent  uint64
}

func newSession(cfg *Config, req Request, conn packetConn) *session {
	return &session{
		id:        uuid.New(),
		cfg:       cfg,
		req:       req,
		conn:      conn,
		blockSize: tftpwire.DefaultBlockSize,
		sendBuf:   packetBuffers.GetBuffer(),
		recvBuf:   packetBuffers.GetBuffer(),
	}
}

// release returns the packet buffers. The session must not send afterwards.
func (s *session) release() {
	packetBuffers.PutBuffer(s.sendBuf)
	packetBuffers.PutBuffer(s.recvBuf)
	s.sendBuf, s.recvBuf = nil, nil
}

func (s *session) fields() internal.Fields {
	return internal.Fields{
		internal.FieldSession: s.id.String(),
		internal.FieldPeer:    s.req.Peer.String(),
		internal.FieldFile:    s.filename,
	}
}

// run decodes the request, negotiates options, opens the upstream stream and
// transfers it. The caller owns s.conn.
func (s *session) run(ctx context.Context) error {
	var rrq tftpwire.RequestPacket
	if _, err := rrq.Decode(s.req.Raw); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	s.filename = rrq.Filename
	s.mode = rrq.Mode

	internal.Info("read request", internal.Fields{
		internal.FieldSession: s.id.String(),
		internal.FieldPeer:    s.req.Peer.String(),
		internal.FieldFile:    s.filename,
		internal.FieldMode:    s.mode,
	})

	if err := s.negotiate(); err != nil {
		return err
	}

	url := s.cfg.URLPrefix + s.filename
	stream, err := s.cfg.Fetcher.Fetch(ctx, url)
	if err != nil {
		s.sendError(tftpwire.ErrFileNotFound, err.Error())
		return &fetchFailedError{url: url, err: err}
	}
	defer stream.Close()

	return s.transfer(stream)
}

func (s *session) sendError(code tftpwire.ErrorCode, msg string) {
	ep := tftpwire.ErrorPacket{Code: code, Message: msg}
	n, err := ep.Encode(s.sendBuf)
	if err != nil {
		internal.Error("encode error packet", internal.Fields{
			internal.FieldSession: s.id.String(),
			internal.FieldError:   err.Error(),
		})
		return
	}
	if _, err := s.conn.WriteTo(s.sendBuf[:n], s.req.Peer); err != nil {
		internal.Warn("send error packet failed", internal.Fields{
			internal.FieldSession: s.id.String(),
			internal.FieldPeer:    s.req.Peer.String(),
			internal.FieldError:   err.Error(),
		})
	}
}

type fetchFailedError struct {
	url string
	err error
}

func (e *fetchFailedError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.url, e.err)
}

func (e *fetchFailedError) Unwrap() error {
	return e.err
}

// outcomeOf maps a session result onto the metrics label for it.
func outcomeOf(err error) metrics.Outcome {
	var ff *fetchFailedError
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.Is(err, ErrNegotiationFailed):
		return metrics.OutcomeNegotiationFailed
	case errors.As(err, &ff):
		return metrics.OutcomeFetchFailed
	case errors.Is(err, ErrPeerRejected):
		return metrics.OutcomePeerAborted
	case errors.Is(err, ErrRetriesExhausted):
		return metrics.OutcomeRetriesExhausted
	default:
		return metrics.OutcomeFailed
	}
}
