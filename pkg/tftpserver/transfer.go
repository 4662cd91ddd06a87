package tftpserver

import (
	"errors"
	"fmt"
	"io"

	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
)

// transfer sends stream as DATA blocks numbered from 1. The last block is
// shorter than the block size, and empty when the stream length is a
// multiple of it.
func (s *session) transfer(stream io.Reader) error {
	buf := s.sendBuf[:tftpwire.DataHeaderLen+s.blockSize]
	block := uint16(1)
	for {
		n, err := readBlock(stream, buf[tftpwire.DataHeaderLen:])
		if err != nil {
			// A broken upstream ends the file early; the client sees a short
			// final block rather than an error.
			internal.Warn("upstream read failed, truncating transfer", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldBlock:   block,
				internal.FieldBytes:   s.bytesSent + uint64(n),
				internal.FieldError:   err.Error(),
			})
		}
		tftpwire.PutDataHeader(buf, block)
		if err := s.sendBlock(buf[:tftpwire.DataHeaderLen+n], block); err != nil {
			return err
		}
		s.blocksSent++
		s.bytesSent += uint64(n)

		if n < s.blockSize {
			return nil
		}
		block++
	}
}

// readBlock fills p from r until it is full, r ends, or r fails. A read
// error is returned alongside the bytes gathered before it.
func readBlock(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	return n, err
}

// sendBlock transmits pkt until the peer acknowledges block, the peer sends
// an error, or the retry budget runs out.
func (s *session) sendBlock(pkt []byte, block uint16) error {
	payload := len(pkt) - tftpwire.DataHeaderLen
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.cfg.Metrics.ObserveBlock(payload, attempt > 1)
		if _, err := s.conn.WriteTo(pkt, s.req.Peer); err != nil {
			internal.Warn("send data failed", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldBlock:   block,
				internal.FieldAttempt: attempt,
				internal.FieldError:   err.Error(),
			})
		}

		res := awaitAck(s.conn, s.req.Peer, s.cfg.AckTimeout, s.recvBuf)
		switch res.Kind {
		case AckMatched:
			if res.Block == block {
				return nil
			}
			internal.Debug("ack for other block, retransmitting", internal.Fields{
				internal.FieldSession:      s.id.String(),
				internal.FieldBlock:        block,
				internal.FieldKey("acked"): res.Block,
				internal.FieldAttempt:      attempt,
			})
		case AckPeerError:
			return fmt.Errorf("%w at block %d: %w: %w", ErrTransferAborted, block, ErrPeerRejected, res.PeerErr)
		case AckTimeout:
			s.cfg.Metrics.ObserveAckTimeout()
			internal.Debug("ack timed out, retransmitting", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldBlock:   block,
				internal.FieldAttempt: attempt,
			})
		case AckUnexpected:
			internal.Debug("unexpected reply, retransmitting", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldBlock:   block,
				internal.FieldOpcode:  res.Opcode.String(),
				internal.FieldAttempt: attempt,
			})
		case AckFailed:
			// logged by awaitAck
		}
	}
	return fmt.Errorf("%w: block %d unacknowledged after %d attempts: %w", ErrTransferAborted, block, s.cfg.MaxRetries, ErrRetriesExhausted)
}
