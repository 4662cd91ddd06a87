package tftpserver

import (
	"fmt"
	"strconv"

	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
)

// negotiate resolves the block size and runs the OACK/ACK(0) exchange. The
// OACK always carries blksize, whether or not the client asked for it.
// Options other than blksize are dropped without being echoed.
func (s *session) negotiate() error {
	s.options = tftpwire.ParseOptions(tftpwire.OptionBytes(s.req.Raw))
	s.blockSize = tftpwire.EffectiveBlockSize(s.options)

	oack := tftpwire.OACKPacket{Options: []tftpwire.Option{
		{Name: tftpwire.OptionBlockSize, Value: strconv.Itoa(s.blockSize)},
	}}
	n, err := oack.Encode(s.sendBuf)
	if err != nil {
		return fmt.Errorf("%w: encode oack: %w", ErrNegotiationFailed, err)
	}
	pkt := s.sendBuf[:n]

	internal.Debug("negotiating options", internal.Fields{
		internal.FieldSession:        s.id.String(),
		internal.FieldBlockSize:      s.blockSize,
		internal.FieldKey("options"): len(s.options),
	})

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			s.cfg.Metrics.ObserveBlock(0, true)
		}
		if _, err := s.conn.WriteTo(pkt, s.req.Peer); err != nil {
			internal.Warn("send oack failed", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldAttempt: attempt,
				internal.FieldError:   err.Error(),
			})
		}

		res := awaitAck(s.conn, s.req.Peer, s.cfg.AckTimeout, s.recvBuf)
		switch res.Kind {
		case AckMatched:
			if res.Block == 0 {
				return nil
			}
			internal.Debug("oack answered with wrong block", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldBlock:   res.Block,
				internal.FieldAttempt: attempt,
			})
		case AckPeerError:
			return fmt.Errorf("%w: %w: %w", ErrNegotiationFailed, ErrPeerRejected, res.PeerErr)
		case AckTimeout:
			s.cfg.Metrics.ObserveAckTimeout()
			internal.Debug("oack timed out", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldAttempt: attempt,
			})
		case AckUnexpected:
			internal.Debug("unexpected reply to oack", internal.Fields{
				internal.FieldSession: s.id.String(),
				internal.FieldOpcode:  res.Opcode.String(),
				internal.FieldAttempt: attempt,
			})
		case AckFailed:
			// already logged by awaitAck
		}
	}
	return fmt.Errorf("%w: no ack for oack after %d attempts: %w", ErrNegotiationFailed, s.cfg.MaxRetries, ErrRetriesExhausted)
}
