package tftpserver

import (
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
)

// packetConn is the part of *net.UDPConn a session needs.
type packetConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type AckKind int

const (
	// AckMatched means an ACK arrived from the peer; Block carries its number,
	// which may still differ from the block being waited for.
	AckMatched AckKind = iota
	AckTimeout
	AckPeerError
	AckUnexpected
	AckFailed
)

func (k AckKind) String() string {
	switch k {
	case AckMatched:
		return "matched"
	case AckTimeout:
		return "timeout"
	case AckPeerError:
		return "peer_error"
	case AckUnexpected:
		return "unexpected"
	case AckFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AckResult is the outcome of one ack wait. Only the field for Kind is set.
type AckResult struct {
	Kind    AckKind
	Block   uint16
	PeerErr *tftpwire.ErrorPacket
	Opcode  tftpwire.Opcode
	Err     error
}

// awaitAck waits for one datagram from peer on conn. Datagrams from any other
// address or port are dropped without extending the deadline.
func awaitAck(conn packetConn, peer *net.UDPAddr, timeout time.Duration, buf []byte) AckResult {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return AckResult{Kind: AckFailed, Err: err}
	}

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return AckResult{Kind: AckTimeout}
			}
			internal.Warn("ack receive failed", internal.Fields{
				internal.FieldPeer:  peer.String(),
				internal.FieldError: err.Error(),
			})
			return AckResult{Kind: AckFailed, Err: err}
		}
		if !samePeer(from, peer) {
			internal.Debug("dropping datagram from stray peer", internal.Fields{
				internal.FieldPeer:          peer.String(),
				internal.FieldKey("from"):   addrString(from),
				internal.FieldKey("length"): n,
			})
			continue
		}

		op, ok := tftpwire.PeekOpcode(buf[:n])
		if !ok {
			return AckResult{Kind: AckUnexpected}
		}
		switch op {
		case tftpwire.OpACK:
			var ack tftpwire.AckPacket
			if _, err := ack.Decode(buf[:n]); err != nil {
				return AckResult{Kind: AckUnexpected, Opcode: op}
			}
			return AckResult{Kind: AckMatched, Block: ack.Block}
		case tftpwire.OpERROR:
			pe := &tftpwire.ErrorPacket{}
			if _, err := pe.Decode(buf[:n]); err != nil {
				pe = &tftpwire.ErrorPacket{Code: tftpwire.ErrNotDefined}
			}
			return AckResult{Kind: AckPeerError, PeerErr: pe}
		default:
			return AckResult{Kind: AckUnexpected, Opcode: op}
		}
	}
}

func samePeer(from net.Addr, peer *net.UDPAddr) bool {
	ua, ok := from.(*net.UDPAddr)
	if !ok || ua == nil || peer == nil {
		return false
	}
	return ua.Port == peer.Port && ua.IP.Equal(peer.IP)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	// Fallback for platforms that wrap the error string.
	return strings.Contains(err.Error(), "use of closed network connection")
}
