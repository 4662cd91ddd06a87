package tftpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/jgoldverg/t2hproxy/internal"
	"github.com/jgoldverg/t2hproxy/pkg/metrics"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Config is shared read-only by the listener and every session.
type Config struct {
	URLPrefix string
	Fetcher   backend.Fetcher
	// AckTimeout bounds each wait for an ACK; MaxRetries is the number of
	// sends per OACK or DATA block before the session gives up.
	AckTimeout time.Duration
	MaxRetries int
	// ReadBufferSize is the kernel receive buffer hint for the listener.
	ReadBufferSize int
	// PollInterval is how often the listener wakes to check for shutdown.
	PollInterval time.Duration
	Metrics      *metrics.GatewayCollector
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Server owns the listening socket and hands each read request to its own
// session goroutine.
type Server struct {
	cfg  Config
	conn net.PacketConn
	// v4 or v6 is set when the kernel reports the destination address of
	// each datagram.
	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn

	wg sync.WaitGroup
}

// Listen binds addr. With an empty host it prefers an IPv6 dual-stack socket
// and falls back to IPv4.
func Listen(ctx context.Context, addr string, cfg Config) (*Server, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("tftp server requires a fetcher")
	}
	cfg = cfg.withDefaults()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}

	lc := net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if network == "udp6" {
					// Try to make v6 socket dual-stack (Linux honors this; macOS ignores)
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				}
			})
		},
	}

	var pc net.PacketConn
	if host == "" {
		pc, err = lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
		if err != nil {
			internal.Warn("error creating udp ipv6 listener", internal.Fields{
				internal.FieldPort:  port,
				internal.FieldError: err.Error(),
			})
			pc, err = lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
		}
	} else {
		pc, err = lc.ListenPacket(ctx, "udp", addr)
	}
	if err != nil {
		internal.Error("error creating udp listener", internal.Fields{
			internal.FieldPort:  port,
			internal.FieldError: err.Error(),
		})
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if uc, ok := pc.(*net.UDPConn); ok {
		_ = uc.SetReadBuffer(cfg.ReadBufferSize)
	}

	internal.Info("tftp listener bound", internal.Fields{
		internal.FieldPort:           port,
		internal.FieldKey("address"): pc.LocalAddr().String(),
		internal.FieldKey("network"): pc.LocalAddr().Network(),
		internal.FieldURL:            cfg.URLPrefix,
	})
	srv := &Server{cfg: cfg, conn: pc}
	srv.trackDestination()
	return srv, nil
}

// trackDestination asks for the destination address of every datagram so
// sessions can answer from the address the client used.
func (s *Server) trackDestination() {
	la, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	var err error
	if la.IP.To4() != nil {
		p := ipv4.NewPacketConn(s.conn)
		if err = p.SetControlMessage(ipv4.FlagDst, true); err == nil {
			s.v4 = p
			return
		}
	} else {
		p := ipv6.NewPacketConn(s.conn)
		if err = p.SetControlMessage(ipv6.FlagDst, true); err == nil {
			s.v6 = p
			return
		}
	}
	internal.Debug("destination address tracking unavailable", internal.Fields{
		internal.FieldError: err.Error(),
	})
}

func (s *Server) readRequest(buf []byte) (int, net.Addr, net.IP, error) {
	switch {
	case s.v4 != nil:
		n, cm, src, err := s.v4.ReadFrom(buf)
		if cm != nil {
			return n, src, cm.Dst, err
		}
		return n, src, nil, err
	case s.v6 != nil:
		n, cm, src, err := s.v6.ReadFrom(buf)
		if cm != nil {
			return n, src, cm.Dst, err
		}
		return n, src, nil, err
	default:
		n, src, err := s.conn.ReadFrom(buf)
		return n, src, nil, err
	}
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads requests until ctx is cancelled or the socket is closed, then
// closes the socket. Sessions already running are not interrupted; use Wait
// to drain them.
func (s *Server) Serve(ctx context.Context) error {
	defer s.conn.Close()

	buf := make([]byte, tftpwire.MTU)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))

		n, from, dst, err := s.readRequest(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosedNetworkError(err) {
				return nil
			}
			internal.Warn("tftp listener receive failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		peer, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		op, ok := tftpwire.PeekOpcode(buf[:n])
		if !ok || op != tftpwire.OpRRQ {
			s.rejectIllegal(peer, op, n)
			continue
		}

		req := Request{
			Peer:     peer,
			Local:    dst,
			Raw:      append([]byte(nil), buf[:n]...),
			Received: time.Now(),
		}
		s.dispatch(context.WithoutCancel(ctx), req)
	}
}

// Wait blocks until every session started so far has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) Close() error {
	err := s.conn.Close()
	if isClosedNetworkError(err) {
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves until ctx is cancelled, then waits for
// running sessions.
func ListenAndServe(ctx context.Context, addr string, cfg Config) error {
	srv, err := Listen(ctx, addr, cfg)
	if err != nil {
		return err
	}
	err = srv.Serve(ctx)
	srv.Wait()
	return err
}

func (s *Server) rejectIllegal(peer *net.UDPAddr, op tftpwire.Opcode, length int) {
	s.cfg.Metrics.ObserveIllegalRequest()
	internal.Warn("rejecting non read request", internal.Fields{
		internal.FieldPeer:          peer.String(),
		internal.FieldOpcode:        op.String(),
		internal.FieldKey("length"): length,
	})

	ep := tftpwire.ErrorPacket{Code: tftpwire.ErrIllegalOperation, Message: tftpwire.IllegalOperationMessage}
	out := make([]byte, tftpwire.ErrorHeaderLen+len(ep.Message))
	n, err := ep.Encode(out)
	if err != nil {
		return
	}
	if _, err := s.conn.WriteTo(out[:n], peer); err != nil {
		internal.Warn("send illegal operation reply failed", internal.Fields{
			internal.FieldPeer:  peer.String(),
			internal.FieldError: err.Error(),
		})
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(ctx, req)
	}()
}

// runSession opens the private socket, runs the session and records its
// outcome. A panic ends only this session.
func (s *Server) runSession(ctx context.Context, req Request) {
	s.cfg.Metrics.SessionStarted()
	var sess *session
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
		s.finishSession(sess, req, err)
	}()

	conn, err := openSessionConn(req.Peer, req.Local, s.conn.LocalAddr())
	if err != nil {
		internal.Error("failed to open session socket", internal.Fields{
			internal.FieldPeer:  req.Peer.String(),
			internal.FieldError: err.Error(),
		})
		return
	}
	defer conn.Close()

	sess = newSession(&s.cfg, req, conn)
	defer sess.release()
	err = sess.run(ctx)
}

func (s *Server) finishSession(sess *session, req Request, err error) {
	outcome := outcomeOf(err)
	s.cfg.Metrics.SessionFinished(outcome, time.Since(req.Received))

	fields := internal.Fields{
		internal.FieldPeer:           req.Peer.String(),
		internal.FieldKey("outcome"): string(outcome),
	}
	if sess != nil {
		for k, v := range sess.fields() {
			fields[k] = v
		}
		fields[internal.FieldBlock] = sess.blocksSent
		fields[internal.FieldBytes] = sess.bytesSent
		fields[internal.FieldBlockSize] = sess.blockSize
	}
	if err == nil {
		internal.Info("transfer complete", fields)
		return
	}
	fields[internal.FieldError] = err.Error()
	switch outcome {
	case metrics.OutcomeFailed:
		internal.Error("session failed", fields)
	default:
		internal.Warn("session ended early", fields)
	}
}

// openSessionConn binds an ephemeral port of the peer's address family. The
// address is the one the request was sent to when known, else the listener's
// address when it is a specific one. A failed bind on that address falls back
// to the wildcard.
func openSessionConn(peer *net.UDPAddr, local net.IP, listenAddr net.Addr) (*net.UDPConn, error) {
	v4 := peer.IP.To4() != nil
	network := "udp6"
	var wildcard net.IP = net.IPv6unspecified
	if v4 {
		network = "udp4"
		wildcard = net.IPv4zero
	}
	sameFamily := func(ip net.IP) bool {
		return ip != nil && !ip.IsUnspecified() && !ip.IsMulticast() && (ip.To4() != nil) == v4
	}

	ip := wildcard
	if la, ok := listenAddr.(*net.UDPAddr); ok && sameFamily(la.IP) {
		ip = la.IP
	}
	if sameFamily(local) {
		ip = local
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: 0})
	if err != nil && !ip.Equal(wildcard) {
		internal.Debug("session bind on request address failed", internal.Fields{
			internal.FieldPeer:           peer.String(),
			internal.FieldKey("address"): ip.String(),
			internal.FieldError:          err.Error(),
		})
		return net.ListenUDP(network, &net.UDPAddr{IP: wildcard, Port: 0})
	}
	return conn, err
}
