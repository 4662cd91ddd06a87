package tftpserver

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/jgoldverg/t2hproxy/pkg/metrics"
	"github.com/jgoldverg/t2hproxy/pkg/tftpwire"
)

const testPrefix = "http://boot.test/"

// mapFetcher serves fixed bodies keyed by URL; anything else is a 404.
type mapFetcher struct {
	mu      sync.Mutex
	files   map[string][]byte
	fetched []string
}

func (f *mapFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	body, ok := f.files[url]
	if !ok {
		return nil, &backend.FetchError{URL: url, StatusCode: 404, Reason: "Not Found"}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *mapFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type testServer struct {
	srv     *Server
	fetcher *mapFetcher
	metrics *metrics.GatewayCollector
}

func startServer(t *testing.T, files map[string][]byte, ackTimeout time.Duration) *testServer {
	t.Helper()
	fetcher := &mapFetcher{files: files}
	collector := metrics.NewGatewayCollector("test")
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := Listen(ctx, "127.0.0.1:0", Config{
		URLPrefix:    testPrefix,
		Fetcher:      fetcher,
		AckTimeout:   ackTimeout,
		MaxRetries:   5,
		PollInterval: 20 * time.Millisecond,
		Metrics:      collector,
	})
	if err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Wait()
	})
	return &testServer{srv: srv, fetcher: fetcher, metrics: collector}
}

// tftpClient is a minimal hand-driven client over a loopback socket.
type tftpClient struct {
	t       *testing.T
	conn    *net.UDPConn
	server  *net.UDPAddr
	session *net.UDPAddr
	buf     []byte
}

func newClient(t *testing.T, server net.Addr) *tftpClient {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &tftpClient{
		t:      t,
		conn:   conn,
		server: server.(*net.UDPAddr),
		buf:    make([]byte, tftpwire.MTU),
	}
}

func (c *tftpClient) send(to *net.UDPAddr, pkt interface{ Encode([]byte) (int, error) }) {
	c.t.Helper()
	out := make([]byte, tftpwire.MTU)
	n, err := pkt.Encode(out)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.WriteToUDP(out[:n], to); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *tftpClient) rrq(filename string, opts ...tftpwire.Option) {
	c.send(c.server, &tftpwire.RequestPacket{Opcode: tftpwire.OpRRQ, Filename: filename, Mode: "octet", Options: opts})
}

func (c *tftpClient) ack(block uint16) {
	c.send(c.session, &tftpwire.AckPacket{Block: block})
}

// recv returns the next datagram, or nil when nothing arrives within wait.
func (c *tftpClient) recv(wait time.Duration) ([]byte, *net.UDPAddr) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	n, from, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		c.t.Fatalf("read: %v", err)
	}
	return append([]byte(nil), c.buf[:n]...), from
}

func (c *tftpClient) expectOACK(blksize int) {
	c.t.Helper()
	pkt, from := c.recv(2 * time.Second)
	if pkt == nil {
		c.t.Fatal("no OACK received")
	}
	var oack tftpwire.OACKPacket
	if _, err := oack.Decode(pkt); err != nil {
		c.t.Fatalf("expected OACK, got %v (%v)", pkt, err)
	}
	want := []tftpwire.Option{{Name: "blksize", Value: strconv.Itoa(blksize)}}
	if len(oack.Options) != 1 || oack.Options[0] != want[0] {
		c.t.Fatalf("oack options=%v want %v", oack.Options, want)
	}
	if from.Port == c.server.Port {
		c.t.Fatal("OACK must come from the session port, not the listener")
	}
	c.session = from
}

func (c *tftpClient) expectData(block uint16, size int) []byte {
	c.t.Helper()
	pkt, _ := c.recv(2 * time.Second)
	if pkt == nil {
		c.t.Fatalf("no DATA for block %d", block)
	}
	var data tftpwire.DataPacket
	if _, err := data.Decode(pkt); err != nil {
		c.t.Fatalf("expected DATA, got %v (%v)", pkt, err)
	}
	if data.Block != block || len(data.Payload) != size {
		c.t.Fatalf("DATA block=%d len=%d, want block=%d len=%d", data.Block, len(data.Payload), block, size)
	}
	return data.Payload
}

func (c *tftpClient) expectSilence(wait time.Duration) {
	c.t.Helper()
	if pkt, _ := c.recv(wait); pkt != nil {
		c.t.Fatalf("unexpected packet %v", pkt)
	}
}

func waitForOutcome(t *testing.T, ts *testServer, outcome metrics.Outcome) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ts.metrics.Snapshot().SessionsByResult[outcome] > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never finished with %s: %+v", outcome, ts.metrics.Snapshot())
}

func TestSmallFileWithoutOptions(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 300)
	ts := startServer(t, map[string][]byte{testPrefix + "test.txt": body}, time.Second)
	c := newClient(t, ts.srv.Addr())

	c.rrq("test.txt")
	c.expectOACK(512)
	c.ack(0)
	got := c.expectData(1, 300)
	if !bytes.Equal(got, body) {
		t.Fatal("payload mismatch")
	}
	c.ack(1)
	c.expectSilence(200 * time.Millisecond)
	waitForOutcome(t, ts, metrics.OutcomeCompleted)

	if calls := ts.fetcher.calls(); len(calls) != 1 || calls[0] != testPrefix+"test.txt" {
		t.Fatalf("fetched %v", calls)
	}
}

func TestOversizedBlockSizeIsClamped(t *testing.T) {
	body := make([]byte, 5000)
	for i := range body {
		body[i] = byte(i)
	}
	ts := startServer(t, map[string][]byte{testPrefix + "big.bin": body}, time.Second)
	c := newClient(t, ts.srv.Addr())

	c.rrq("big.bin", tftpwire.Option{Name: "blksize", Value: "2000"})
	c.expectOACK(1432)
	c.ack(0)

	var got []byte
	for block := uint16(1); block <= 4; block++ {
		got = append(got, c.expectData(block, 1432)...)
		c.ack(block)
	}
	got = append(got, c.expectData(5, 168)...)
	c.ack(5)
	c.expectSilence(200 * time.Millisecond)

	if !bytes.Equal(got, body) {
		t.Fatal("reassembled payload mismatch")
	}
	waitForOutcome(t, ts, metrics.OutcomeCompleted)
}

func TestMissingFileSendsFileNotFound(t *testing.T) {
	ts := startServer(t, nil, time.Second)
	c := newClient(t, ts.srv.Addr())

	c.rrq("missing.cfg")
	c.expectOACK(512)
	c.ack(0)

	pkt, _ := c.recv(2 * time.Second)
	var ep tftpwire.ErrorPacket
	if _, err := ep.Decode(pkt); err != nil {
		t.Fatalf("expected ERROR, got %v (%v)", pkt, err)
	}
	if ep.Code != tftpwire.ErrFileNotFound || ep.Message != "Not Found" {
		t.Fatalf("error code=%d msg=%q", ep.Code, ep.Message)
	}
	if pkt[len(pkt)-1] == 0 {
		t.Fatal("error message must not be NUL terminated")
	}
	c.expectSilence(200 * time.Millisecond)
	waitForOutcome(t, ts, metrics.OutcomeFetchFailed)
}

func TestNegotiationGivesUpAfterFiveOACKs(t *testing.T) {
	ts := startServer(t, map[string][]byte{testPrefix + "x": []byte("x")}, 50*time.Millisecond)
	c := newClient(t, ts.srv.Addr())

	c.rrq("x")
	oacks := 0
	for {
		pkt, _ := c.recv(500 * time.Millisecond)
		if pkt == nil {
			break
		}
		op, _ := tftpwire.PeekOpcode(pkt)
		if op != tftpwire.OpOACK {
			t.Fatalf("only OACKs expected during negotiation, got %s", op)
		}
		oacks++
	}
	if oacks != 5 {
		t.Fatalf("got %d OACKs, want 5", oacks)
	}
	waitForOutcome(t, ts, metrics.OutcomeNegotiationFailed)
	if calls := ts.fetcher.calls(); len(calls) != 0 {
		t.Fatalf("fetch must not run after failed negotiation, got %v", calls)
	}
}

func TestIllegalOperationKeepsListenerAvailable(t *testing.T) {
	ts := startServer(t, map[string][]byte{testPrefix + "ok": []byte("fine")}, time.Second)
	c := newClient(t, ts.srv.Addr())

	c.send(c.server, &tftpwire.RequestPacket{Opcode: tftpwire.OpWRQ, Filename: "upload", Mode: "octet"})
	pkt, from := c.recv(2 * time.Second)
	var ep tftpwire.ErrorPacket
	if _, err := ep.Decode(pkt); err != nil {
		t.Fatalf("expected ERROR, got %v (%v)", pkt, err)
	}
	if ep.Code != tftpwire.ErrIllegalOperation || ep.Message != "Illegal operation" {
		t.Fatalf("error code=%d msg=%q", ep.Code, ep.Message)
	}
	if from.Port != c.server.Port {
		t.Fatal("illegal operation reply must come from the listener")
	}

	c.rrq("ok")
	c.expectOACK(512)
	c.ack(0)
	c.expectData(1, 4)
	c.ack(1)
	waitForOutcome(t, ts, metrics.OutcomeCompleted)
	if got := ts.metrics.Snapshot().IllegalRequests; got != 1 {
		t.Fatalf("illegal requests=%d", got)
	}
}

func TestStrayPeerIsIgnored(t *testing.T) {
	ts := startServer(t, map[string][]byte{testPrefix + "f": []byte("data")}, 150*time.Millisecond)
	c := newClient(t, ts.srv.Addr())
	stray := newClient(t, ts.srv.Addr())

	c.rrq("f")
	c.expectOACK(512)

	// An ACK(0) from another port must not satisfy the wait, so the OACK is
	// sent again instead of block 1.
	stray.session = c.session
	stray.ack(0)
	c.expectOACK(512)

	c.ack(0)
	c.expectData(1, 4)
	c.ack(1)
	waitForOutcome(t, ts, metrics.OutcomeCompleted)
	stray.expectSilence(100 * time.Millisecond)
}

func TestUnackedBlockStopsAfterFiveSends(t *testing.T) {
	body := make([]byte, 1000)
	ts := startServer(t, map[string][]byte{testPrefix + "two": body}, 50*time.Millisecond)
	c := newClient(t, ts.srv.Addr())

	c.rrq("two")
	c.expectOACK(512)
	c.ack(0)

	sends := 0
	for {
		pkt, _ := c.recv(500 * time.Millisecond)
		if pkt == nil {
			break
		}
		var data tftpwire.DataPacket
		if _, err := data.Decode(pkt); err != nil {
			t.Fatalf("expected DATA, got %v", pkt)
		}
		if data.Block != 1 {
			t.Fatalf("block %d sent before block 1 was acknowledged", data.Block)
		}
		sends++
	}
	if sends != 5 {
		t.Fatalf("block 1 sent %d times, want 5", sends)
	}
	waitForOutcome(t, ts, metrics.OutcomeRetriesExhausted)
}

func TestPeerErrorAbortsWithoutRetry(t *testing.T) {
	body := make([]byte, 2000)
	ts := startServer(t, map[string][]byte{testPrefix + "abort": body}, 50*time.Millisecond)
	c := newClient(t, ts.srv.Addr())

	c.rrq("abort")
	c.expectOACK(512)
	c.ack(0)
	c.expectData(1, 512)
	c.send(c.session, &tftpwire.ErrorPacket{Code: tftpwire.ErrDiskFull, Message: "disk full"})
	c.expectSilence(300 * time.Millisecond)
	waitForOutcome(t, ts, metrics.OutcomePeerAborted)
}

func TestListenRequiresFetcher(t *testing.T) {
	_, err := Listen(context.Background(), "127.0.0.1:0", Config{})
	if err == nil {
		t.Fatal("expected error without fetcher")
	}
}

func TestListenBindFailure(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never assigned locally.
	_, err := Listen(context.Background(), "192.0.2.1:0", Config{Fetcher: &mapFetcher{}})
	if err == nil {
		t.Fatal("expected bind failure for a non-local address")
	}
}

func TestSessionSocketUsesRequestAddress(t *testing.T) {
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	wildcard := &net.UDPAddr{IP: net.IPv6unspecified, Port: 69}

	conn, err := openSessionConn(peer, net.IPv4(127, 0, 0, 1), wildcard)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if got := conn.LocalAddr().(*net.UDPAddr).IP; !got.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("bound to %s, want 127.0.0.1", got)
	}
}

func TestSessionSocketFallsBackToWildcard(t *testing.T) {
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}

	// 192.0.2.1 is not configured locally, so binding to it fails.
	conn, err := openSessionConn(peer, net.IPv4(192, 0, 2, 1), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if got := conn.LocalAddr().(*net.UDPAddr).IP; !got.IsUnspecified() {
		t.Fatalf("bound to %s, want wildcard", got)
	}
}
