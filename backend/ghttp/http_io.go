package ghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jgoldverg/t2hproxy/backend"
	"github.com/jgoldverg/t2hproxy/internal"
)

type FetcherOptions struct {
	// Proxy is host[:port]; empty means direct connections.
	Proxy string
	// Timeout bounds connection setup and the wait for response headers.
	Timeout time.Duration
	// PoolSize caps concurrent upstream fetches.
	PoolSize    int
	Credentials backend.CredentialStorage
}

// HttpFetcher implements backend.Fetcher with plain HTTP GETs. Redirects are
// followed.
type HttpFetcher struct {
	pool    *HttpClientPool
	creds   backend.CredentialStorage
	timeout time.Duration
}

var _ backend.Fetcher = (*HttpFetcher)(nil)

func NewHttpFetcher(opts FetcherOptions) (*HttpFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(internal.DefaultTimeoutMs) * time.Millisecond
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = internal.DefaultUpstreamClients
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   opts.PoolSize,
		IdleConnTimeout:       90 * time.Second,
	}
	if host, port, ok := internal.ParseProxy(opts.Proxy); ok {
		proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
		transport.Proxy = http.ProxyURL(proxyURL)
		internal.Info("upstream proxy configured", internal.Fields{
			internal.FieldProxy: proxyURL.Host,
		})
	}

	pool, err := NewHttpClientPool(opts.PoolSize, transport)
	if err != nil {
		return nil, err
	}
	return &HttpFetcher{pool: pool, creds: opts.Credentials, timeout: opts.Timeout}, nil
}

// Fetch waits at most the fetch timeout for a free client and again for the
// response headers. The returned body fails a Read that stalls longer than
// the timeout.
func (f *HttpFetcher) Fetch(ctx context.Context, target string) (io.ReadCloser, error) {
	leaseCtx, cancelLease := context.WithTimeout(ctx, f.timeout)
	client, err := f.pool.Get(leaseCtx)
	cancelLease()
	if err != nil {
		return nil, fetchFailure(target, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		_ = f.pool.Put(client)
		return nil, &backend.FetchError{URL: target, Reason: "Unable to get " + target, Err: err}
	}
	if f.creds != nil {
		if cred := f.creds.MatchURL(target); cred != nil {
			req.SetBasicAuth(cred.GetUserName(), cred.GetPassword())
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		_ = f.pool.Put(client)
		return nil, fetchFailure(target, err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		_ = f.pool.Put(client)
		return nil, &backend.FetchError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Reason:     statusText(resp),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return newPooledBody(resp.Body, f.timeout, cancel, func() { _ = f.pool.Put(client) }), nil
}

func fetchFailure(target string, err error) *backend.FetchError {
	reason := "Unable to get " + target
	if isTimeout(err) {
		reason = "Timeout getting " + target
	}
	return &backend.FetchError{URL: target, Reason: reason, Err: err}
}

func (f *HttpFetcher) Close() error {
	return f.pool.ShutDown()
}

// pooledBody hands the leased client back when the stream is closed. Each
// Read is watched: one that blocks longer than idle cancels the request, so
// a stalled origin turns into a read error.
type pooledBody struct {
	rc      io.ReadCloser
	idle    time.Duration
	cancel  context.CancelFunc
	release func()
	once    sync.Once

	mu       sync.Mutex
	watchdog *time.Timer
}

func newPooledBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc, release func()) *pooledBody {
	return &pooledBody{rc: rc, idle: idle, cancel: cancel, release: release}
}

func (b *pooledBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.watchdog == nil {
		b.watchdog = time.AfterFunc(b.idle, b.cancel)
	} else {
		b.watchdog.Reset(b.idle)
	}
	b.mu.Unlock()

	n, err := b.rc.Read(p)

	b.mu.Lock()
	b.watchdog.Stop()
	b.mu.Unlock()
	return n, err
}

func (b *pooledBody) Close() error {
	b.mu.Lock()
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	b.mu.Unlock()

	err := b.rc.Close()
	b.once.Do(func() {
		b.cancel()
		b.release()
	})
	return err
}

// statusText returns the reason phrase of the response, e.g. "Not Found".
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	if text == "" {
		text = fmt.Sprintf("HTTP status %d", resp.StatusCode)
	}
	return text
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
