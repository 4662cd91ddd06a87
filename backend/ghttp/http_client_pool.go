package ghttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	ErrZeroCapacity = errors.New("client pool has capacity of 0")
	ErrPoolOffline  = errors.New("client pool is offline")
)

// HttpClientPool bounds the number of concurrent upstream fetches. Every
// client shares one transport so idle connections are reused across leases.
type HttpClientPool struct {
	mu       sync.Mutex
	free     chan *http.Client     // Clients ready to lease
	leased   map[*http.Client]bool // Members of the pool; true while leased
	done     chan struct{}         // Closed by ShutDown
	capacity int
	online   bool
}

func NewHttpClientPool(size int, transport http.RoundTripper) (*HttpClientPool, error) {
	if size <= 0 {
		return nil, ErrZeroCapacity
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	hcp := &HttpClientPool{
		free:     make(chan *http.Client, size),
		leased:   make(map[*http.Client]bool, size),
		done:     make(chan struct{}),
		capacity: size,
		online:   true,
	}
	for i := 0; i < size; i++ {
		c := &http.Client{Transport: transport}
		hcp.leased[c] = false
		hcp.free <- c
	}
	return hcp, nil
}

func (hcp *HttpClientPool) ShutDown() error {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()
	if !hcp.online {
		return nil
	}
	hcp.online = false
	close(hcp.done)
	for c := range hcp.leased {
		c.CloseIdleConnections()
	}
	return nil
}

// Get leases a client, waiting while every client is in use. It gives up
// with ctx.Err() when ctx is done before a client frees up.
func (hcp *HttpClientPool) Get(ctx context.Context) (*http.Client, error) {
	hcp.mu.Lock()
	online := hcp.online
	hcp.mu.Unlock()
	if !online {
		return nil, ErrPoolOffline
	}

	select {
	case c := <-hcp.free:
		hcp.mu.Lock()
		defer hcp.mu.Unlock()
		if !hcp.online {
			return nil, ErrPoolOffline
		}
		hcp.leased[c] = true
		return c, nil
	case <-hcp.done:
		return nil, ErrPoolOffline
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a leased client. Returning a client twice is a no-op.
func (hcp *HttpClientPool) Put(client *http.Client) error {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()

	if !hcp.online {
		return ErrPoolOffline
	}
	inUse, member := hcp.leased[client]
	if !member {
		return fmt.Errorf("client not found in pool")
	}
	if !inUse {
		return nil
	}
	hcp.leased[client] = false
	// Never blocks: the channel holds every member.
	hcp.free <- client
	return nil
}

func (hcp *HttpClientPool) Available() int {
	return len(hcp.free)
}

func (hcp *HttpClientPool) Capacity() int {
	return hcp.capacity
}
