package daemon

import (
	"net/http"
	"sync"
	"time"
)

// Pool hands out one keep-alive HTTP client per daemon base URL, shared
// across all reads to that daemon.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*http.Client)}
}

// Get returns the client for baseURL, creating it lazily. Entries live
// for the process lifetime; connections recycle via keep-alive.
func (p *Pool) Get(baseURL string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[baseURL]; ok {
		return c
	}

	c := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	p.clients[baseURL] = c
	return c
}

// Len returns the number of distinct clients created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll drops idle connections for every client. Called on shutdown
// after the supervisor has terminated the daemons.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	p.clients = make(map[string]*http.Client)
}
