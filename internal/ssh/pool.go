package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/slashfoo/poh/internal/config"
	"github.com/slashfoo/poh/internal/executor"
)

// dialResult holds the outcome of a Dial attempt, shared between goroutines
// waiting for the same host connection.
type dialResult struct {
	client *Client
	err    error
}

// Pool manages persistent SSH connections, one per host, shared by all
// of that host's commands. It plays the role OpenSSH connection
// multiplexing (ControlMaster) plays when shelling out to ssh: the
// first command dials, subsequent commands reuse the session transport.
// Pool implements executor.Runner.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]*Client
	inflight map[string]chan dialResult // per-host dial coordination
	baseConf ClientConfig
	hosts    map[string]config.Host // keyed by display name
}

// NewPool creates a connection pool. The hosts slice carries the
// resolved per-host connection details; lookups during Run use the
// display name (the original server string).
func NewPool(baseConf ClientConfig, hosts []config.Host) *Pool {
	byName := make(map[string]config.Host, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}
	return &Pool{
		clients:  make(map[string]*Client),
		inflight: make(map[string]chan dialResult),
		baseConf: baseConf,
		hosts:    byName,
	}
}

// Run implements executor.Runner. It reuses a cached connection if
// available, dialing a new one if needed. If a command fails with what
// looks like a broken connection, it evicts the cached connection and
// retries once.
func (p *Pool) Run(ctx context.Context, host string, command string) *executor.Result {
	result := &executor.Result{Host: host}

	stdout, stderr, exitCode, err := p.exec(ctx, host, command)
	if err != nil && isReconnectable(err) {
		p.evict(host)
		stdout, stderr, exitCode, err = p.exec(ctx, host, command)
	}

	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode
	if err != nil {
		result.ExitCode = -1
		result.Err = WrapConnectError(host, err)
	}
	return result
}

func (p *Pool) exec(ctx context.Context, host string, command string) ([]byte, []byte, int, error) {
	client, err := p.GetClient(ctx, host)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("connect: %w", err)
	}
	return client.RunCommand(ctx, command)
}

// GetClient returns the pooled connection for a host, dialing it if
// needed. Concurrent callers for the same host share a single dial.
// The returned client is owned by the pool; do not close it.
func (p *Pool) GetClient(ctx context.Context, host string) (*Client, error) {
	p.mu.Lock()

	// Fast path: already connected.
	if client, ok := p.clients[host]; ok {
		p.mu.Unlock()
		return client, nil
	}

	// Check if another goroutine is already dialing this host.
	if ch, ok := p.inflight[host]; ok {
		p.mu.Unlock()
		select {
		case res := <-ch:
			// Put the result back so other waiters can also read it.
			ch <- res
			return res.client, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// We are the first to dial this host. Create a coordination channel.
	ch := make(chan dialResult, 1)
	p.inflight[host] = ch
	p.mu.Unlock()

	conf, dialHost := p.confFor(host)
	client, err := Dial(ctx, dialHost, conf)

	p.mu.Lock()
	delete(p.inflight, host)
	if err == nil {
		p.clients[host] = client
	}
	p.mu.Unlock()

	// Broadcast result to any waiters.
	ch <- dialResult{client: client, err: err}

	return client, err
}

// confFor applies a host's resolved connection details to the base config.
func (p *Pool) confFor(host string) (ClientConfig, string) {
	conf := p.baseConf
	dialHost := host
	if h, ok := p.hosts[host]; ok {
		if h.Hostname != "" {
			dialHost = h.Hostname
		}
		if h.User != "" {
			conf.User = h.User
		}
		if h.Port > 0 {
			conf.Port = h.Port
		}
		if h.IdentityFile != "" {
			conf.IdentityFiles = []string{h.IdentityFile}
		}
		if h.ProxyJump != "" {
			conf.ProxyJump = h.ProxyJump
		}
	}
	return conf, dialHost
}

func (p *Pool) evict(host string) {
	p.mu.Lock()
	client, ok := p.clients[host]
	if ok {
		delete(p.clients, host)
	}
	p.mu.Unlock()

	if ok {
		client.Close()
	}
}

// IsConnected reports whether a cached connection exists for the given host.
func (p *Pool) IsConnected(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[host]
	return ok
}

// Close closes all cached connections and resets the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isReconnectable returns true if the error suggests a stale/broken connection
// that might succeed on retry with a fresh dial. It returns false for errors
// that are permanent (auth failures, context cancellation) to avoid unnecessary
// retry attempts.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}
	return false
}
