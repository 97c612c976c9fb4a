package onnx

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	// DefaultPoolSize is used when the configured size is not positive
	DefaultPoolSize = 2
	// DefaultAcquireTimeout bounds how long Acquire waits for a free session
	DefaultAcquireTimeout = 5 * time.Second
)

var (
	// ErrPoolClosed is returned by Acquire after Destroy
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrAcquireTimeout is returned when no session frees up in time
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// SessionPool hands out inference sessions so concurrent requests never share
// the input and output tensors bound to one session
type SessionPool struct {
	sessions chan *modelSession
	size     int
	timeout  time.Duration

	mu     sync.Mutex
	closed bool

	metrics PoolMetrics
}

// PoolMetrics is a snapshot of pool usage counters
type PoolMetrics struct {
	Size            int           `json:"size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time"`
}

// newSessionPool fills a pool with size sessions built by newSession. On any
// failure the sessions created so far are destroyed.
func newSessionPool(size int, timeout time.Duration, newSession func() (*modelSession, error)) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	pool := &SessionPool{
		sessions: make(chan *modelSession, size),
		size:     size,
		timeout:  timeout,
	}
	pool.metrics.Size = size

	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			return nil, multierr.Append(
				errors.Wrapf(err, "failed to initialize session %d", i),
				pool.Destroy())
		}
		pool.sessions <- session
	}

	return pool, nil
}

// Acquire takes a session from the pool, waiting at most the pool timeout
func (p *SessionPool) Acquire(ctx context.Context) (*modelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.mu.Lock()
		p.metrics.AcquireFailures++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool. Sessions released after Destroy are
// destroyed instead.
func (p *SessionPool) Release(session *modelSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.TotalReleased++

	if p.closed {
		return session.Destroy()
	}
	p.sessions <- session
	return nil
}

// Destroy closes the pool and destroys every idle session
func (p *SessionPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.sessions)

	var err error
	for session := range p.sessions {
		err = multierr.Append(err, session.Destroy())
	}
	return err
}

// Metrics returns a snapshot of the pool counters
func (p *SessionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
